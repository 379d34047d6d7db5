package consultation

import (
	"context"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/compliance"
)

type Repository interface {
	// FindFlaggedInitial returns the id of the consultation flagged initial, or "".
	FindFlaggedInitial(ctx context.Context, patientID, practitionerID string) (string, error)

	// FindEarliest returns the id of the earliest consultation by date, or "".
	FindEarliest(ctx context.Context, patientID, practitionerID string) (string, error)

	// Get loads and decrypts a consultation. Returns ErrConsultationNotFound if not found.
	Get(ctx context.Context, id, ownerID string) (*Loaded, error)

	// ListByPatient returns summaries of every consultation of a patient.
	ListByPatient(ctx context.Context, patientID, practitionerID string) ([]Summary, error)

	// ListByPractitioner returns summaries of every consultation of a practitioner.
	ListByPractitioner(ctx context.Context, practitionerID string) ([]Summary, error)

	// Patch encrypts and writes the given fields only, guarded by the version of base.
	Patch(ctx context.Context, base *Loaded, fields map[string]any, ownerID string) ([]compliance.FieldError, error)

	// SetInitialFlag writes isInitial alone.
	SetInitialFlag(ctx context.Context, id string, initial bool) error
}

type BackupRepository interface {
	Save(ctx context.Context, b *Backup) error
}
