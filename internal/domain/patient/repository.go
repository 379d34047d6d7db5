package patient

import (
	"context"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/compliance"
)

type Repository interface {
	// Get loads and decrypts a patient. Returns ErrPatientNotFound if not found.
	Get(ctx context.Context, id, ownerID string) (*Loaded, error)

	// ListByPractitioner decrypts every patient of the practitioner. Fields
	// that fail to decrypt are reported on each Loaded, not as an error.
	ListByPractitioner(ctx context.Context, practitionerID string) ([]*Loaded, error)

	// ListSummaries returns patients without decrypting them.
	ListSummaries(ctx context.Context, practitionerID string) ([]Summary, error)

	// Patch encrypts and writes the given fields only, guarded by the version
	// of base. Fields that failed to encrypt are not written and are returned.
	Patch(ctx context.Context, base *Loaded, fields map[string]any, ownerID string) ([]compliance.FieldError, error)
}
