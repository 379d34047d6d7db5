package repository

import (
	"context"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain/consultation"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/docstore"
)

type BackupRepository struct {
	store docstore.Store
}

var _ consultation.BackupRepository = (*BackupRepository)(nil)

func NewBackupRepository(store docstore.Store) *BackupRepository {
	return &BackupRepository{store: store}
}

func (r *BackupRepository) Save(ctx context.Context, b *consultation.Backup) error {
	fields := make([]any, len(b.Fields))
	for i, f := range b.Fields {
		fields[i] = f
	}
	_, err := r.store.Create(ctx, CollectionBackups, map[string]any{
		"consultationId":      b.ConsultationID,
		"consultationVersion": b.ConsultationVersion,
		"patientId":           b.PatientID,
		"practitionerId":      b.PractitionerID,
		"mode":                b.Mode,
		"fields":              fields,
		"previous":            b.Previous,
		"backupDate":          b.CreatedAt,
	})
	if err != nil {
		return wrap("writing consultation backup", err)
	}
	return nil
}
