// Package repository implements the domain repositories on top of a
// docstore.Store, encrypting and decrypting through the compliance codec.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/compliance"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/docstore"
)

const (
	CollectionPatients      = "patients"
	CollectionConsultations = "consultations"
	CollectionUsers         = "users"
	CollectionAuditLogs     = "audit_logs"
	CollectionBackups       = "consultation_backups"
)

// patchDocument encrypts fields, drops the ones that failed, refreshes the
// metadata block and writes the result guarded by version.
func patchDocument(
	ctx context.Context,
	store docstore.Store,
	codec *compliance.Codec,
	collection, id string,
	rt compliance.RecordType,
	stored map[string]any,
	version int64,
	fields map[string]any,
	ownerID string,
	now time.Time,
) ([]compliance.FieldError, error) {
	enc := codec.EncryptFields(fields, rt, ownerID)

	write := make(map[string]any, len(enc.Fields)+2)
	for k, v := range enc.Fields {
		if enc.Failed(k) {
			continue
		}
		write[k] = v
	}
	if len(write) == 0 {
		return enc.Failures, nil
	}

	merged := make(map[string]any, len(stored)+len(write))
	for k, v := range stored {
		merged[k] = v
	}
	for k, v := range write {
		merged[k] = v
	}
	write[compliance.MetadataKey] = codec.MetadataField(merged, rt, ownerID)
	write["updatedAt"] = now.UTC()

	if err := store.UpdateFields(ctx, collection, id, write, version); err != nil {
		return enc.Failures, err
	}
	return enc.Failures, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, docstore.ErrNotFound)
}

func wrap(op string, err error) error {
	return fmt.Errorf("%s: %w", op, err)
}
