package repository

import (
	"context"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/docstore"
)

type AuditRepository struct {
	store docstore.Store
}

func NewAuditRepository(store docstore.Store) *AuditRepository {
	return &AuditRepository{store: store}
}

func (r *AuditRepository) Create(ctx context.Context, entry *domain.AuditLog) error {
	id, err := r.store.Create(ctx, CollectionAuditLogs, map[string]any{
		"occurredAt":   entry.OccurredAt,
		"userId":       entry.UserID,
		"userRole":     string(entry.UserRole),
		"action":       string(entry.Action),
		"resourceType": entry.ResourceType,
		"resourceId":   entry.ResourceID,
		"requestId":    entry.RequestID,
		"changes":      entry.Changes,
	})
	if err != nil {
		return wrap("writing audit log", err)
	}
	entry.ID = id
	return nil
}
