package repository

import (
	"context"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/docstore"
)

type UserRepository struct {
	store docstore.Store
}

func NewUserRepository(store docstore.Store) *UserRepository {
	return &UserRepository{store: store}
}

// ListPractitioners returns every user whose role, however spelled,
// designates a practitioner.
func (r *UserRepository) ListPractitioners(ctx context.Context) ([]domain.User, error) {
	docs, err := r.store.Query(ctx, docstore.Query{Collection: CollectionUsers})
	if err != nil {
		return nil, wrap("listing users", err)
	}

	var out []domain.User
	for _, d := range docs {
		role := domain.NormalizeRole(domain.Lookup(d.Data, "role").String())
		if role != domain.RolePractitioner {
			continue
		}
		out = append(out, domain.User{
			ID:          d.ID,
			Email:       domain.Lookup(d.Data, "email").String(),
			DisplayName: domain.Lookup(d.Data, "displayName").String(),
			Role:        role,
		})
	}
	return out, nil
}
