// Package docstore is a small document-store abstraction: schemaless
// documents grouped in collections, queried by equality filters and
// written with partial, version-guarded field updates.
package docstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("document not found")
	ErrVersionConflict = errors.New("document was modified concurrently")
)

// AnyVersion disables the optimistic-concurrency check on UpdateFields.
const AnyVersion int64 = -1

type Document struct {
	ID        string
	Data      map[string]any
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Filter struct {
	Field string
	Value any
}

type Query struct {
	Collection string
	Filters    []Filter
	// OrderBy sorts on a top-level data field. Documents missing the field
	// sort last; ties fall back to document id.
	OrderBy    string
	Descending bool
	Limit      int
}

// Where is a convenience for building equality filters.
func Where(field string, value any) Filter {
	return Filter{Field: field, Value: value}
}

type Store interface {
	// Query returns every document of the collection matching all filters.
	Query(ctx context.Context, q Query) ([]Document, error)

	// GetByID returns ErrNotFound if the document does not exist.
	GetByID(ctx context.Context, collection, id string) (*Document, error)

	// UpdateFields merges fields into the document's top level. When
	// expectedVersion is not AnyVersion and differs from the stored version
	// the write is rejected with ErrVersionConflict.
	UpdateFields(ctx context.Context, collection, id string, fields map[string]any, expectedVersion int64) error

	// Create stores a new document under a generated id.
	Create(ctx context.Context, collection string, data map[string]any) (string, error)
}
