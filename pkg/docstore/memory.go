package docstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps documents in process memory. It honours the same
// version semantics as the SQL store and is used by tests and local runs.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]*Document
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]*Document),
		now:         time.Now,
	}
}

func (s *MemoryStore) Query(ctx context.Context, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := make([]Document, 0, len(s.collections[q.Collection]))
	for _, d := range s.collections[q.Collection] {
		docs = append(docs, copyDocument(d))
	}
	return apply(docs, q), nil
}

func (s *MemoryStore) GetByID(ctx context.Context, collection, id string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.collections[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	doc := copyDocument(d)
	return &doc, nil
}

func (s *MemoryStore) UpdateFields(ctx context.Context, collection, id string, fields map[string]any, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.collections[collection][id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if expectedVersion != AnyVersion && d.Version != expectedVersion {
		return fmt.Errorf("%s/%s at version %d, expected %d: %w", collection, id, d.Version, expectedVersion, ErrVersionConflict)
	}

	for k, v := range nativeMap(fields) {
		d.Data[k] = v
	}
	d.Version++
	d.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) Create(ctx context.Context, collection string, data map[string]any) (string, error) {
	id := uuid.NewString()
	if err := s.CreateWithID(ctx, collection, id, data); err != nil {
		return "", err
	}
	return id, nil
}

// CreateWithID stores a document under a caller-chosen id, replacing any
// existing document with that id.
func (s *MemoryStore) CreateWithID(ctx context.Context, collection, id string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.collections[collection] == nil {
		s.collections[collection] = make(map[string]*Document)
	}
	now := s.now().UTC()
	s.collections[collection][id] = &Document{
		ID:        id,
		Data:      nativeMap(data),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

func copyDocument(d *Document) Document {
	return Document{
		ID:        d.ID,
		Data:      nativeMap(d.Data),
		Version:   d.Version,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}
