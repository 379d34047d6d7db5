package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DocumentRow is the relational layout shared by every collection.
type DocumentRow struct {
	Collection string         `gorm:"column:collection;type:varchar(64);primaryKey"`
	ID         string         `gorm:"column:id;type:varchar(64);primaryKey"`
	Data       datatypes.JSON `gorm:"column:data;not null"`
	Version    int64          `gorm:"column:version;not null;default:1"`
	CreatedAt  time.Time      `gorm:"column:created_at;autoCreateTime;index"`
	UpdatedAt  time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (DocumentRow) TableName() string {
	return "documents"
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Query(ctx context.Context, q Query) ([]Document, error) {
	tx := s.db.WithContext(ctx).Where("collection = ?", q.Collection)
	// String equality is pushed down; every other filter is re-checked in
	// memory because JSON booleans and numbers differ between dialects.
	for _, f := range q.Filters {
		if str, ok := f.Value.(string); ok {
			tx = tx.Where(datatypes.JSONQuery("data").Equals(str, f.Field))
		}
	}

	var rows []DocumentRow
	if err := tx.Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying %s: %w", q.Collection, err)
	}

	docs := make([]Document, 0, len(rows))
	for i := range rows {
		d, err := rows[i].document()
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return apply(docs, q), nil
}

func (s *GormStore) GetByID(ctx context.Context, collection, id string) (*Document, error) {
	var row DocumentRow
	err := s.db.WithContext(ctx).
		Where("collection = ? AND id = ?", collection, id).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s/%s: %w", collection, id, err)
	}

	d, err := row.document()
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *GormStore) UpdateFields(ctx context.Context, collection, id string, fields map[string]any, expectedVersion int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row DocumentRow
		err := tx.Where("collection = ? AND id = ?", collection, id).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("loading %s/%s: %w", collection, id, err)
		}
		if expectedVersion != AnyVersion && row.Version != expectedVersion {
			return fmt.Errorf("%s/%s at version %d, expected %d: %w", collection, id, row.Version, expectedVersion, ErrVersionConflict)
		}

		current, err := row.document()
		if err != nil {
			return err
		}
		for k, v := range nativeMap(fields) {
			current.Data[k] = v
		}
		raw, err := json.Marshal(current.Data)
		if err != nil {
			return fmt.Errorf("encoding %s/%s: %w", collection, id, err)
		}

		// The version predicate turns a concurrent writer that slipped in
		// between the read and this statement into a conflict.
		res := tx.Model(&DocumentRow{}).
			Where("collection = ? AND id = ? AND version = ?", collection, id, row.Version).
			Updates(map[string]any{
				"data":       datatypes.JSON(raw),
				"version":    row.Version + 1,
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return fmt.Errorf("updating %s/%s: %w", collection, id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%s/%s: %w", collection, id, ErrVersionConflict)
		}
		return nil
	})
}

func (s *GormStore) Create(ctx context.Context, collection string, data map[string]any) (string, error) {
	raw, err := json.Marshal(nativeMap(data))
	if err != nil {
		return "", fmt.Errorf("encoding %s document: %w", collection, err)
	}

	row := DocumentRow{
		Collection: collection,
		ID:         uuid.NewString(),
		Data:       datatypes.JSON(raw),
		Version:    1,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("creating %s document: %w", collection, err)
	}
	return row.ID, nil
}

func (r *DocumentRow) document() (Document, error) {
	data := map[string]any{}
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, &data); err != nil {
			return Document{}, fmt.Errorf("decoding %s/%s: %w", r.Collection, r.ID, err)
		}
	}
	return Document{
		ID:        r.ID,
		Data:      data,
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}
