package repository

import (
	"context"
	"time"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/compliance"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain/consultation"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/docstore"
)

type ConsultationRepository struct {
	store docstore.Store
	codec *compliance.Codec
	now   func() time.Time
}

var _ consultation.Repository = (*ConsultationRepository)(nil)

func NewConsultationRepository(store docstore.Store, codec *compliance.Codec) *ConsultationRepository {
	return &ConsultationRepository{store: store, codec: codec, now: time.Now}
}

func (r *ConsultationRepository) FindFlaggedInitial(ctx context.Context, patientID, practitionerID string) (string, error) {
	return r.first(ctx, docstore.Query{
		Collection: CollectionConsultations,
		Filters: []docstore.Filter{
			docstore.Where("patientId", patientID),
			docstore.Where("practitionerId", practitionerID),
			docstore.Where("isInitial", true),
		},
		Limit: 1,
	})
}

func (r *ConsultationRepository) FindEarliest(ctx context.Context, patientID, practitionerID string) (string, error) {
	return r.first(ctx, docstore.Query{
		Collection: CollectionConsultations,
		Filters: []docstore.Filter{
			docstore.Where("patientId", patientID),
			docstore.Where("practitionerId", practitionerID),
		},
		OrderBy: "date",
		Limit:   1,
	})
}

func (r *ConsultationRepository) first(ctx context.Context, q docstore.Query) (string, error) {
	docs, err := r.store.Query(ctx, q)
	if err != nil {
		return "", wrap("querying consultations", err)
	}
	if len(docs) == 0 {
		return "", nil
	}
	return docs[0].ID, nil
}

func (r *ConsultationRepository) Get(ctx context.Context, id, ownerID string) (*consultation.Loaded, error) {
	doc, err := r.store.GetByID(ctx, CollectionConsultations, id)
	if isNotFound(err) {
		return nil, consultation.ErrConsultationNotFound
	}
	if err != nil {
		return nil, wrap("loading consultation", err)
	}

	shown := r.codec.ToDisplayable(doc.Data, compliance.RecordConsultation, ownerID)
	return &consultation.Loaded{
		Record:   consultation.FromDocument(doc.ID, shown.Fields),
		Version:  doc.Version,
		Stored:   doc.Data,
		Failures: shown.Failures,
	}, nil
}

func (r *ConsultationRepository) ListByPatient(ctx context.Context, patientID, practitionerID string) ([]consultation.Summary, error) {
	return r.summaries(ctx, docstore.Query{
		Collection: CollectionConsultations,
		Filters: []docstore.Filter{
			docstore.Where("patientId", patientID),
			docstore.Where("practitionerId", practitionerID),
		},
		OrderBy: "date",
	})
}

func (r *ConsultationRepository) ListByPractitioner(ctx context.Context, practitionerID string) ([]consultation.Summary, error) {
	return r.summaries(ctx, docstore.Query{
		Collection: CollectionConsultations,
		Filters:    []docstore.Filter{docstore.Where("practitionerId", practitionerID)},
		OrderBy:    "date",
	})
}

func (r *ConsultationRepository) summaries(ctx context.Context, q docstore.Query) ([]consultation.Summary, error) {
	docs, err := r.store.Query(ctx, q)
	if err != nil {
		return nil, wrap("listing consultations", err)
	}

	out := make([]consultation.Summary, 0, len(docs))
	for _, d := range docs {
		s := consultation.Summary{
			ID:      d.ID,
			Version: d.Version,
		}
		s.PatientID, _ = d.Data["patientId"].(string)
		if ts, ok := docstore.AsTimestamp(d.Data["date"]); ok {
			s.Date = ts.Time()
		}
		if ts, ok := docstore.AsTimestamp(d.Data["createdAt"]); ok {
			s.CreatedAt = ts.Time()
		}
		if b, ok := d.Data["isInitial"].(bool); ok {
			s.IsInitial = &b
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *ConsultationRepository) Patch(ctx context.Context, base *consultation.Loaded, fields map[string]any, ownerID string) ([]compliance.FieldError, error) {
	failures, err := patchDocument(ctx, r.store, r.codec, CollectionConsultations, base.Record.ID,
		compliance.RecordConsultation, base.Stored, base.Version, fields, ownerID, r.now())
	if isNotFound(err) {
		return failures, consultation.ErrConsultationNotFound
	}
	if err != nil {
		return failures, wrap("updating consultation", err)
	}
	return failures, nil
}

func (r *ConsultationRepository) SetInitialFlag(ctx context.Context, id string, initial bool) error {
	err := r.store.UpdateFields(ctx, CollectionConsultations, id, map[string]any{
		"isInitial": initial,
		"updatedAt": r.now().UTC(),
	}, docstore.AnyVersion)
	if isNotFound(err) {
		return consultation.ErrConsultationNotFound
	}
	if err != nil {
		return wrap("flagging consultation", err)
	}
	return nil
}
