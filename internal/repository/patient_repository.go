package repository

import (
	"context"
	"time"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/compliance"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain/patient"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/docstore"
)

type PatientRepository struct {
	store docstore.Store
	codec *compliance.Codec
	now   func() time.Time
}

var _ patient.Repository = (*PatientRepository)(nil)

func NewPatientRepository(store docstore.Store, codec *compliance.Codec) *PatientRepository {
	return &PatientRepository{store: store, codec: codec, now: time.Now}
}

func (r *PatientRepository) Get(ctx context.Context, id, ownerID string) (*patient.Loaded, error) {
	doc, err := r.store.GetByID(ctx, CollectionPatients, id)
	if isNotFound(err) {
		return nil, patient.ErrPatientNotFound
	}
	if err != nil {
		return nil, wrap("loading patient", err)
	}
	return r.decode(doc, ownerID), nil
}

func (r *PatientRepository) ListByPractitioner(ctx context.Context, practitionerID string) ([]*patient.Loaded, error) {
	docs, err := r.store.Query(ctx, docstore.Query{
		Collection: CollectionPatients,
		Filters:    []docstore.Filter{docstore.Where("practitionerId", practitionerID)},
		OrderBy:    "createdAt",
	})
	if err != nil {
		return nil, wrap("listing patients", err)
	}

	out := make([]*patient.Loaded, 0, len(docs))
	for i := range docs {
		out = append(out, r.decode(&docs[i], practitionerID))
	}
	return out, nil
}

func (r *PatientRepository) ListSummaries(ctx context.Context, practitionerID string) ([]patient.Summary, error) {
	docs, err := r.store.Query(ctx, docstore.Query{
		Collection: CollectionPatients,
		Filters:    []docstore.Filter{docstore.Where("practitionerId", practitionerID)},
		OrderBy:    "createdAt",
	})
	if err != nil {
		return nil, wrap("listing patients", err)
	}

	out := make([]patient.Summary, 0, len(docs))
	for _, d := range docs {
		s := patient.Summary{ID: d.ID, PractitionerID: practitionerID}
		if ts, ok := docstore.AsTimestamp(d.Data["createdAt"]); ok {
			s.CreatedAt = ts.Time()
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *PatientRepository) Patch(ctx context.Context, base *patient.Loaded, fields map[string]any, ownerID string) ([]compliance.FieldError, error) {
	failures, err := patchDocument(ctx, r.store, r.codec, CollectionPatients, base.Record.ID,
		compliance.RecordPatient, base.Stored, base.Version, fields, ownerID, r.now())
	if isNotFound(err) {
		return failures, patient.ErrPatientNotFound
	}
	if err != nil {
		return failures, wrap("updating patient", err)
	}
	return failures, nil
}

func (r *PatientRepository) decode(doc *docstore.Document, ownerID string) *patient.Loaded {
	shown := r.codec.ToDisplayable(doc.Data, compliance.RecordPatient, ownerID)
	return &patient.Loaded{
		Record:   patient.FromDocument(doc.ID, shown.Fields),
		Version:  doc.Version,
		Stored:   doc.Data,
		Failures: shown.Failures,
	}
}
