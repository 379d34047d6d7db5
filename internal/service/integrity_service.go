package service

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain/clinical"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain/consultation"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain/patient"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/metrics"
)

type DivergenceKind string

const (
	KindMissingConsultation DivergenceKind = "missing_consultation"
	KindFieldMismatch       DivergenceKind = "field_mismatch"
)

type FieldDivergence struct {
	Field             string       `json:"field"`
	PatientValue      domain.Value `json:"patientValue"`
	ConsultationValue domain.Value `json:"consultationValue"`
}

type Divergence struct {
	PatientID      string            `json:"patientId"`
	PatientName    string            `json:"patientName"`
	ConsultationID string            `json:"consultationId,omitempty"`
	Kind           DivergenceKind    `json:"kind"`
	Fields         []FieldDivergence `json:"fields,omitempty"`
}

type DivergenceReport struct {
	PractitionerID    string       `json:"practitionerId"`
	PatientsChecked   int          `json:"patientsChecked"`
	DivergentPatients int          `json:"divergentPatients"`
	Divergences       []Divergence `json:"divergences"`
	Errors            []string     `json:"errors"`
}

type CorrectionReport struct {
	Batch *BatchReport      `json:"batch"`
	After *DivergenceReport `json:"after"`
}

// IntegrityService compares patients with their canonical consultation. It
// never writes, except through ApplyCorrections.
type IntegrityService struct {
	patients      patient.Repository
	consultations consultation.Repository
	locator       *CanonicalLocator
	batch         *BatchService
	metrics       *metrics.Collector
	tracer        trace.Tracer
	log           *zap.Logger
}

func NewIntegrityService(patients patient.Repository, consultations consultation.Repository, locator *CanonicalLocator, batch *BatchService, m *metrics.Collector, log *zap.Logger) *IntegrityService {
	return &IntegrityService{
		patients:      patients,
		consultations: consultations,
		locator:       locator,
		batch:         batch,
		metrics:       m,
		tracer:        otel.Tracer("osteosync/integrity"),
		log:           log,
	}
}

func (s *IntegrityService) CheckDivergence(ctx context.Context, practitionerID string) (*DivergenceReport, error) {
	ctx, span := s.tracer.Start(ctx, "integrity.CheckDivergence", trace.WithAttributes(
		attribute.String("practitioner.id", practitionerID),
	))
	defer span.End()

	patients, err := s.patients.ListByPractitioner(ctx, practitionerID)
	if err != nil {
		return nil, fmt.Errorf("listing patients of %s: %w", practitionerID, err)
	}

	report := &DivergenceReport{
		PractitionerID: practitionerID,
		Divergences:    []Divergence{},
		Errors:         []string{},
	}

	for _, p := range patients {
		report.PatientsChecked++
		name := displayName(&p.Record)

		div, err := s.checkPatient(ctx, p, practitionerID)
		if err != nil {
			report.Errors = append(report.Errors, patientError(name, p.Record.ID, err.Error()))
			continue
		}
		if div == nil {
			continue
		}
		div.PatientName = name
		report.Divergences = append(report.Divergences, *div)
	}
	report.DivergentPatients = len(report.Divergences)

	s.metrics.DivergencesTotal.Add(float64(report.DivergentPatients))
	span.SetAttributes(attribute.Int("patients.divergent", report.DivergentPatients))
	s.log.Info("divergence check finished",
		zap.String("practitioner_id", practitionerID),
		zap.Int("patients_checked", report.PatientsChecked),
		zap.Int("divergent_patients", report.DivergentPatients),
	)
	return report, nil
}

func (s *IntegrityService) checkPatient(ctx context.Context, p *patient.Loaded, practitionerID string) (*Divergence, error) {
	if err := checkPatientSource(p, practitionerID); err != nil {
		return nil, err
	}

	id, err := s.locator.FindCanonical(ctx, p.Record.ID, practitionerID)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return &Divergence{PatientID: p.Record.ID, Kind: KindMissingConsultation}, nil
	}

	c, err := s.consultations.Get(ctx, id, practitionerID)
	if err != nil {
		return nil, err
	}
	failed := failedFields(c.Failures)

	var fields []FieldDivergence
	for _, f := range clinical.Tracked {
		if failed[string(f)] {
			return nil, fmt.Errorf("%w: consultation %s field %s", ErrUndecryptableSource, id, f)
		}
		pv := p.Record.Clinical.Get(f)
		cv := c.Record.Clinical.Get(f)
		if normalize(pv, f).Equal(normalize(cv, f)) {
			continue
		}
		fields = append(fields, FieldDivergence{Field: string(f), PatientValue: pv, ConsultationValue: cv})
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return &Divergence{PatientID: p.Record.ID, ConsultationID: id, Kind: KindFieldMismatch, Fields: fields}, nil
}

// ApplyCorrections runs the non-destructive batch and checks again.
func (s *IntegrityService) ApplyCorrections(ctx context.Context, practitionerID string) (*CorrectionReport, error) {
	batch, err := s.batch.RunForPractitioner(ctx, practitionerID, ModeCopyNonEmpty, BatchOptions{})
	if err != nil {
		return &CorrectionReport{Batch: batch}, err
	}
	after, err := s.CheckDivergence(ctx, practitionerID)
	if err != nil {
		return &CorrectionReport{Batch: batch}, err
	}
	return &CorrectionReport{Batch: batch, After: after}, nil
}

// normalize maps an absent value, and blank text on a list field, to the
// empty value of the field's kind. Everything else compares verbatim.
func normalize(v domain.Value, f clinical.Field) domain.Value {
	if f.IsList() && !v.IsList() && v.String() == "" {
		return domain.List()
	}
	return v.OrEmpty(f.IsList())
}
