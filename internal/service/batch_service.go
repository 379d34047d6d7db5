package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain/patient"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/metrics"
)

type Mode string

const (
	ModeCopyNonEmpty Mode = Mode(DirectiveCopyNonEmpty)
	ModeForce        Mode = Mode(DirectiveForce)
)

func (m Mode) IsValid() bool {
	return Directive(m).IsValid()
}

func (m Mode) Directive() Directive {
	return Directive(m)
}

// RequestedMode resolves a mode supplied by a caller for a direct run. Empty
// means ModeCopyNonEmpty. ModeForce is refused: forced runs only go through
// RetroactiveService.Commit.
func RequestedMode(m Mode) (Mode, error) {
	switch {
	case m == "":
		return ModeCopyNonEmpty, nil
	case m == ModeForce:
		return "", &ValidationError{Fields: []string{
			fmt.Sprintf("mode %q requires the retroactive preview and commit", m),
		}}
	case !m.IsValid():
		return "", &ValidationError{Fields: []string{fmt.Sprintf("mode %q is not supported", m)}}
	}
	return m, nil
}

type UserLister interface {
	ListPractitioners(ctx context.Context) ([]domain.User, error)
}

type BatchOptions struct {
	// CreatedBefore restricts the run to patients created at or before it.
	// The zero value includes every patient.
	CreatedBefore time.Time
}

type BatchDetail struct {
	PatientID      string   `json:"patientId"`
	PatientName    string   `json:"patientName"`
	ConsultationID string   `json:"consultationId"`
	FieldsUpdated  []string `json:"fieldsUpdated"`
}

// BatchReport summarises a run over one practitioner's patients.
// PatientsProcessed counts every attempted patient, failed ones included.
type BatchReport struct {
	Success              bool          `json:"success"`
	Mode                 Mode          `json:"mode"`
	PractitionerID       string        `json:"practitionerId"`
	PatientsProcessed    int           `json:"patientsProcessed"`
	ConsultationsUpdated int           `json:"consultationsUpdated"`
	Details              []BatchDetail `json:"details"`
	Errors               []string      `json:"errors"`
	Duration             time.Duration `json:"duration"`
}

type BatchService struct {
	patients  patient.Repository
	users     UserLister
	reconcile *ReconcileService
	limiter   *rate.Limiter
	metrics   *metrics.Collector
	tracer    trace.Tracer
	log       *zap.Logger
}

// NewBatchService paces writes at writesPerSecond; zero or less disables
// pacing.
func NewBatchService(patients patient.Repository, users UserLister, reconcile *ReconcileService, writesPerSecond float64, m *metrics.Collector, log *zap.Logger) *BatchService {
	limit := rate.Inf
	if writesPerSecond > 0 {
		limit = rate.Limit(writesPerSecond)
	}
	return &BatchService{
		patients:  patients,
		users:     users,
		reconcile: reconcile,
		limiter:   rate.NewLimiter(limit, 1),
		metrics:   m,
		tracer:    otel.Tracer("osteosync/batch"),
		log:       log,
	}
}

// RunForPractitioner reconciles every patient of the practitioner, one at a
// time. A failing patient is reported and the run moves on; only failing
// to enumerate the patients aborts it.
func (s *BatchService) RunForPractitioner(ctx context.Context, practitionerID string, mode Mode, opts BatchOptions) (*BatchReport, error) {
	ctx, span := s.tracer.Start(ctx, "batch.RunForPractitioner", trace.WithAttributes(
		attribute.String("practitioner.id", practitionerID),
		attribute.String("mode", string(mode)),
	))
	defer span.End()

	start := time.Now()
	report := &BatchReport{
		Success:        true,
		Mode:           mode,
		PractitionerID: practitionerID,
		Details:        []BatchDetail{},
		Errors:         []string{},
	}
	defer func() {
		report.Duration = time.Since(start)
		s.metrics.BatchDuration.WithLabelValues(string(mode)).Observe(report.Duration.Seconds())
	}()

	if !mode.IsValid() {
		return nil, &ValidationError{Fields: []string{fmt.Sprintf("mode %q is not supported", mode)}}
	}

	s.log.Info("batch reconciliation started",
		zap.String("practitioner_id", practitionerID),
		zap.String("mode", string(mode)),
	)

	patients, err := s.patients.ListByPractitioner(ctx, practitionerID)
	if err != nil {
		err = fmt.Errorf("listing patients of %s: %w", practitionerID, err)
		return s.abort(span, report, err)
	}

	for _, loaded := range patients {
		if !opts.CreatedBefore.IsZero() && loaded.Record.CreatedAt.After(opts.CreatedBefore) {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return s.abort(span, report, fmt.Errorf("batch interrupted: %w", err))
		}

		report.PatientsProcessed++
		name := displayName(&loaded.Record)

		res, err := s.syncOne(ctx, loaded, practitionerID, mode)
		if err != nil {
			report.Errors = append(report.Errors, patientError(name, loaded.Record.ID, err.Error()))
			s.metrics.BatchPatients.WithLabelValues(string(mode), "failed").Inc()
			s.log.Warn("patient reconciliation failed",
				zap.String("patient_id", loaded.Record.ID),
				zap.Error(err),
			)
			continue
		}

		for _, fieldErr := range res.Errors {
			report.Errors = append(report.Errors, patientError(name, loaded.Record.ID, fieldErr))
		}

		if res.ConsultationID == "" || len(res.FieldsUpdated) == 0 {
			s.metrics.BatchPatients.WithLabelValues(string(mode), "unchanged").Inc()
			continue
		}
		report.ConsultationsUpdated++
		report.Details = append(report.Details, BatchDetail{
			PatientID:      loaded.Record.ID,
			PatientName:    name,
			ConsultationID: res.ConsultationID,
			FieldsUpdated:  res.FieldsUpdated,
		})
		s.metrics.BatchPatients.WithLabelValues(string(mode), "updated").Inc()
	}

	span.SetAttributes(
		attribute.Int("patients.processed", report.PatientsProcessed),
		attribute.Int("consultations.updated", report.ConsultationsUpdated),
	)
	s.log.Info("batch reconciliation finished",
		zap.String("practitioner_id", practitionerID),
		zap.Int("patients_processed", report.PatientsProcessed),
		zap.Int("consultations_updated", report.ConsultationsUpdated),
		zap.Int("errors", len(report.Errors)),
	)
	return report, nil
}

// RunForAllPractitioners runs RunForPractitioner for every practitioner. A
// practitioner whose run aborts keeps its failed report in the result.
func (s *BatchService) RunForAllPractitioners(ctx context.Context, mode Mode) (map[string]*BatchReport, error) {
	if !mode.IsValid() {
		return nil, &ValidationError{Fields: []string{fmt.Sprintf("mode %q is not supported", mode)}}
	}

	users, err := s.users.ListPractitioners(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing practitioners: %w", err)
	}

	reports := make(map[string]*BatchReport, len(users))
	for _, u := range users {
		report, err := s.RunForPractitioner(ctx, u.ID, mode, BatchOptions{})
		if err != nil {
			s.log.Error("batch reconciliation aborted",
				zap.String("practitioner_id", u.ID),
				zap.Error(err),
			)
		}
		reports[u.ID] = report
	}
	return reports, nil
}

// syncOne turns a panic inside one patient's reconciliation into an error
// so the batch can go on.
func (s *BatchService) syncOne(ctx context.Context, loaded *patient.Loaded, practitionerID string, mode Mode) (res *SyncResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unexpected failure: %v", r)
		}
	}()

	if err := checkPatientSource(loaded, practitionerID); err != nil {
		return nil, err
	}
	return s.reconcile.SyncPatientToCanonical(ctx, loaded.Record.ID, loaded.Record, practitionerID, mode.Directive())
}

func (s *BatchService) abort(span trace.Span, report *BatchReport, err error) (*BatchReport, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	report.Success = false
	report.Errors = append(report.Errors, err.Error())
	s.log.Error("batch reconciliation aborted",
		zap.String("practitioner_id", report.PractitionerID),
		zap.Error(err),
	)
	return report, err
}

func patientError(name, id, msg string) string {
	if name == "" {
		return fmt.Sprintf("Patient %s: %s", id, msg)
	}
	return fmt.Sprintf("Patient %s (%s): %s", name, id, msg)
}

// displayName returns the patient's name, or "" while it cannot be read.
func displayName(r *patient.Record) string {
	if undecrypted(r.FirstName) || undecrypted(r.LastName) {
		return ""
	}
	return r.FullName()
}
