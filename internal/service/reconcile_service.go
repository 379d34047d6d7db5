package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/compliance"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain/clinical"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain/consultation"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain/patient"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/docstore"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/fieldcipher"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/metrics"
)

// Directive selects how patient values are copied onto the canonical
// consultation.
type Directive string

const (
	// DirectiveCopyNonEmpty never lets an empty patient value overwrite the
	// consultation. It is what runs after every patient edit.
	DirectiveCopyNonEmpty Directive = "copy_non_empty"
	// DirectiveForce copies every tracked field, blanking the consultation
	// where the patient has nothing. Irreversible.
	DirectiveForce Directive = "mirror_exact"
)

func (d Directive) IsValid() bool {
	return d == DirectiveCopyNonEmpty || d == DirectiveForce
}

const (
	directionToConsultation = "patient_to_consultation"
	directionToPatient      = "consultation_to_patient"

	fieldIsInitial = "isInitial"
)

type SyncResult struct {
	ConsultationID string   `json:"consultationId,omitempty"`
	PatientID      string   `json:"patientId,omitempty"`
	FieldsUpdated  []string `json:"fieldsUpdated"`
	// Errors lists fields that could not be encrypted and were not written.
	Errors []string `json:"errors,omitempty"`
	// Skipped is set when the consultation given as source is not the
	// initial one.
	Skipped bool `json:"skipped,omitempty"`
}

// Plan is the set of consultation fields a patient→consultation sync would
// write.
type Plan struct {
	PatientID           string   `json:"patientId"`
	PatientName         string   `json:"patientName"`
	ConsultationID      string   `json:"consultationId,omitempty"`
	ConsultationVersion int64    `json:"-"`
	Fields              []string `json:"fields"`

	updates map[string]any
	target  *consultation.Loaded
}

func (p *Plan) Empty() bool {
	return len(p.Fields) == 0
}

type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
}

type ReconcileService struct {
	locator       *CanonicalLocator
	patients      patient.Repository
	consultations consultation.Repository
	backups       consultation.BackupRepository
	auditSvc      *AuditService
	metrics       *metrics.Collector
	retry         RetryPolicy
	tracer        trace.Tracer
	log           *zap.Logger
	now           func() time.Time
}

func NewReconcileService(
	locator *CanonicalLocator,
	patients patient.Repository,
	consultations consultation.Repository,
	backups consultation.BackupRepository,
	auditSvc *AuditService,
	m *metrics.Collector,
	retry RetryPolicy,
	log *zap.Logger,
) *ReconcileService {
	if retry.MaxTries == 0 {
		retry.MaxTries = 5
	}
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = 50 * time.Millisecond
	}
	return &ReconcileService{
		locator:       locator,
		patients:      patients,
		consultations: consultations,
		backups:       backups,
		auditSvc:      auditSvc,
		metrics:       m,
		retry:         retry,
		tracer:        otel.Tracer("osteosync/reconcile"),
		log:           log,
		now:           time.Now,
	}
}

// SyncPatientByID loads a patient and copies it onto its canonical
// consultation.
func (s *ReconcileService) SyncPatientByID(ctx context.Context, patientID, practitionerID string, d Directive) (*SyncResult, error) {
	loaded, err := s.patients.Get(ctx, patientID, practitionerID)
	if err != nil {
		return nil, err
	}
	if err := checkPatientSource(loaded, practitionerID); err != nil {
		return nil, err
	}
	return s.SyncPatientToCanonical(ctx, patientID, loaded.Record, practitionerID, d)
}

// SyncPatientToCanonical copies the decrypted patient p onto its canonical
// consultation. Callers reject records with codec failures first, as
// SyncPatientByID does. A patient without consultations yields an empty result.
// Conflicting concurrent writes to the consultation restart the cycle
// against fresh data.
func (s *ReconcileService) SyncPatientToCanonical(ctx context.Context, patientID string, p patient.Record, practitionerID string, d Directive) (*SyncResult, error) {
	ctx, span := s.tracer.Start(ctx, "reconcile.SyncPatientToCanonical", trace.WithAttributes(
		attribute.String("patient.id", patientID),
		attribute.String("practitioner.id", practitionerID),
		attribute.String("directive", string(d)),
	))
	defer span.End()

	if !d.IsValid() {
		return nil, &ValidationError{Fields: []string{fmt.Sprintf("directive %q is not supported", d)}}
	}
	if p.PractitionerID != "" && p.PractitionerID != practitionerID {
		s.fail(span, directionToConsultation, ErrOwnershipViolation)
		return nil, ErrOwnershipViolation
	}

	res, err := s.withRetry(ctx, func() (*SyncResult, error) {
		plan, err := s.planToCanonical(ctx, patientID, &p, practitionerID, d)
		if err != nil {
			return nil, err
		}
		return s.applyPlan(ctx, plan, practitionerID, d)
	})
	if err != nil {
		s.fail(span, directionToConsultation, err)
		s.log.Warn("patient sync failed",
			zap.String("patient_id", patientID),
			zap.String("practitioner_id", practitionerID),
			zap.Error(err),
		)
		return nil, err
	}

	span.SetAttributes(attribute.Int("fields.updated", len(res.FieldsUpdated)))
	s.record(directionToConsultation, res)
	return res, nil
}

// PlanPatientToCanonical computes what SyncPatientToCanonical would write
// without writing anything.
func (s *ReconcileService) PlanPatientToCanonical(ctx context.Context, patientID string, p patient.Record, practitionerID string, d Directive) (*Plan, error) {
	if p.PractitionerID != "" && p.PractitionerID != practitionerID {
		return nil, ErrOwnershipViolation
	}
	return s.planToCanonical(ctx, patientID, &p, practitionerID, d)
}

func (s *ReconcileService) planToCanonical(ctx context.Context, patientID string, p *patient.Record, practitionerID string, d Directive) (*Plan, error) {
	plan := &Plan{PatientID: patientID, PatientName: p.FullName()}

	id, flagged, err := s.locator.locate(ctx, patientID, practitionerID)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return plan, nil
	}

	c, err := s.consultations.Get(ctx, id, practitionerID)
	if err != nil {
		return nil, fmt.Errorf("loading canonical consultation: %w", err)
	}
	if c.Record.PractitionerID != practitionerID {
		return nil, ErrOwnershipViolation
	}

	plan.ConsultationID = id
	plan.ConsultationVersion = c.Version
	plan.target = c
	plan.updates = map[string]any{}

	failed := failedFields(c.Failures)
	include := func(field string, next, current domain.Value) {
		if !failed[field] && next.Equal(current) {
			return
		}
		plan.Fields = append(plan.Fields, field)
		plan.updates[field] = next.Any()
	}

	for _, src := range snapshotSources {
		next, ok := src.next(p, d)
		if !ok {
			continue
		}
		if errorTagged(next) {
			return nil, fmt.Errorf("%w: %s", ErrUndecryptableSource, src.field)
		}
		include(string(src.field), next, c.Record.SnapshotValue(src.field))
	}

	for _, f := range clinical.Tracked {
		v := p.Clinical.Get(f)
		var next domain.Value
		switch {
		case d == DirectiveForce:
			next = v.OrEmpty(f.IsList())
		case v.IsBlank():
			continue
		default:
			next = v
		}
		if errorTagged(next) {
			return nil, fmt.Errorf("%w: %s", ErrUndecryptableSource, f)
		}
		include(string(f), next, c.Record.Clinical.Get(f))
	}

	// A consultation found by date becomes the flagged one.
	if !flagged && !c.Record.Initial() {
		plan.Fields = append(plan.Fields, fieldIsInitial)
		plan.updates[fieldIsInitial] = true
	}

	return plan, nil
}

func (s *ReconcileService) applyPlan(ctx context.Context, plan *Plan, practitionerID string, d Directive) (*SyncResult, error) {
	res := &SyncResult{ConsultationID: plan.ConsultationID, PatientID: plan.PatientID, FieldsUpdated: []string{}}
	if plan.target == nil || plan.Empty() {
		return res, nil
	}

	failures, err := s.consultations.Patch(ctx, plan.target, plan.updates, practitionerID)
	if err != nil {
		return nil, err
	}
	s.backup(ctx, plan, practitionerID, d)

	res.FieldsUpdated, res.Errors = splitFailures(plan.Fields, failures)
	s.countCodecFailures(compliance.RecordConsultation, failures)

	action := domain.ActionSyncFromPatient
	if d == DirectiveForce {
		action = domain.ActionRetroactiveSync
	}
	s.auditSvc.LogAsync(ctx, AuditEntry{
		Actor:        ActorFrom(ctx),
		Action:       action,
		ResourceType: "consultations",
		ResourceID:   plan.ConsultationID,
		Outcome:      "success",
		Changes: map[string]any{
			"patientId":     plan.PatientID,
			"fieldsUpdated": res.FieldsUpdated,
			"source":        "patient_update",
			"mode":          string(d),
		},
	})

	s.log.Info("canonical consultation synchronised",
		zap.String("patient_id", plan.PatientID),
		zap.String("consultation_id", plan.ConsultationID),
		zap.Strings("fields", res.FieldsUpdated),
		zap.String("mode", string(d)),
	)
	return res, nil
}

// backup stores the values the write just replaced. It runs only once the
// version-guarded patch has succeeded, so a conflicted attempt leaves no
// backup and Previous is exactly the content of ConsultationVersion. A failed
// backup is logged and does not undo the sync.
func (s *ReconcileService) backup(ctx context.Context, plan *Plan, practitionerID string, d Directive) {
	previous := make(map[string]any, len(plan.Fields))
	for _, f := range plan.Fields {
		if v, ok := plan.target.Stored[f]; ok {
			previous[f] = v
		}
	}

	err := s.backups.Save(ctx, &consultation.Backup{
		ConsultationID:      plan.ConsultationID,
		ConsultationVersion: plan.ConsultationVersion,
		PatientID:           plan.PatientID,
		PractitionerID:      practitionerID,
		Mode:                string(d),
		Fields:              plan.Fields,
		Previous:            previous,
		CreatedAt:           s.now().UTC(),
	})
	if err != nil {
		s.log.Warn("consultation backup failed",
			zap.String("consultation_id", plan.ConsultationID),
			zap.Error(err),
		)
	}
}

// SyncCanonicalToPatientByID loads a consultation and, if it is the initial
// one, copies its clinical fields onto its patient.
func (s *ReconcileService) SyncCanonicalToPatientByID(ctx context.Context, consultationID, practitionerID string) (*SyncResult, error) {
	c, err := s.consultations.Get(ctx, consultationID, practitionerID)
	if err != nil {
		return nil, err
	}
	if c.Record.PractitionerID != practitionerID {
		return nil, ErrOwnershipViolation
	}
	failed := failedFields(c.Failures)
	for _, f := range clinical.Tracked {
		if failed[string(f)] {
			return nil, fmt.Errorf("%w: %s", ErrUndecryptableSource, f)
		}
	}
	return s.SyncCanonicalToPatient(ctx, consultationID, c.Record, c.Record.PatientID, practitionerID)
}

// SyncCanonicalToPatient copies every clinical field present on the
// initial consultation c onto the patient, empty strings included. It does
// nothing when c is not flagged initial, and refuses a consultation that
// belongs to another patient.
func (s *ReconcileService) SyncCanonicalToPatient(ctx context.Context, consultationID string, c consultation.Record, patientID, practitionerID string) (*SyncResult, error) {
	ctx, span := s.tracer.Start(ctx, "reconcile.SyncCanonicalToPatient", trace.WithAttributes(
		attribute.String("consultation.id", consultationID),
		attribute.String("patient.id", patientID),
		attribute.String("practitioner.id", practitionerID),
	))
	defer span.End()

	if c.PractitionerID != "" && c.PractitionerID != practitionerID {
		s.fail(span, directionToPatient, ErrOwnershipViolation)
		return nil, ErrOwnershipViolation
	}
	if c.PatientID != "" && c.PatientID != patientID {
		err := fmt.Errorf("%w: consultation %s belongs to patient %s", ErrOwnershipViolation, consultationID, c.PatientID)
		s.fail(span, directionToPatient, err)
		return nil, err
	}

	if !c.Initial() {
		res := &SyncResult{ConsultationID: consultationID, PatientID: patientID, FieldsUpdated: []string{}, Skipped: true}
		s.record(directionToPatient, res)
		return res, nil
	}

	for _, f := range clinical.Tracked {
		if errorTagged(c.Clinical.Get(f)) {
			err := fmt.Errorf("%w: %s", ErrUndecryptableSource, f)
			s.fail(span, directionToPatient, err)
			return nil, err
		}
	}

	res, err := s.withRetry(ctx, func() (*SyncResult, error) {
		return s.copyToPatient(ctx, consultationID, &c, patientID, practitionerID)
	})
	if err != nil {
		s.fail(span, directionToPatient, err)
		s.log.Warn("consultation sync failed",
			zap.String("consultation_id", consultationID),
			zap.String("patient_id", patientID),
			zap.Error(err),
		)
		return nil, err
	}

	span.SetAttributes(attribute.Int("fields.updated", len(res.FieldsUpdated)))
	s.record(directionToPatient, res)
	return res, nil
}

func (s *ReconcileService) copyToPatient(ctx context.Context, consultationID string, c *consultation.Record, patientID, practitionerID string) (*SyncResult, error) {
	res := &SyncResult{ConsultationID: consultationID, PatientID: patientID, FieldsUpdated: []string{}}

	p, err := s.patients.Get(ctx, patientID, practitionerID)
	if err != nil {
		return nil, err
	}
	if p.Record.PractitionerID != practitionerID {
		return nil, ErrOwnershipViolation
	}

	failed := failedFields(p.Failures)
	updates := map[string]any{}
	var fields []string
	for _, f := range clinical.Tracked {
		v := c.Clinical.Get(f)
		if !v.Present() {
			continue
		}
		if !failed[string(f)] && v.Equal(p.Record.Clinical.Get(f)) {
			continue
		}
		fields = append(fields, string(f))
		updates[string(f)] = v.Any()
	}
	if len(fields) == 0 {
		return res, nil
	}

	failures, err := s.patients.Patch(ctx, p, updates, practitionerID)
	if err != nil {
		return nil, err
	}
	res.FieldsUpdated, res.Errors = splitFailures(fields, failures)
	s.countCodecFailures(compliance.RecordPatient, failures)

	s.auditSvc.LogAsync(ctx, AuditEntry{
		Actor:        ActorFrom(ctx),
		Action:       domain.ActionSyncFromConsultation,
		ResourceType: "patients",
		ResourceID:   patientID,
		Outcome:      "success",
		Changes: map[string]any{
			"consultationId": consultationID,
			"fieldsUpdated":  res.FieldsUpdated,
		},
	})

	s.log.Info("patient synchronised from initial consultation",
		zap.String("patient_id", patientID),
		zap.String("consultation_id", consultationID),
		zap.Strings("fields", res.FieldsUpdated),
	)
	return res, nil
}

// withRetry reruns op while it fails with a version conflict.
func (s *ReconcileService) withRetry(ctx context.Context, op func() (*SyncResult, error)) (*SyncResult, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry.InitialInterval

	return backoff.Retry(ctx, func() (*SyncResult, error) {
		res, err := op()
		if err == nil {
			return res, nil
		}
		if errors.Is(err, docstore.ErrVersionConflict) {
			s.metrics.VersionConflictsTotal.Inc()
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.retry.MaxTries))
}

func (s *ReconcileService) record(direction string, res *SyncResult) {
	outcome := "unchanged"
	switch {
	case res.Skipped:
		outcome = "skipped"
	case len(res.FieldsUpdated) > 0:
		outcome = "updated"
	}
	s.metrics.SyncsTotal.WithLabelValues(direction, outcome).Inc()
	s.metrics.FieldsUpdatedTotal.WithLabelValues(direction).Add(float64(len(res.FieldsUpdated)))
}

func (s *ReconcileService) fail(span trace.Span, direction string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.metrics.SyncsTotal.WithLabelValues(direction, "failed").Inc()
}

func (s *ReconcileService) countCodecFailures(rt compliance.RecordType, failures []compliance.FieldError) {
	if len(failures) > 0 {
		s.metrics.CodecFailuresTotal.WithLabelValues(string(rt), "encrypt").Add(float64(len(failures)))
	}
}

type snapshotSource struct {
	field consultation.SnapshotField
	value func(p *patient.Record) domain.Value
	// composite values are only copied when non-blank outside force mode.
	composite bool
}

// next returns the value to write for the snapshot field and whether it
// should be written at all.
func (src snapshotSource) next(p *patient.Record, d Directive) (domain.Value, bool) {
	v := src.value(p)
	switch {
	case d == DirectiveForce:
		return v.OrEmpty(false), true
	case src.composite:
		return v, !v.IsBlank()
	default:
		return v, v.Present()
	}
}

var snapshotSources = []snapshotSource{
	{field: consultation.SnapshotFirstName, value: func(p *patient.Record) domain.Value { return p.FirstName }},
	{field: consultation.SnapshotLastName, value: func(p *patient.Record) domain.Value { return p.LastName }},
	{field: consultation.SnapshotDateOfBirth, value: func(p *patient.Record) domain.Value { return p.DateOfBirth }},
	{field: consultation.SnapshotGender, value: func(p *patient.Record) domain.Value { return p.Gender }},
	{field: consultation.SnapshotEmail, value: func(p *patient.Record) domain.Value { return p.Email }},
	{field: consultation.SnapshotPhone, value: func(p *patient.Record) domain.Value { return p.Phone }},
	{field: consultation.SnapshotProfession, value: func(p *patient.Record) domain.Value { return p.Profession }},
	{field: consultation.SnapshotAddress, composite: true, value: func(p *patient.Record) domain.Value {
		if p.Address == nil {
			return domain.Absent()
		}
		return domain.Text(p.Address.Line())
	}},
	{field: consultation.SnapshotInsurance, composite: true, value: func(p *patient.Record) domain.Value {
		if p.Insurance == nil {
			return domain.Absent()
		}
		return domain.Text(p.Insurance.Provider)
	}},
	{field: consultation.SnapshotInsuranceNumber, composite: true, value: func(p *patient.Record) domain.Value {
		return p.InsuranceNumber
	}},
}

// checkPatientSource rejects a loaded patient that cannot be used as the
// source of a sync.
func checkPatientSource(loaded *patient.Loaded, practitionerID string) error {
	if loaded.Record.PractitionerID != practitionerID {
		return ErrOwnershipViolation
	}
	if len(loaded.Failures) > 0 {
		names := make([]string, 0, len(loaded.Failures))
		for _, f := range loaded.Failures {
			names = append(names, f.Field)
		}
		sort.Strings(names)
		return fmt.Errorf("%w: %v", ErrUndecryptableSource, names)
	}
	return nil
}

// errorTagged reports whether a decoded value carries an error marker.
// Values that failed to decrypt are caught from the codec failures of the
// loaded record before a sync starts.
func errorTagged(v domain.Value) bool {
	return anyItem(v, compliance.IsErrorTagged)
}

// undecrypted reports whether a decoded value is still ciphertext-shaped or
// an error marker. It only serves display purposes.
func undecrypted(v domain.Value) bool {
	return anyItem(v, func(s string) bool {
		return compliance.IsErrorTagged(s) || fieldcipher.LooksEncrypted(s)
	})
}

func anyItem(v domain.Value, pred func(string) bool) bool {
	if v.IsList() {
		for _, item := range v.Items() {
			if pred(item) {
				return true
			}
		}
		return false
	}
	return pred(v.String())
}

func failedFields(failures []compliance.FieldError) map[string]bool {
	out := make(map[string]bool, len(failures))
	for _, f := range failures {
		out[f.Field] = true
	}
	return out
}

// splitFailures separates written fields from those the codec refused.
func splitFailures(fields []string, failures []compliance.FieldError) ([]string, []string) {
	failed := failedFields(failures)
	written := make([]string, 0, len(fields))
	for _, f := range fields {
		if !failed[f] {
			written = append(written, f)
		}
	}
	var errs []string
	for _, f := range failures {
		errs = append(errs, f.Error())
	}
	return written, errs
}
