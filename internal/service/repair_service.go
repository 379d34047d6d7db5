package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/compliance"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain/consultation"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain/patient"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/metrics"
)

type RepairReport struct {
	PractitionerID string `json:"practitionerId"`
	RecordsScanned int    `json:"recordsScanned"`
	Repaired       int    `json:"recordsRepaired"`
	// Unrecoverable lists "<collection>/<id>: <field>" for every value that
	// could not be decrypted and was left as is.
	Unrecoverable []string `json:"unrecoverable"`
	Errors        []string `json:"errors"`
}

// RepairService re-encrypts legacy and plaintext values of one
// practitioner's records in place.
type RepairService struct {
	patients      patient.Repository
	consultations consultation.Repository
	codec         *compliance.Codec
	auditSvc      *AuditService
	metrics       *metrics.Collector
	log           *zap.Logger
}

func NewRepairService(patients patient.Repository, consultations consultation.Repository, codec *compliance.Codec, auditSvc *AuditService, m *metrics.Collector, log *zap.Logger) *RepairService {
	return &RepairService{
		patients:      patients,
		consultations: consultations,
		codec:         codec,
		auditSvc:      auditSvc,
		metrics:       m,
		log:           log,
	}
}

func (s *RepairService) RepairPractitioner(ctx context.Context, practitionerID string) (*RepairReport, error) {
	patients, err := s.patients.ListByPractitioner(ctx, practitionerID)
	if err != nil {
		return nil, fmt.Errorf("listing patients of %s: %w", practitionerID, err)
	}
	consultations, err := s.consultations.ListByPractitioner(ctx, practitionerID)
	if err != nil {
		return nil, fmt.Errorf("listing consultations of %s: %w", practitionerID, err)
	}

	report := &RepairReport{PractitionerID: practitionerID, Unrecoverable: []string{}, Errors: []string{}}

	for _, p := range patients {
		report.RecordsScanned++
		res := s.codec.AttemptRepair(p.Stored, compliance.RecordPatient, practitionerID)
		s.collect(report, "patients", p.Record.ID, compliance.RecordPatient, res)
		if !res.Changed() {
			continue
		}
		_, err := s.patients.Patch(ctx, p, withoutMetadata(res.Patch), practitionerID)
		s.finish(ctx, report, "patients", p.Record.ID, res, err)
	}

	for _, summary := range consultations {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.RecordsScanned++
		c, err := s.consultations.Get(ctx, summary.ID, practitionerID)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("consultations/%s: %v", summary.ID, err))
			continue
		}
		res := s.codec.AttemptRepair(c.Stored, compliance.RecordConsultation, practitionerID)
		s.collect(report, "consultations", summary.ID, compliance.RecordConsultation, res)
		if !res.Changed() {
			continue
		}
		_, err = s.consultations.Patch(ctx, c, withoutMetadata(res.Patch), practitionerID)
		s.finish(ctx, report, "consultations", summary.ID, res, err)
	}

	s.log.Info("record repair finished",
		zap.String("practitioner_id", practitionerID),
		zap.Int("records_scanned", report.RecordsScanned),
		zap.Int("records_repaired", report.Repaired),
		zap.Int("unrecoverable", len(report.Unrecoverable)),
	)
	return report, nil
}

func (s *RepairService) collect(report *RepairReport, collection, id string, rt compliance.RecordType, res compliance.RepairResult) {
	for _, f := range res.Unrecoverable {
		report.Unrecoverable = append(report.Unrecoverable, fmt.Sprintf("%s/%s: %s", collection, id, f.Field))
		s.metrics.CodecFailuresTotal.WithLabelValues(string(rt), "repair").Inc()
	}
}

func (s *RepairService) finish(ctx context.Context, report *RepairReport, collection, id string, res compliance.RepairResult, err error) {
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("%s/%s: %v", collection, id, err))
		s.log.Warn("record repair failed",
			zap.String("collection", collection),
			zap.String("record_id", id),
			zap.Error(err),
		)
		return
	}
	report.Repaired++
	s.auditSvc.LogAsync(ctx, AuditEntry{
		Actor:        ActorFrom(ctx),
		Action:       domain.ActionRecordRepaired,
		ResourceType: collection,
		ResourceID:   id,
		Outcome:      "success",
		Changes:      map[string]any{"fieldsRepaired": res.Repaired},
	})
}

// withoutMetadata drops the metadata block; the repository rebuilds it on
// every patch.
func withoutMetadata(patch map[string]any) map[string]any {
	out := make(map[string]any, len(patch))
	for k, v := range patch {
		if k == compliance.MetadataKey {
			continue
		}
		out[k] = v
	}
	return out
}
