package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain/consultation"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain/patient"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/metrics"
)

type FlagReport struct {
	PractitionerID       string   `json:"practitionerId"`
	PatientsProcessed    int      `json:"patientsProcessed"`
	ConsultationsUpdated int      `json:"consultationsUpdated"`
	MarkedInitial        int      `json:"markedInitial"`
	MarkedNonInitial     int      `json:"markedNonInitial"`
	Errors               []string `json:"errors"`
}

// InitialFlagService writes isInitial on consultations that predate the
// flag. It only reads unencrypted bookkeeping fields.
type InitialFlagService struct {
	patients      patient.Repository
	consultations consultation.Repository
	users         UserLister
	status        *MigrationStatusService
	auditSvc      *AuditService
	metrics       *metrics.Collector
	tolerance     time.Duration
	log           *zap.Logger
}

func NewInitialFlagService(
	patients patient.Repository,
	consultations consultation.Repository,
	users UserLister,
	status *MigrationStatusService,
	auditSvc *AuditService,
	m *metrics.Collector,
	tolerance time.Duration,
	log *zap.Logger,
) *InitialFlagService {
	return &InitialFlagService{
		patients:      patients,
		consultations: consultations,
		users:         users,
		status:        status,
		auditSvc:      auditSvc,
		metrics:       m,
		tolerance:     tolerance,
		log:           log,
	}
}

func (s *InitialFlagService) AssignForPractitioner(ctx context.Context, practitionerID string) (*FlagReport, error) {
	patients, err := s.patients.ListSummaries(ctx, practitionerID)
	if err != nil {
		return nil, fmt.Errorf("listing patients of %s: %w", practitionerID, err)
	}
	consultations, err := s.consultations.ListByPractitioner(ctx, practitionerID)
	if err != nil {
		return nil, fmt.Errorf("listing consultations of %s: %w", practitionerID, err)
	}
	defer s.status.Invalidate(ctx, practitionerID)

	byPatient := make(map[string][]consultation.Summary)
	for _, c := range consultations {
		byPatient[c.PatientID] = append(byPatient[c.PatientID], c)
	}

	report := &FlagReport{PractitionerID: practitionerID, Errors: []string{}}
	for _, p := range patients {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		siblings := byPatient[p.ID]
		if len(siblings) == 0 {
			continue
		}
		report.PatientsProcessed++

		initialID, _ := SelectInitial(p.CreatedAt, siblings, s.tolerance)
		if err := s.assign(ctx, p.ID, initialID, siblings, report); err != nil {
			report.Errors = append(report.Errors, patientError("", p.ID, err.Error()))
			s.log.Warn("initial flag assignment failed",
				zap.String("patient_id", p.ID),
				zap.Error(err),
			)
		}
	}

	s.log.Info("initial flags assigned",
		zap.String("practitioner_id", practitionerID),
		zap.Int("patients_processed", report.PatientsProcessed),
		zap.Int("consultations_updated", report.ConsultationsUpdated),
		zap.Int("errors", len(report.Errors)),
	)
	return report, nil
}

// assign clears the other siblings before setting the chosen one, so an
// interrupted run never leaves two consultations flagged initial.
func (s *InitialFlagService) assign(ctx context.Context, patientID, initialID string, siblings []consultation.Summary, report *FlagReport) error {
	var cleared []string
	for _, c := range siblings {
		if c.ID == initialID || (c.IsInitial != nil && !*c.IsInitial) {
			continue
		}
		if err := s.consultations.SetInitialFlag(ctx, c.ID, false); err != nil {
			return err
		}
		cleared = append(cleared, c.ID)
		report.MarkedNonInitial++
		report.ConsultationsUpdated++
		s.metrics.InitialFlagWrites.WithLabelValues("false").Inc()
	}

	marked := false
	for _, c := range siblings {
		if c.ID != initialID || (c.IsInitial != nil && *c.IsInitial) {
			continue
		}
		if err := s.consultations.SetInitialFlag(ctx, c.ID, true); err != nil {
			return err
		}
		marked = true
		report.MarkedInitial++
		report.ConsultationsUpdated++
		s.metrics.InitialFlagWrites.WithLabelValues("true").Inc()
	}

	if !marked && len(cleared) == 0 {
		return nil
	}
	s.auditSvc.LogAsync(ctx, AuditEntry{
		Actor:        ActorFrom(ctx),
		Action:       domain.ActionInitialFlagAssigned,
		ResourceType: "patients",
		ResourceID:   patientID,
		Outcome:      "success",
		Changes: map[string]any{
			"initialConsultationId": initialID,
			"markedNonInitial":      cleared,
		},
	})
	return nil
}

// AssignForAll runs AssignForPractitioner for every practitioner. A
// practitioner whose run aborts is logged; its partial report is kept when
// there is one.
func (s *InitialFlagService) AssignForAll(ctx context.Context) (map[string]*FlagReport, error) {
	users, err := s.users.ListPractitioners(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing practitioners: %w", err)
	}

	reports := make(map[string]*FlagReport, len(users))
	for _, u := range users {
		report, err := s.AssignForPractitioner(ctx, u.ID)
		if err != nil {
			s.log.Error("initial flag assignment aborted",
				zap.String("practitioner_id", u.ID),
				zap.Error(err),
			)
			if report == nil {
				continue
			}
		}
		reports[u.ID] = report
	}
	return reports, nil
}
