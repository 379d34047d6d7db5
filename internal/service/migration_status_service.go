package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/cache"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain/consultation"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain/patient"
)

// MigrationStatus tells whether consultations of a practitioner still lack
// the isInitial flag.
type MigrationStatus struct {
	NeedsMigration           bool      `json:"needsMigration"`
	TotalPatients            int       `json:"totalPatients"`
	TotalConsultations       int       `json:"totalConsultations"`
	ConsultationsWithoutFlag int       `json:"consultationsWithoutFlag"`
	ConsultationsWithFlag    int       `json:"consultationsWithFlag"`
	AffectedPatients         []string  `json:"affectedPatients"`
	CheckedAt                time.Time `json:"checkedAt"`
}

type PatientMigrationStatus struct {
	PatientID                string `json:"patientId"`
	NeedsMigration           bool   `json:"needsMigration"`
	TotalConsultations       int    `json:"totalConsultations"`
	ConsultationsWithoutFlag int    `json:"consultationsWithoutFlag"`
	HasInitial               bool   `json:"hasInitial"`
}

type StatusCache = cache.Cache[MigrationStatus]

type MigrationStatusService struct {
	patients      patient.Repository
	consultations consultation.Repository
	cache         StatusCache
	log           *zap.Logger
	now           func() time.Time
}

func NewMigrationStatusService(patients patient.Repository, consultations consultation.Repository, c StatusCache, log *zap.Logger) *MigrationStatusService {
	return &MigrationStatusService{
		patients:      patients,
		consultations: consultations,
		cache:         c,
		log:           log,
		now:           time.Now,
	}
}

// Check returns the cached status when there is one. Cache failures only
// cost a recomputation.
func (s *MigrationStatusService) Check(ctx context.Context, practitionerID string) (*MigrationStatus, error) {
	status, ok, err := s.cache.Get(ctx, practitionerID)
	if err != nil {
		s.log.Warn("migration status cache read failed",
			zap.String("practitioner_id", practitionerID),
			zap.Error(err),
		)
	}
	if ok {
		return &status, nil
	}
	return s.Refresh(ctx, practitionerID)
}

// Refresh recomputes the status and stores it in the cache.
func (s *MigrationStatusService) Refresh(ctx context.Context, practitionerID string) (*MigrationStatus, error) {
	patients, err := s.patients.ListSummaries(ctx, practitionerID)
	if err != nil {
		return nil, fmt.Errorf("listing patients of %s: %w", practitionerID, err)
	}
	consultations, err := s.consultations.ListByPractitioner(ctx, practitionerID)
	if err != nil {
		return nil, fmt.Errorf("listing consultations of %s: %w", practitionerID, err)
	}

	status := MigrationStatus{
		TotalPatients:      len(patients),
		TotalConsultations: len(consultations),
		AffectedPatients:   []string{},
		CheckedAt:          s.now().UTC(),
	}
	affected := make(map[string]bool)
	for _, c := range consultations {
		if c.IsInitial != nil {
			status.ConsultationsWithFlag++
			continue
		}
		status.ConsultationsWithoutFlag++
		if c.PatientID != "" {
			affected[c.PatientID] = true
		}
	}
	for id := range affected {
		status.AffectedPatients = append(status.AffectedPatients, id)
	}
	sort.Strings(status.AffectedPatients)
	status.NeedsMigration = status.ConsultationsWithoutFlag > 0

	if err := s.cache.Set(ctx, practitionerID, status); err != nil {
		s.log.Warn("migration status cache write failed",
			zap.String("practitioner_id", practitionerID),
			zap.Error(err),
		)
	}
	return &status, nil
}

func (s *MigrationStatusService) Invalidate(ctx context.Context, practitionerID string) {
	if err := s.cache.Delete(ctx, practitionerID); err != nil {
		s.log.Warn("migration status cache invalidation failed",
			zap.String("practitioner_id", practitionerID),
			zap.Error(err),
		)
	}
}

// CheckPatient is never cached.
func (s *MigrationStatusService) CheckPatient(ctx context.Context, practitionerID, patientID string) (*PatientMigrationStatus, error) {
	siblings, err := s.consultations.ListByPatient(ctx, patientID, practitionerID)
	if err != nil {
		return nil, fmt.Errorf("listing consultations of patient %s: %w", patientID, err)
	}

	status := &PatientMigrationStatus{PatientID: patientID, TotalConsultations: len(siblings)}
	for _, c := range siblings {
		if c.IsInitial == nil {
			status.ConsultationsWithoutFlag++
			continue
		}
		if *c.IsInitial {
			status.HasInitial = true
		}
	}
	status.NeedsMigration = status.ConsultationsWithoutFlag > 0
	return status, nil
}
