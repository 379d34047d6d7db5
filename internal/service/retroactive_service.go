package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain/patient"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/auth"
)

type Approver interface {
	IssueApproval(subject, digest string, ttl time.Duration) (string, error)
	ValidateApproval(token string) (*auth.Approval, error)
}

// RetroactivePreview is the forced plan for a practitioner. Nothing has been
// written when it is returned; ApprovalToken commits exactly this plan.
type RetroactivePreview struct {
	PractitionerID  string    `json:"practitionerId"`
	PatientsScanned int       `json:"patientsScanned"`
	Changes         []*Plan   `json:"changes"`
	Errors          []string  `json:"errors"`
	Digest          string    `json:"digest"`
	ApprovalToken   string    `json:"approvalToken"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

// RetroactiveService gates the destructive retroactive run behind a
// preview and an explicit commit.
type RetroactiveService struct {
	patients  patient.Repository
	reconcile *ReconcileService
	batch     *BatchService
	approver  Approver
	ttl       time.Duration
	log       *zap.Logger
}

func NewRetroactiveService(patients patient.Repository, reconcile *ReconcileService, batch *BatchService, approver Approver, ttl time.Duration, log *zap.Logger) *RetroactiveService {
	return &RetroactiveService{
		patients:  patients,
		reconcile: reconcile,
		batch:     batch,
		approver:  approver,
		ttl:       ttl,
		log:       log,
	}
}

func (s *RetroactiveService) Preview(ctx context.Context, practitionerID string) (*RetroactivePreview, error) {
	preview, err := s.plan(ctx, practitionerID)
	if err != nil {
		return nil, err
	}

	token, err := s.approver.IssueApproval(practitionerID, preview.Digest, s.ttl)
	if err != nil {
		return nil, fmt.Errorf("issuing approval: %w", err)
	}
	preview.ApprovalToken = token
	preview.ExpiresAt = time.Now().Add(s.ttl).UTC()

	s.log.Info("retroactive plan previewed",
		zap.String("practitioner_id", practitionerID),
		zap.Int("changes", len(preview.Changes)),
		zap.String("digest", preview.Digest),
	)
	return preview, nil
}

// Commit runs the forced batch if token approves the plan as it stands now.
func (s *RetroactiveService) Commit(ctx context.Context, practitionerID, token string) (*BatchReport, error) {
	approval, err := s.approver.ValidateApproval(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrApprovalInvalid, err)
	}
	if approval.Subject != practitionerID {
		return nil, ErrForbidden
	}

	current, err := s.plan(ctx, practitionerID)
	if err != nil {
		return nil, err
	}
	if current.Digest != approval.Digest {
		s.log.Warn("retroactive plan changed before commit",
			zap.String("practitioner_id", practitionerID),
		)
		return nil, ErrPlanChanged
	}

	s.log.Info("retroactive run committed",
		zap.String("practitioner_id", practitionerID),
		zap.String("actor", ActorFrom(ctx).UserID),
	)
	return s.batch.RunForPractitioner(ctx, practitionerID, ModeForce, BatchOptions{})
}

func (s *RetroactiveService) plan(ctx context.Context, practitionerID string) (*RetroactivePreview, error) {
	patients, err := s.patients.ListByPractitioner(ctx, practitionerID)
	if err != nil {
		return nil, fmt.Errorf("listing patients of %s: %w", practitionerID, err)
	}

	preview := &RetroactivePreview{
		PractitionerID: practitionerID,
		Changes:        []*Plan{},
		Errors:         []string{},
	}
	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}

	for _, loaded := range patients {
		preview.PatientsScanned++
		id := loaded.Record.ID

		if err := checkPatientSource(loaded, practitionerID); err != nil {
			preview.Errors = append(preview.Errors, patientError(displayName(&loaded.Record), id, err.Error()))
			write("error", id, err.Error())
			continue
		}

		plan, err := s.reconcile.PlanPatientToCanonical(ctx, id, loaded.Record, practitionerID, DirectiveForce)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			preview.Errors = append(preview.Errors, patientError(displayName(&loaded.Record), id, err.Error()))
			write("error", id, err.Error())
			continue
		}
		if plan.Empty() {
			continue
		}

		values, err := json.Marshal(plan.updates)
		if err != nil {
			return nil, fmt.Errorf("hashing plan of %s: %w", id, err)
		}
		write("plan", id, plan.ConsultationID, strconv.FormatInt(plan.ConsultationVersion, 10), string(values))
		preview.Changes = append(preview.Changes, plan)
	}

	preview.Digest = hex.EncodeToString(h.Sum(nil))
	return preview, nil
}
