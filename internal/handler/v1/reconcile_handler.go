package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/service"
)

type Reconciler interface {
	SyncPatientByID(ctx context.Context, patientID, practitionerID string, d service.Directive) (*service.SyncResult, error)
	SyncCanonicalToPatientByID(ctx context.Context, consultationID, practitionerID string) (*service.SyncResult, error)
}

type BatchRunner interface {
	RunForPractitioner(ctx context.Context, practitionerID string, mode service.Mode, opts service.BatchOptions) (*service.BatchReport, error)
	RunForAllPractitioners(ctx context.Context, mode service.Mode) (map[string]*service.BatchReport, error)
}

type RetroactiveRunner interface {
	Preview(ctx context.Context, practitionerID string) (*service.RetroactivePreview, error)
	Commit(ctx context.Context, practitionerID, token string) (*service.BatchReport, error)
}

type IntegrityChecker interface {
	CheckDivergence(ctx context.Context, practitionerID string) (*service.DivergenceReport, error)
	ApplyCorrections(ctx context.Context, practitionerID string) (*service.CorrectionReport, error)
}

type MigrationStatusChecker interface {
	Check(ctx context.Context, practitionerID string) (*service.MigrationStatus, error)
	Refresh(ctx context.Context, practitionerID string) (*service.MigrationStatus, error)
	CheckPatient(ctx context.Context, practitionerID, patientID string) (*service.PatientMigrationStatus, error)
}

type FlagAssigner interface {
	AssignForPractitioner(ctx context.Context, practitionerID string) (*service.FlagReport, error)
	AssignForAll(ctx context.Context) (map[string]*service.FlagReport, error)
}

type ReconcileHandler struct {
	reconcile   Reconciler
	batch       BatchRunner
	retroactive RetroactiveRunner
	integrity   IntegrityChecker
	status      MigrationStatusChecker
	flags       FlagAssigner
	log         *zap.Logger
}

func NewReconcileHandler(
	reconcile Reconciler,
	batch BatchRunner,
	retroactive RetroactiveRunner,
	integrity IntegrityChecker,
	status MigrationStatusChecker,
	flags FlagAssigner,
	log *zap.Logger,
) *ReconcileHandler {
	return &ReconcileHandler{
		reconcile:   reconcile,
		batch:       batch,
		retroactive: retroactive,
		integrity:   integrity,
		status:      status,
		flags:       flags,
		log:         log,
	}
}

type syncRequest struct {
	Mode service.Mode `json:"mode"`
}

type batchRequest struct {
	Mode          service.Mode `json:"mode"`
	CreatedBefore *time.Time   `json:"createdBefore"`
}

type commitRequest struct {
	ApprovalToken string `json:"approvalToken" binding:"required"`
}

// practitionerID is the caller's own id. Admins may act for another
// practitioner with ?practitionerId=.
func practitionerID(c *gin.Context) (string, bool) {
	claims := claimsFrom(c)
	if claims == nil {
		respondError(c, http.StatusUnauthorized, "missing or invalid token")
		return "", false
	}
	requested := c.Query("practitionerId")
	if requested == "" || requested == claims.UserID {
		return claims.UserID, true
	}
	if claims.Role != domain.RoleAdmin {
		respondError(c, http.StatusForbidden, "access denied")
		return "", false
	}
	return requested, true
}

func requestedMode(c *gin.Context, log *zap.Logger, m service.Mode) (service.Mode, bool) {
	mode, err := service.RequestedMode(m)
	if err != nil {
		respondServiceError(c, log, err)
		return "", false
	}
	return mode, true
}

// SyncPatient handles POST /patients/:id/sync.
func (h *ReconcileHandler) SyncPatient(c *gin.Context) {
	patientID, ok := pathID(c, "id")
	if !ok {
		return
	}
	pid, ok := practitionerID(c)
	if !ok {
		return
	}
	var req syncRequest
	if !bindJSON(c, &req) {
		return
	}
	mode, ok := requestedMode(c, h.log, req.Mode)
	if !ok {
		return
	}

	res, err := h.reconcile.SyncPatientByID(c.Request.Context(), patientID, pid, mode.Directive())
	if err != nil {
		respondServiceError(c, h.log, err)
		return
	}
	respondOK(c, res)
}

// SyncConsultationToPatient handles POST /consultations/:id/sync-to-patient.
func (h *ReconcileHandler) SyncConsultationToPatient(c *gin.Context) {
	consultationID, ok := pathID(c, "id")
	if !ok {
		return
	}
	pid, ok := practitionerID(c)
	if !ok {
		return
	}

	res, err := h.reconcile.SyncCanonicalToPatientByID(c.Request.Context(), consultationID, pid)
	if err != nil {
		respondServiceError(c, h.log, err)
		return
	}
	respondOK(c, res)
}

func (h *ReconcileHandler) RunBatch(c *gin.Context) {
	pid, ok := practitionerID(c)
	if !ok {
		return
	}
	var req batchRequest
	if !bindJSON(c, &req) {
		return
	}
	mode, ok := requestedMode(c, h.log, req.Mode)
	if !ok {
		return
	}

	var opts service.BatchOptions
	if req.CreatedBefore != nil {
		opts.CreatedBefore = *req.CreatedBefore
	}
	report, err := h.batch.RunForPractitioner(c.Request.Context(), pid, mode, opts)
	if err != nil {
		respondServiceError(c, h.log, err)
		return
	}
	respondOK(c, report)
}

func (h *ReconcileHandler) PreviewRetroactive(c *gin.Context) {
	pid, ok := practitionerID(c)
	if !ok {
		return
	}

	preview, err := h.retroactive.Preview(c.Request.Context(), pid)
	if err != nil {
		respondServiceError(c, h.log, err)
		return
	}
	respondOK(c, preview)
}

func (h *ReconcileHandler) CommitRetroactive(c *gin.Context) {
	pid, ok := practitionerID(c)
	if !ok {
		return
	}
	var req commitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	report, err := h.retroactive.Commit(c.Request.Context(), pid, req.ApprovalToken)
	if err != nil {
		respondServiceError(c, h.log, err)
		return
	}
	respondOK(c, report)
}

func (h *ReconcileHandler) CheckDivergences(c *gin.Context) {
	pid, ok := practitionerID(c)
	if !ok {
		return
	}

	report, err := h.integrity.CheckDivergence(c.Request.Context(), pid)
	if err != nil {
		respondServiceError(c, h.log, err)
		return
	}
	respondOK(c, report)
}

func (h *ReconcileHandler) ApplyCorrections(c *gin.Context) {
	pid, ok := practitionerID(c)
	if !ok {
		return
	}

	report, err := h.integrity.ApplyCorrections(c.Request.Context(), pid)
	if err != nil {
		respondServiceError(c, h.log, err)
		return
	}
	respondOK(c, report)
}

// MigrationStatus handles GET /migrations/status. ?patientId= narrows it to
// one patient and ?refresh=true bypasses the cache.
func (h *ReconcileHandler) MigrationStatus(c *gin.Context) {
	pid, ok := practitionerID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if patientID := c.Query("patientId"); patientID != "" {
		status, err := h.status.CheckPatient(ctx, pid, patientID)
		if err != nil {
			respondServiceError(c, h.log, err)
			return
		}
		respondOK(c, status)
		return
	}

	check := h.status.Check
	if c.Query("refresh") == "true" {
		check = h.status.Refresh
	}
	status, err := check(ctx, pid)
	if err != nil {
		respondServiceError(c, h.log, err)
		return
	}
	respondOK(c, status)
}

func (h *ReconcileHandler) AssignInitialFlags(c *gin.Context) {
	pid, ok := practitionerID(c)
	if !ok {
		return
	}

	report, err := h.flags.AssignForPractitioner(c.Request.Context(), pid)
	if err != nil {
		respondServiceError(c, h.log, err)
		return
	}
	respondOK(c, report)
}

// ReconcileAll handles POST /admin/reconcile.
func (h *ReconcileHandler) ReconcileAll(c *gin.Context) {
	var req syncRequest
	if !bindJSON(c, &req) {
		return
	}
	mode, ok := requestedMode(c, h.log, req.Mode)
	if !ok {
		return
	}

	reports, err := h.batch.RunForAllPractitioners(c.Request.Context(), mode)
	if err != nil {
		respondServiceError(c, h.log, err)
		return
	}
	respondOK(c, reports)
}

// AssignAllInitialFlags handles POST /admin/initial-flags.
func (h *ReconcileHandler) AssignAllInitialFlags(c *gin.Context) {
	reports, err := h.flags.AssignForAll(c.Request.Context())
	if err != nil {
		respondServiceError(c, h.log, err)
		return
	}
	respondOK(c, reports)
}
