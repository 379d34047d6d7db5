package v1

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/config"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain/patient"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/service"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/auth"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/metrics"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeServices struct {
	syncErr      error
	commitErr    error
	lastPID      string
	lastMode     service.Mode
	lastActor    service.Actor
	allRuns      int
	lastBefore   time.Time
	refreshCalls int
}

func (f *fakeServices) SyncPatientByID(ctx context.Context, patientID, practitionerID string, d service.Directive) (*service.SyncResult, error) {
	f.lastPID = practitionerID
	f.lastMode = service.Mode(d)
	f.lastActor = service.ActorFrom(ctx)
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	return &service.SyncResult{ConsultationID: "c-1", FieldsUpdated: []string{"notes"}}, nil
}

func (f *fakeServices) SyncCanonicalToPatientByID(_ context.Context, consultationID, practitionerID string) (*service.SyncResult, error) {
	f.lastPID = practitionerID
	return &service.SyncResult{ConsultationID: consultationID, PatientID: "p-1", FieldsUpdated: []string{}}, nil
}

func (f *fakeServices) RunForPractitioner(_ context.Context, practitionerID string, mode service.Mode, opts service.BatchOptions) (*service.BatchReport, error) {
	f.lastPID = practitionerID
	f.lastMode = mode
	f.lastBefore = opts.CreatedBefore
	if !mode.IsValid() {
		return nil, &service.ValidationError{Fields: []string{"mode"}}
	}
	return &service.BatchReport{Success: true, Mode: mode, PractitionerID: practitionerID}, nil
}

func (f *fakeServices) RunForAllPractitioners(_ context.Context, mode service.Mode) (map[string]*service.BatchReport, error) {
	f.allRuns++
	return map[string]*service.BatchReport{"osteo-1": {Success: true, Mode: mode}}, nil
}

func (f *fakeServices) Preview(_ context.Context, practitionerID string) (*service.RetroactivePreview, error) {
	f.lastPID = practitionerID
	return &service.RetroactivePreview{PractitionerID: practitionerID, ApprovalToken: "tok", Changes: []*service.Plan{}}, nil
}

func (f *fakeServices) Commit(_ context.Context, practitionerID, token string) (*service.BatchReport, error) {
	f.lastPID = practitionerID
	if f.commitErr != nil {
		return nil, f.commitErr
	}
	return &service.BatchReport{Success: true, Mode: service.ModeForce}, nil
}

func (f *fakeServices) CheckDivergence(_ context.Context, practitionerID string) (*service.DivergenceReport, error) {
	return &service.DivergenceReport{PractitionerID: practitionerID, Divergences: []service.Divergence{}}, nil
}

func (f *fakeServices) ApplyCorrections(_ context.Context, practitionerID string) (*service.CorrectionReport, error) {
	return &service.CorrectionReport{}, nil
}

func (f *fakeServices) Check(_ context.Context, practitionerID string) (*service.MigrationStatus, error) {
	return &service.MigrationStatus{NeedsMigration: true}, nil
}

func (f *fakeServices) Refresh(_ context.Context, practitionerID string) (*service.MigrationStatus, error) {
	f.refreshCalls++
	return &service.MigrationStatus{}, nil
}

func (f *fakeServices) CheckPatient(_ context.Context, practitionerID, patientID string) (*service.PatientMigrationStatus, error) {
	return &service.PatientMigrationStatus{PatientID: patientID}, nil
}

func (f *fakeServices) AssignForPractitioner(_ context.Context, practitionerID string) (*service.FlagReport, error) {
	return &service.FlagReport{PractitionerID: practitionerID}, nil
}

func (f *fakeServices) AssignForAll(context.Context) (map[string]*service.FlagReport, error) {
	return map[string]*service.FlagReport{}, nil
}

type testServer struct {
	router *gin.Engine
	fake   *fakeServices
	jwt    *auth.JWTManager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	fake := &fakeServices{}
	jwt := auth.NewJWTManager(config.JWTConfig{
		Secret:         "handler-test-secret-long-enough-for-hs256",
		AccessTokenTTL: time.Minute,
		Issuer:         "osteosync-test",
	})
	reg := prometheus.NewRegistry()
	log := zaptest.NewLogger(t)

	router := NewRouter(RouterConfig{
		Handler:  NewReconcileHandler(fake, fake, fake, fake, fake, fake, log),
		Tokens:   jwt,
		Metrics:  metrics.NewCollector("test", reg),
		Gatherer: reg,
		Logger:   log,
	})
	return &testServer{router: router, fake: fake, jwt: jwt}
}

func (s *testServer) token(t *testing.T, userID string, role domain.Role) string {
	t.Helper()
	tok, _, err := s.jwt.GenerateAccessToken(&domain.Claims{UserID: userID, Email: userID + "@cabinet.test", Role: role})
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestRoutesRequireBearerToken(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/patients/p-1/sync", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/patients/p-1/sync", "garbage", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSyncPatientUsesCallerAsPractitionerAndActor(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "osteo-1", domain.RolePractitioner)

	rec := s.do(t, http.MethodPost, "/api/v1/patients/p-1/sync", tok, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "osteo-1", s.fake.lastPID)
	assert.Equal(t, service.ModeCopyNonEmpty, s.fake.lastMode)
	assert.Equal(t, "osteo-1", s.fake.lastActor.UserID)
	assert.NotEmpty(t, s.fake.lastActor.RequestID)
	assert.Equal(t, rec.Header().Get(headerRequestID), s.fake.lastActor.RequestID)

	var body APIResponse[service.SyncResult]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"notes"}, body.Data.FieldsUpdated)

}

func TestForcedModeIsOnlyReachableThroughCommit(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "osteo-1", domain.RolePractitioner)
	admin := s.token(t, "admin-1", domain.RoleAdmin)

	for _, path := range []string{"/api/v1/patients/p-1/sync", "/api/v1/reconcile/batch"} {
		s.fake.lastMode = ""
		rec := s.do(t, http.MethodPost, path, tok, `{"mode":"mirror_exact"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.Empty(t, s.fake.lastMode, path)
	}

	rec := s.do(t, http.MethodPost, "/api/v1/admin/reconcile", admin, `{"mode":"mirror_exact"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, s.fake.allRuns)

	rec = s.do(t, http.MethodPost, "/api/v1/reconcile/batch", tok, `{"mode":"force"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/reconcile/retroactive/commit", tok, `{"approvalToken":"tok"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var body APIResponse[service.BatchReport]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, service.ModeForce, body.Data.Mode)
	assert.Equal(t, "osteo-1", s.fake.lastPID)
}

func TestPractitionerCannotActForAnother(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/reconcile/batch?practitionerId=osteo-2",
		s.token(t, "osteo-1", domain.RolePractitioner), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/reconcile/batch?practitionerId=osteo-2",
		s.token(t, "admin-1", domain.RoleAdmin), `{"createdBefore":"2024-01-01T00:00:00Z"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "osteo-2", s.fake.lastPID)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), s.fake.lastBefore.UTC())
}

func TestServiceErrorsMapToStatusCodes(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{patient.ErrPatientNotFound, http.StatusNotFound},
		{service.ErrOwnershipViolation, http.StatusForbidden},
		{fmt.Errorf("wrapped: %w", service.ErrUndecryptableSource), http.StatusUnprocessableEntity},
		{&service.ValidationError{Fields: []string{"mode"}}, http.StatusBadRequest},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			s := newTestServer(t)
			s.fake.syncErr = tt.err
			rec := s.do(t, http.MethodPost, "/api/v1/patients/p-1/sync", s.token(t, "osteo-1", domain.RolePractitioner), "")
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestCommitRetroactive(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "osteo-1", domain.RolePractitioner)

	rec := s.do(t, http.MethodPost, "/api/v1/reconcile/retroactive/commit", tok, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s.fake.commitErr = service.ErrPlanChanged
	rec = s.do(t, http.MethodPost, "/api/v1/reconcile/retroactive/commit", tok, `{"approvalToken":"tok"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	s.fake.commitErr = fmt.Errorf("%w: expired", service.ErrApprovalInvalid)
	rec = s.do(t, http.MethodPost, "/api/v1/reconcile/retroactive/commit", tok, `{"approvalToken":"tok"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	s.fake.commitErr = nil
	rec = s.do(t, http.MethodPost, "/api/v1/reconcile/retroactive/commit", tok, `{"approvalToken":"tok"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/admin/reconcile", s.token(t, "osteo-1", domain.RolePractitioner), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 0, s.fake.allRuns)

	rec = s.do(t, http.MethodPost, "/api/v1/admin/reconcile", s.token(t, "admin-1", domain.RoleAdmin), `{"mode":"copy_non_empty"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, s.fake.allRuns)
}

func TestMigrationStatusRefresh(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "osteo-1", domain.RolePractitioner)

	rec := s.do(t, http.MethodGet, "/api/v1/migrations/status", tok, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"needsMigration":true`)

	rec = s.do(t, http.MethodGet, "/api/v1/migrations/status?refresh=true", tok, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, s.fake.refreshCalls)

	rec = s.do(t, http.MethodGet, "/api/v1/migrations/status?patientId=p-9", tok, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"patientId":"p-9"`)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_http_requests_total")
}
