package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/cache"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/config"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/repository"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/testutil"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/auth"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/docstore"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/metrics"
)

const practitioner = "osteo-1"

var (
	jan1 = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	feb1 = time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC)
	mar1 = time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)
)

type fixture struct {
	env           *testutil.Env
	log           *zap.Logger
	metrics       *metrics.Collector
	patients      *repository.PatientRepository
	consultations *repository.ConsultationRepository
	auditSvc      *AuditService
	reconcile     *ReconcileService
	batch         *BatchService
	integrity     *IntegrityService
	status        *MigrationStatusService
	statusCache   *cache.Memory[MigrationStatus]
	flags         *InitialFlagService
	retroactive   *RetroactiveService
	repair        *RepairService
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithStore(t, nil)
}

// newFixtureWithStore builds the services on wrap(env.Store) when wrap is
// given, so a test can intercept store calls.
func newFixtureWithStore(t *testing.T, wrap func(docstore.Store) docstore.Store) *fixture {
	t.Helper()

	env := testutil.NewEnv(t)
	var store docstore.Store = env.Store
	if wrap != nil {
		store = wrap(env.Store)
	}

	f := &fixture{
		env:           env,
		log:           testutil.Logger(t),
		metrics:       metrics.NewCollector("test", prometheus.NewRegistry()),
		patients:      repository.NewPatientRepository(store, env.Codec),
		consultations: repository.NewConsultationRepository(store, env.Codec),
		statusCache:   cache.NewMemory[MigrationStatus](time.Minute),
	}
	users := repository.NewUserRepository(store)

	f.auditSvc = NewAuditService(repository.NewAuditRepository(store), f.metrics, f.log)
	t.Cleanup(f.auditSvc.Shutdown)

	locator := NewCanonicalLocator(f.consultations)
	f.reconcile = NewReconcileService(locator, f.patients, f.consultations, repository.NewBackupRepository(store),
		f.auditSvc, f.metrics, RetryPolicy{MaxTries: 3, InitialInterval: time.Millisecond}, f.log)
	f.batch = NewBatchService(f.patients, users, f.reconcile, 0, f.metrics, f.log)
	f.integrity = NewIntegrityService(f.patients, f.consultations, locator, f.batch, f.metrics, f.log)
	f.status = NewMigrationStatusService(f.patients, f.consultations, f.statusCache, f.log)
	f.flags = NewInitialFlagService(f.patients, f.consultations, users, f.status, f.auditSvc, f.metrics, 5*time.Second, f.log)

	jwt := auth.NewJWTManager(config.JWTConfig{
		Secret:         "test-secret-that-is-long-enough-for-hs256",
		AccessTokenTTL: time.Minute,
		Issuer:         "osteosync-test",
	})
	f.retroactive = NewRetroactiveService(f.patients, f.reconcile, f.batch, jwt, time.Minute, f.log)
	f.repair = NewRepairService(f.patients, f.consultations, env.Codec, f.auditSvc, f.metrics, f.log)
	return f
}

// auditLogs flushes the audit worker and returns what it wrote.
func (f *fixture) auditLogs(t *testing.T) []docstore.Document {
	t.Helper()
	f.auditSvc.Shutdown()
	docs, err := f.env.Store.Query(context.Background(), docstore.Query{Collection: repository.CollectionAuditLogs})
	require.NoError(t, err)
	return docs
}

func (f *fixture) consultationField(t *testing.T, id, field string) any {
	t.Helper()
	return f.env.Plain(t, repository.CollectionConsultations, id, practitioner)[field]
}

func (f *fixture) patientField(t *testing.T, id, field string) any {
	t.Helper()
	return f.env.Plain(t, repository.CollectionPatients, id, practitioner)[field]
}

// conflictingStore fails the first consultation write with a version
// conflict after bumping the stored document, as a concurrent writer would.
type conflictingStore struct {
	docstore.Store

	mu        sync.Mutex
	conflicts int
	remaining int
}

func (s *conflictingStore) UpdateFields(ctx context.Context, collection, id string, fields map[string]any, expectedVersion int64) error {
	s.mu.Lock()
	inject := collection == repository.CollectionConsultations && expectedVersion != docstore.AnyVersion && s.remaining > 0
	if inject {
		s.remaining--
		s.conflicts++
	}
	s.mu.Unlock()

	if inject {
		if err := s.Store.UpdateFields(ctx, collection, id, map[string]any{"touchedBy": "other-device"}, docstore.AnyVersion); err != nil {
			return err
		}
	}
	return s.Store.UpdateFields(ctx, collection, id, fields, expectedVersion)
}
