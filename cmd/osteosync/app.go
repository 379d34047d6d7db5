package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/cache"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/compliance"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/config"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/repository"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/service"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/auth"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/database"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/docstore"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/fieldcipher"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/logger"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/metrics"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/tracer"
)

// app holds everything a command needs. close releases it in reverse
// order of construction.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	metrics  *metrics.Collector
	registry *prometheus.Registry
	jwt      *auth.JWTManager

	reconcile   *service.ReconcileService
	batch       *service.BatchService
	retroactive *service.RetroactiveService
	integrity   *service.IntegrityService
	status      *service.MigrationStatusService
	flags       *service.InitialFlagService
	repair      *service.RepairService

	closers []func(context.Context) error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	a := &app{
		cfg:      cfg,
		log:      log,
		registry: prometheus.NewRegistry(),
		jwt:      auth.NewJWTManager(cfg.JWT),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewCollector(cfg.App.Name, a.registry)
	a.closers = append(a.closers, func(context.Context) error {
		// Sync fails on terminals; there is nothing left to do about it here.
		_ = log.Sync()
		return nil
	})

	if err := a.wire(ctx); err != nil {
		_ = a.close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	tp, err := tracer.Init(ctx, a.cfg.Tracing, a.cfg.App.Version)
	if err != nil {
		return fmt.Errorf("initialising tracing: %w", err)
	}
	a.closers = append(a.closers, func(ctx context.Context) error { return shutdownTracer(ctx, tp) })

	store, err := a.openStore()
	if err != nil {
		return err
	}

	keys, err := a.keySource(ctx)
	if err != nil {
		return err
	}
	masterKey, err := keys.MasterKey(ctx)
	if err != nil {
		return fmt.Errorf("loading master key: %w", err)
	}
	cipher, err := fieldcipher.New(masterKey)
	if err != nil {
		return fmt.Errorf("creating field cipher: %w", err)
	}
	codec := compliance.NewCodec(cipher, a.cfg.Crypto.ComplianceVersion)

	statusCache, err := a.statusCache(ctx)
	if err != nil {
		return err
	}

	patients := repository.NewPatientRepository(store, codec)
	consultations := repository.NewConsultationRepository(store, codec)
	users := repository.NewUserRepository(store)

	auditSvc := service.NewAuditService(repository.NewAuditRepository(store), a.metrics, a.log)
	a.closers = append(a.closers, func(context.Context) error {
		auditSvc.Shutdown()
		return nil
	})

	rc := a.cfg.Reconcile
	locator := service.NewCanonicalLocator(consultations)
	a.reconcile = service.NewReconcileService(locator, patients, consultations, repository.NewBackupRepository(store),
		auditSvc, a.metrics, service.RetryPolicy{MaxTries: rc.ConflictMaxTries, InitialInterval: rc.ConflictInitialInterval}, a.log)
	a.batch = service.NewBatchService(patients, users, a.reconcile, rc.WritesPerSecond, a.metrics, a.log)
	a.retroactive = service.NewRetroactiveService(patients, a.reconcile, a.batch, a.jwt, rc.ApprovalTTL, a.log)
	a.integrity = service.NewIntegrityService(patients, consultations, locator, a.batch, a.metrics, a.log)
	a.status = service.NewMigrationStatusService(patients, consultations, statusCache, a.log)
	a.flags = service.NewInitialFlagService(patients, consultations, users, a.status, auditSvc, a.metrics, rc.CreationTolerance, a.log)
	a.repair = service.NewRepairService(patients, consultations, codec, auditSvc, a.metrics, a.log)
	return nil
}

func (a *app) openStore() (docstore.Store, error) {
	if a.cfg.Database.Driver == "memory" {
		a.log.Warn("using the in-memory document store; nothing will be persisted")
		return docstore.NewMemoryStore(), nil
	}

	db, err := database.Connect(a.cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
	if err := database.Migrate(db, a.log); err != nil {
		return nil, err
	}
	return docstore.NewGormStore(db), nil
}

func (a *app) keySource(ctx context.Context) (fieldcipher.KeySource, error) {
	if a.cfg.Crypto.KeySource == "aws" {
		src, err := fieldcipher.NewSecretsManagerKeyFromEnv(ctx, a.cfg.Crypto.AWSRegion, a.cfg.Crypto.SecretID)
		if err != nil {
			return nil, fmt.Errorf("creating secrets manager key source: %w", err)
		}
		return src, nil
	}
	return fieldcipher.HexKey(a.cfg.Crypto.MasterKeyHex), nil
}

func (a *app) statusCache(ctx context.Context) (service.StatusCache, error) {
	rc := a.cfg.Redis
	if rc.Addr == "" {
		return cache.NewMemory[service.MigrationStatus](rc.StatusTTL), nil
	}

	client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", rc.Addr, err)
	}
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	return cache.NewRedis[service.MigrationStatus](client, a.cfg.App.Name+":migration-status", rc.StatusTTL), nil
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func shutdownTracer(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}
