package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/config"
	v1 "github.com/dmehra2102/prod-golang-projects/osteosync/internal/handler/v1"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/database"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/logger"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	if a.cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	handler := v1.NewReconcileHandler(a.reconcile, a.batch, a.retroactive, a.integrity, a.status, a.flags, a.log)
	router := v1.NewRouter(v1.RouterConfig{
		Handler:  handler,
		Tokens:   a.jwt,
		Metrics:  a.metrics,
		Gatherer: a.registry,
		Logger:   a.log,
	})

	sc := a.cfg.Server
	srv := &http.Server{
		Addr:         sc.Address(),
		Handler:      router,
		ReadTimeout:  sc.ReadTimeout,
		WriteTimeout: sc.WriteTimeout,
		IdleTimeout:  sc.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http server listening",
			zap.String("address", srv.Addr),
			zap.String("environment", a.cfg.App.Environment),
			zap.String("version", a.cfg.App.Version),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
	case serveErr = <-errCh:
		a.log.Error("http server failed", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), sc.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("http server shutdown failed", zap.Error(err))
	}
	a.log.Info("server stopped")

	// The audit worker drains after the last request has finished.
	if err := a.close(shutdownCtx); err != nil && serveErr == nil {
		return fmt.Errorf("releasing resources: %w", err)
	}
	return serveErr
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the document table and its indexes",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			if cfg.Database.Driver == "memory" {
				return errors.New("nothing to migrate with the memory driver")
			}
			db, err := database.Connect(cfg.Database)
			if err != nil {
				return fmt.Errorf("connecting to database: %w", err)
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}
			return database.Migrate(db, log)
		},
	}
}
