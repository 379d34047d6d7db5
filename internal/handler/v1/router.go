package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/metrics"
)

type RouterConfig struct {
	Handler  *ReconcileHandler
	Tokens   TokenValidator
	Metrics  *metrics.Collector
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), Tracing(), Metrics(cfg.Metrics), RequestLogger(cfg.Logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler(cfg.Gatherer)))

	h := cfg.Handler
	api := r.Group("/api/v1", RequireAuth(cfg.Tokens))
	{
		api.POST("/patients/:id/sync", h.SyncPatient)
		api.POST("/consultations/:id/sync-to-patient", h.SyncConsultationToPatient)

		api.POST("/reconcile/batch", h.RunBatch)
		api.POST("/reconcile/retroactive/preview", h.PreviewRetroactive)
		api.POST("/reconcile/retroactive/commit", h.CommitRetroactive)

		api.GET("/integrity/divergences", h.CheckDivergences)
		api.POST("/integrity/corrections", h.ApplyCorrections)

		api.GET("/migrations/status", h.MigrationStatus)
		api.POST("/migrations/initial-flags", h.AssignInitialFlags)

		admin := api.Group("/admin", RequireRole(domain.RoleAdmin))
		admin.POST("/reconcile", h.ReconcileAll)
		admin.POST("/initial-flags", h.AssignAllInitialFlags)
	}
	return r
}
