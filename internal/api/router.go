package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/timmy/caseboard/internal/api/handler"
	"github.com/timmy/caseboard/internal/api/middleware"
	"github.com/timmy/caseboard/internal/config"
	"github.com/timmy/caseboard/internal/logger"
	"github.com/timmy/caseboard/internal/metrics"
)

// RouterDeps bundles what SetupRouter wires into handlers.
type RouterDeps struct {
	Runs    handler.BatchRunner
	Metrics *metrics.Metrics
	Logger  *logger.Logger

	// Ping checks the database for /health; nil skips the check.
	Ping func(ctx context.Context) error
	// ActiveRuns reports in-flight runs for /health; nil omits it.
	ActiveRuns func() int
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(cfg config.ServerConfig, deps RouterDeps) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	if cfg.MaxUploadMB > 0 {
		r.MaxMultipartMemory = int64(cfg.MaxUploadMB) << 20
	}

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(deps.Logger))
	r.Use(middleware.CORS(cfg.CORS))

	healthHandler := handler.NewHealthHandler(deps.Ping, deps.ActiveRuns)
	batchHandler := handler.NewBatchHandler(deps.Runs, cfg.MaxUploadMB)

	r.GET("/health", healthHandler.Health)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	v1 := r.Group("/api/v1")
	{
		batches := v1.Group("/batches")
		batches.POST("", batchHandler.Submit)
		batches.POST("/upload", batchHandler.Upload)
		batches.GET("", batchHandler.List)
		batches.GET("/:id", batchHandler.Get)
		batches.GET("/:id/records", batchHandler.Records)
		batches.GET("/:id/export", batchHandler.Export)
		batches.POST("/:id/cancel", batchHandler.Cancel)
	}

	return r
}
