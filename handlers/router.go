package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loiht2/ml-platform-retrain/logger"
	"github.com/loiht2/ml-platform-retrain/middleware"
)

type RouterOptions struct {
	Auth           middleware.AuthConfig
	AllowedOrigins []string
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
	Log     *logger.Logger
}

// NewRouter wires middleware and every route onto a new gin engine.
func NewRouter(h *Handler, opts RouterOptions) *gin.Engine {
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORSMiddleware(opts.AllowedOrigins, opts.Auth.TrustedHeader))
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(log))

	// no auth required
	router.GET("/health", h.Health)
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	api := router.Group("/api/v1")
	api.Use(middleware.ActorAuthMiddleware(opts.Auth, log))
	{
		jobs := api.Group("/jobs")
		{
			jobs.POST("", h.SubmitJob)
			jobs.GET("", h.ListJobs)
			jobs.GET("/:id/status", h.GetJobStatus)
			jobs.GET("/:id/results", h.GetJobResults)
			jobs.POST("/:id/save", h.SaveJob)
			jobs.PUT("/:id/overwrite", h.OverwriteJob)
		}

		modelRoutes := api.Group("/models")
		{
			modelRoutes.GET("", h.ListModels)
			modelRoutes.GET("/active", h.GetActiveModel)
			modelRoutes.GET("/:id", h.GetModel)
		}
	}

	return router
}
