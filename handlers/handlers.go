package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loiht2/ml-platform-retrain/apperr"
	"github.com/loiht2/ml-platform-retrain/logger"
	"github.com/loiht2/ml-platform-retrain/middleware"
	"github.com/loiht2/ml-platform-retrain/models"
	"github.com/loiht2/ml-platform-retrain/response"
)

// Jobs is the job orchestration surface used by the HTTP layer.
type Jobs interface {
	Submit(ctx context.Context, actorID string, cfg *models.TrainingConfig) (*models.SubmitResponse, error)
	PollStatus(ctx context.Context, actorID string, jobID uint) (*models.StatusSnapshot, error)
	FetchResults(ctx context.Context, actorID string, jobID uint) (*models.ResultSummary, error)
	ListJobs(ctx context.Context, actorID string, limit int) ([]models.TrainingJobResponse, error)
}

type Promotions interface {
	SaveAsNewModel(ctx context.Context, actorID string, jobID uint, req models.SaveRequest) (*models.PromotionResult, error)
	OverwriteModel(ctx context.Context, actorID string, jobID uint, req models.OverwriteRequest) (*models.PromotionResult, error)
}

// Catalog reads the shared model catalog.
type Catalog interface {
	ListModels(ctx context.Context) ([]models.Model, error)
	GetActiveModel(ctx context.Context) (*models.Model, error)
	ModelInfo(ctx context.Context, id uint) (*models.ModelInfo, error)
	Ping(ctx context.Context) error
}

// Handler handles HTTP requests
type Handler struct {
	jobs       Jobs
	promotions Promotions
	catalog    Catalog
	log        *logger.Logger
}

// NewHandler creates a new handler instance
func NewHandler(jobs Jobs, promotions Promotions, catalog Catalog, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		jobs:       jobs,
		promotions: promotions,
		catalog:    catalog,
		log:        log.With("component", "handlers"),
	}
}

// SubmitJob handles POST /api/v1/jobs
func (h *Handler) SubmitJob(c *gin.Context) {
	var req models.TrainingConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperr.Validation("body", "invalid request payload: %v", err))
		return
	}

	resp, err := h.jobs.Submit(c.Request.Context(), middleware.GetActor(c), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.RespondCreated(c, resp)
}

// ListJobs handles GET /api/v1/jobs
func (h *Handler) ListJobs(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.fail(c, apperr.Validation("limit", "must be a non-negative integer"))
			return
		}
		limit = n
	}

	jobs, err := h.jobs.ListJobs(c.Request.Context(), middleware.GetActor(c), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.RespondOK(c, gin.H{"jobs": jobs, "total": len(jobs)})
}

// GetJobStatus handles GET /api/v1/jobs/:id/status
func (h *Handler) GetJobStatus(c *gin.Context) {
	id, ok := h.jobID(c)
	if !ok {
		return
	}
	snap, err := h.jobs.PollStatus(c.Request.Context(), middleware.GetActor(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.RespondOK(c, snap)
}

// GetJobResults handles GET /api/v1/jobs/:id/results
func (h *Handler) GetJobResults(c *gin.Context) {
	id, ok := h.jobID(c)
	if !ok {
		return
	}
	res, err := h.jobs.FetchResults(c.Request.Context(), middleware.GetActor(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.RespondOK(c, res)
}

// SaveJob handles POST /api/v1/jobs/:id/save. The body is optional.
func (h *Handler) SaveJob(c *gin.Context) {
	id, ok := h.jobID(c)
	if !ok {
		return
	}
	var req models.SaveRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.fail(c, apperr.Validation("body", "invalid request payload: %v", err))
		return
	}

	res, err := h.promotions.SaveAsNewModel(c.Request.Context(), middleware.GetActor(c), id, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.RespondOK(c, res)
}

// OverwriteJob handles PUT /api/v1/jobs/:id/overwrite
func (h *Handler) OverwriteJob(c *gin.Context) {
	id, ok := h.jobID(c)
	if !ok {
		return
	}
	var req models.OverwriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperr.Validation("body", "invalid request payload: %v", err))
		return
	}

	res, err := h.promotions.OverwriteModel(c.Request.Context(), middleware.GetActor(c), id, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.RespondOK(c, res)
}

// ListModels handles GET /api/v1/models
func (h *Handler) ListModels(c *gin.Context) {
	list, err := h.catalog.ListModels(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.RespondOK(c, gin.H{"models": list, "total": len(list)})
}

// GetActiveModel handles GET /api/v1/models/active
func (h *Handler) GetActiveModel(c *gin.Context) {
	m, err := h.catalog.GetActiveModel(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.RespondOK(c, m)
}

// GetModel handles GET /api/v1/models/:id
func (h *Handler) GetModel(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	info, err := h.catalog.ModelInfo(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.RespondOK(c, info)
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.catalog.Ping(ctx); err != nil {
		h.log.Warn("Health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": "unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "database": "ok"})
}

func (h *Handler) jobID(c *gin.Context) (uint, bool) {
	return h.pathID(c, "id")
}

func (h *Handler) pathID(c *gin.Context, name string) (uint, bool) {
	n, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || n == 0 {
		h.fail(c, apperr.Validation(name, "must be a positive integer"))
		return 0, false
	}
	return uint(n), true
}

// fail logs unexpected errors and writes the error envelope.
func (h *Handler) fail(c *gin.Context, err error) {
	if !apperr.IsExpected(err) {
		h.log.Error("Request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"kind", string(apperr.KindOf(err)),
			"error", err,
		)
	}
	response.RespondError(c, err)
}
