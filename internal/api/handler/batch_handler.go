package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/caseboard/internal/domain"
	"github.com/timmy/caseboard/internal/logger"
)

// BatchRunner is the run service used by BatchHandler.
type BatchRunner interface {
	Start(ctx context.Context, input domain.BatchInput) (*domain.BatchRun, error)
	Get(ctx context.Context, id string) (*domain.BatchRun, error)
	List(ctx context.Context, filter domain.RunFilter) ([]domain.BatchRun, error)
	Records(ctx context.Context, id string, limit, offset int) ([]domain.BatchRecord, int64, error)
	Cancel(ctx context.Context, id string) error
	Export(ctx context.Context, id string, w io.Writer) error
}

// BatchHandler handles batch run endpoints.
type BatchHandler struct {
	runs           BatchRunner
	maxUploadBytes int64
}

// NewBatchHandler creates a new batch handler.
// Parameters:
//   - runs: run service instance.
//   - maxUploadMB: upload size limit in MiB; non-positive means 32.
// Returns:
//   - *BatchHandler: initialized handler.
func NewBatchHandler(runs BatchRunner, maxUploadMB int) *BatchHandler {
	if maxUploadMB <= 0 {
		maxUploadMB = 32
	}
	return &BatchHandler{
		runs:           runs,
		maxUploadBytes: int64(maxUploadMB) << 20,
	}
}

// SubmitRequest represents the submit API request.
type SubmitRequest struct {
	Dataset    string            `json:"dataset" binding:"required"`
	CSV        string            `json:"csv" binding:"required"`
	Parameters map[string]string `json:"parameters"`
}

// ListResponse represents the run listing.
type ListResponse struct {
	Runs  []domain.BatchRun `json:"runs"`
	Count int               `json:"count"`
}

// RecordsResponse represents one page of kept records.
type RecordsResponse struct {
	RunID   string               `json:"run_id"`
	Records []domain.BatchRecord `json:"records"`
	Total   int64                `json:"total"`
	Limit   int                  `json:"limit"`
	Offset  int                  `json:"offset"`
}

// Submit handles POST /api/v1/batches.
func (h *BatchHandler) Submit(c *gin.Context) {
	ctx := c.Request.Context()

	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.CtxWarn(ctx, "Invalid submit request: client_ip=%s, error=%v", c.ClientIP(), err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.start(c, domain.BatchInput{
		Dataset:    req.Dataset,
		Payload:    req.CSV,
		Parameters: req.Parameters,
	})
}

// Upload handles POST /api/v1/batches/upload with a multipart "file" field.
// Extra parameters are sent as parameters[key]=value form fields.
func (h *BatchHandler) Upload(c *gin.Context) {
	ctx := c.Request.Context()

	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if fh.Size > h.maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("file exceeds %d bytes", h.maxUploadBytes),
		})
		return
	}

	f, err := fh.Open()
	if err != nil {
		logger.CtxError(ctx, "Failed to open upload %s: %v", fh.Filename, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read file"})
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, h.maxUploadBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read file"})
		return
	}

	dataset := c.PostForm("dataset")
	if dataset == "" {
		dataset = fh.Filename
	}
	logger.CtxInfo(ctx, "Received upload: file=%s, bytes=%d, dataset=%s", fh.Filename, len(data), dataset)

	h.start(c, domain.BatchInput{
		Dataset:    dataset,
		Payload:    string(data),
		Parameters: c.PostFormMap("parameters"),
	})
}

func (h *BatchHandler) start(c *gin.Context, input domain.BatchInput) {
	run, err := h.runs.Start(c.Request.Context(), input)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

// List handles GET /api/v1/batches.
func (h *BatchHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	runs, err := h.runs.List(c.Request.Context(), domain.RunFilter{
		Status:  domain.RunStatus(c.Query("status")),
		Dataset: c.Query("dataset"),
		Limit:   clamp(limit, 1, 200),
		Offset:  max(offset, 0),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ListResponse{Runs: runs, Count: len(runs)})
}

// Get handles GET /api/v1/batches/:id.
func (h *BatchHandler) Get(c *gin.Context) {
	run, err := h.runs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// Records handles GET /api/v1/batches/:id/records.
func (h *BatchHandler) Records(c *gin.Context) {
	id := c.Param("id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit = clamp(limit, 1, 1000)
	offset = max(offset, 0)

	records, total, err := h.runs.Records(c.Request.Context(), id, limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, RecordsResponse{RunID: id, Records: records, Total: total, Limit: limit, Offset: offset})
}

// Export handles GET /api/v1/batches/:id/export.
func (h *BatchHandler) Export(c *gin.Context) {
	id := c.Param("id")
	run, err := h.runs.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if run.Status != domain.RunStatusCompleted {
		writeError(c, fmt.Errorf("%w: run %s is %s", domain.ErrRunNotCompleted, id, run.Status))
		return
	}

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".csv"))
	c.Status(http.StatusOK)
	if err := h.runs.Export(c.Request.Context(), id, c.Writer); err != nil {
		logger.CtxError(c.Request.Context(), "Export of run %s aborted: %v", id, err)
	}
}

// Cancel handles POST /api/v1/batches/:id/cancel.
func (h *BatchHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if err := h.runs.Cancel(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "message": "cancellation requested"})
}

// writeError maps service errors to HTTP status codes.
func writeError(c *gin.Context, err error) {
	var transport *domain.TransportError

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrRunNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrRunNotActive), errors.Is(err, domain.ErrRunNotCompleted):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrRunLimit):
		status = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrServiceClosed):
		status = http.StatusServiceUnavailable
	case errors.As(err, &transport):
		status = http.StatusBadGateway
	}

	ctx := c.Request.Context()
	if status >= 500 {
		logger.CtxError(ctx, "Request failed: %v", err)
	} else {
		logger.CtxWarn(ctx, "Request rejected: %v", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
