// Package server exposes the processing pipeline over HTTP.
package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"nfsync/internal/extract"
	"nfsync/internal/logger"
	"nfsync/internal/normalize"
	"nfsync/internal/service"
	syncpkg "nfsync/internal/sync"
)

// Handler holds the HTTP endpoints over the processor.
type Handler struct {
	processor   *service.Processor
	maxFileSize int64
	log         zerolog.Logger
}

// NewHandler creates the endpoint set.
func NewHandler(processor *service.Processor, maxFileSize int64) *Handler {
	return &Handler{
		processor:   processor,
		maxFileSize: maxFileSize,
		log:         logger.WithComponent("http"),
	}
}

// Setup configures the Gin engine with all routes and middleware.
func Setup(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(h.log))

	r.GET("/health", h.Health)

	v1 := r.Group("/api/v1")
	v1.POST("/documents", h.Process)
	v1.GET("/statistics", h.Statistics)
	v1.GET("/documents/recent", h.Recent)

	return r
}

// processResult is the success payload for a processed document.
type processResult struct {
	Key          string   `json:"key"`
	ProcessingID string   `json:"processing_id"`
	Status       string   `json:"status"`
	ItemCount    int      `json:"item_count"`
	IssuerLedger string   `json:"issuer_ledger,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}

// Process handles POST /api/v1/documents. The document arrives as a
// multipart "file" field; the response carries the dedup key and the
// per-ledger outcome.
func (h *Handler) Process(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		respondError(c, http.StatusBadRequest, "MISSING_FILE", "file field is required")
		return
	}
	defer func() { _ = file.Close() }()

	if header.Size > h.maxFileSize {
		respondError(c, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE",
			"file exceeds maximum size of "+strconv.FormatInt(h.maxFileSize, 10)+" bytes")
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, h.maxFileSize+1))
	if err != nil {
		respondError(c, http.StatusBadRequest, "UNREADABLE_FILE", "could not read uploaded file")
		return
	}
	if int64(len(data)) > h.maxFileSize {
		respondError(c, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "file exceeds maximum size")
		return
	}

	outcome, err := h.processor.ProcessDocument(c.Request.Context(), data, header.Header.Get("Content-Type"), header.Filename)
	if err != nil {
		h.respondProcessError(c, outcome, err)
		return
	}

	respondOK(c, resultFromOutcome(outcome))
}

func (h *Handler) respondProcessError(c *gin.Context, outcome *service.ProcessingOutcome, err error) {
	var validationErr *normalize.ValidationError
	var commitErr *syncpkg.CommitError

	switch {
	case errors.Is(err, extract.ErrDocumentTooLarge):
		respondError(c, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", err.Error())
	case errors.Is(err, extract.ErrUnsupportedFormat):
		respondError(c, http.StatusUnsupportedMediaType, "UNSUPPORTED_FORMAT", err.Error())
	case errors.As(err, &validationErr):
		respondError(c, http.StatusUnprocessableEntity, "VALIDATION_FAILED", validationErr.Error())
	case errors.As(err, &commitErr):
		// The summary row may already be durable; the client can resubmit
		// the same file to resume the remaining ledger writes.
		h.log.Error().Err(err).Str("step", commitErr.Step).Msg("Commit failed")
		c.JSON(http.StatusBadGateway, APIResponse{
			Success: false,
			Data:    resultFromOutcome(outcome),
			Error:   &APIError{Code: "COMMIT_FAILED", Message: err.Error()},
		})
	default:
		h.log.Error().Err(err).Msg("Document processing failed")
		respondError(c, http.StatusInternalServerError, "PROCESSING_FAILED", err.Error())
	}
}

// Statistics handles GET /api/v1/statistics.
func (h *Handler) Statistics(c *gin.Context) {
	stats, err := h.processor.GetStatistics(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Statistics query failed")
		respondError(c, http.StatusBadGateway, "QUERY_FAILED", err.Error())
		return
	}
	respondOK(c, stats)
}

// Recent handles GET /api/v1/documents/recent?limit=N.
func (h *Handler) Recent(c *gin.Context) {
	limit := 10
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			respondError(c, http.StatusBadRequest, "INVALID_LIMIT", "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	entries, err := h.processor.GetRecent(c.Request.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Recent query failed")
		respondError(c, http.StatusBadGateway, "QUERY_FAILED", err.Error())
		return
	}
	respondOK(c, entries)
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	health := h.processor.CheckHealth(c.Request.Context())
	status := http.StatusOK
	if !health.StoreReachable || !health.ExtractionReachable {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

func resultFromOutcome(outcome *service.ProcessingOutcome) *processResult {
	if outcome == nil || outcome.Record == nil {
		return nil
	}
	result := &processResult{
		Key:          outcome.Record.Key().String(),
		ProcessingID: outcome.Record.ProcessingID,
		Status:       string(outcome.Record.Status),
		ItemCount:    len(outcome.Record.Items),
	}
	if outcome.Receipt != nil {
		result.IssuerLedger = outcome.Receipt.IssuerLedger
	}
	for _, w := range outcome.Warnings {
		result.Warnings = append(result.Warnings, w.Message)
	}
	return result
}

// requestLogger logs one line per request in the zerolog structured style.
func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Msg("Request handled")
	}
}
