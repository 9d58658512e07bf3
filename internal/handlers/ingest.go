package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"unilog/internal/logger"
	"unilog/internal/models"
	"unilog/internal/router"
)

// Ingestor routes a producer's records into its stream
type Ingestor interface {
	Ingest(ctx context.Context, producer string, records []models.InboundRecord) ([]models.ProcessedRecord, error)
}

// IngestHandler handles record ingestion via HTTP
type IngestHandler struct {
	ingestor Ingestor

	// Max body size (default 10MB)
	maxBodySize int64
}

// IngestConfig holds configuration for the ingest handler
type IngestConfig struct {
	Ingestor    Ingestor
	MaxBodySize int64
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(cfg IngestConfig) *IngestHandler {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 10 * 1024 * 1024 // 10MB default
	}

	return &IngestHandler{
		ingestor:    cfg.Ingestor,
		maxBodySize: maxBodySize,
	}
}

// IngestRequest is the body a producer posts
type IngestRequest struct {
	RequestID string                 `json:"requestId,omitempty"`
	Records   []models.InboundRecord `json:"records"`
}

// IngestResponse answers every record in request order
type IngestResponse struct {
	RequestID string                   `json:"requestId,omitempty"`
	Records   []models.ProcessedRecord `json:"records"`
}

// ServeHTTP handles POST /v1/streams/{producer}/records
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Only accept POST
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// Check content type
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
			h.writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
			return
		}
	}

	producer := r.PathValue("producer")
	if producer == "" {
		h.writeError(w, http.StatusBadRequest, "producer is required")
		return
	}

	// Limit body size
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	var req IngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(req.Records) == 0 {
		h.writeError(w, http.StatusBadRequest, "no records provided")
		return
	}

	results, err := h.ingestor.Ingest(r.Context(), producer, req.Records)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			log := logger.WithComponent("ingest_handler")
			log.Error().
				Err(err).
				Str("producer", producer).
				Int("records", len(req.Records)).
				Msg("ingest failed")
		}
		h.writeError(w, status, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(IngestResponse{RequestID: req.RequestID, Records: results})
}

// statusFor maps a refused request to its HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, router.ErrUnknownProducer):
		return http.StatusNotFound
	case errors.Is(err, models.ErrEmptyRecordID):
		return http.StatusBadRequest
	case errors.Is(err, router.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes an error response
func (h *IngestHandler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
