package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/tailbridge/pipeline"
	"github.com/maxpert/tailbridge/source"
	"github.com/maxpert/tailbridge/stats"
)

// Pipeline is the operator view of a running pipeline
type Pipeline interface {
	Snapshot() stats.Snapshot
	Checkpoint() (time.Time, bool)
	SafeCheckpoint() (time.Time, bool)
	InFlight() []pipeline.StateView
	Blocked() []pipeline.BlockedRow
	Skip(ctx context.Context, rowID string) ([]pipeline.BlockedRow, error)
}

// AdminHandlers serves the operator endpoints
type AdminHandlers struct {
	pipeline Pipeline
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(p Pipeline) *AdminHandlers {
	return &AdminHandlers{pipeline: p}
}

func (h *AdminHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.pipeline.Snapshot(), false)
}

func (h *AdminHandlers) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"persisted": nil,
		"safe":      nil,
	}
	if ts, ok := h.pipeline.Checkpoint(); ok {
		response["persisted"] = source.CanonicalTimestamp(ts)
	}
	if ts, ok := h.pipeline.SafeCheckpoint(); ok {
		response["safe"] = source.CanonicalTimestamp(ts)
	}

	writeJSONResponse(w, response, false)
}

func (h *AdminHandlers) handleInFlight(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	views := h.pipeline.InFlight()
	hasMore := len(views) > limit
	if hasMore {
		views = views[:limit]
	}
	if views == nil {
		views = []pipeline.StateView{}
	}

	writeJSONResponse(w, views, hasMore)
}

func (h *AdminHandlers) handleBlocked(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.pipeline.Blocked(), false)
}

func (h *AdminHandlers) handleSkip(w http.ResponseWriter, r *http.Request) {
	rowID := chi.URLParam(r, "rowID")
	if rowID == "" {
		writeErrorResponse(w, http.StatusBadRequest, "row id is required")
		return
	}

	released, err := h.pipeline.Skip(r.Context(), rowID)
	if errors.Is(err, pipeline.ErrNotBlocked) {
		writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("row '%s' is not blocked", rowID))
		return
	}
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("row_id", rowID).Int("released", len(released)).Msg("Blocked row skipped via admin")
	writeJSONResponse(w, released, false)
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool) {
	response := map[string]interface{}{
		"data": data,
	}
	if hasMore {
		response["has_more"] = true
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}

	return limit, nil
}
