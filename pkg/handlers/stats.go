package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/revlake/revlake-engine/pkg/services"
)

// StatsHandler handles the data-lake stats and serving aggregate endpoints.
type StatsHandler struct {
	serving *services.ServingService
	logger  *zap.Logger
}

// NewStatsHandler creates a new stats handler.
func NewStatsHandler(serving *services.ServingService, logger *zap.Logger) *StatsHandler {
	return &StatsHandler{serving: serving, logger: logger}
}

// RegisterRoutes registers the stats handler's routes on the given mux.
func (h *StatsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/data-lake/stats", h.Stats)
	mux.HandleFunc("GET /api/data-lake/aggregates", h.Aggregates)
}

// Stats handles GET /api/data-lake/stats
// Returns per-zone record counts.
func (h *StatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.serving.DataLakeStats(r.Context())
	if err != nil {
		h.logger.Error("Failed to gather data lake stats", zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to gather stats"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, stats); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Aggregates handles GET /api/data-lake/aggregates?entity_type=
// Returns the precomputed serving views.
func (h *StatsHandler) Aggregates(w http.ResponseWriter, r *http.Request) {
	aggs, err := h.serving.Aggregates(r.Context(), r.URL.Query().Get("entity_type"))
	if err != nil {
		h.logger.Error("Failed to list serving aggregates", zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to list aggregates"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]any{"aggregates": aggs}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
