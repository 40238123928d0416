package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/revlake/revlake-engine/pkg/apperrors"
	"github.com/revlake/revlake-engine/pkg/services"
)

// SyncHandler handles the sync trigger endpoints.
type SyncHandler struct {
	sync   *services.SyncService
	logger *zap.Logger
}

// NewSyncHandler creates a new sync handler.
func NewSyncHandler(sync *services.SyncService, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{sync: sync, logger: logger}
}

// RegisterRoutes registers the sync handler's routes on the given mux.
func (h *SyncHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sync/{id}", h.Trigger)
	mux.HandleFunc("POST /api/sync-all", h.TriggerAll)
}

// Trigger handles POST /api/sync/{id}?full=true
// Runs one entity mapping. Incremental unless full=true is passed.
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_id", "Invalid mapping ID"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	full, _ := strconv.ParseBool(r.URL.Query().Get("full"))

	outcome, err := h.sync.Sync(r.Context(), id, full)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			if err := ErrorResponse(w, http.StatusNotFound, "not_found", "Mapping not found"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		case errors.Is(err, apperrors.ErrSyncInProgress):
			if err := ErrorResponse(w, http.StatusConflict, "sync_in_progress", "A sync for this entity is already running"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		case errors.Is(err, apperrors.ErrMappingDisabled):
			if err := ErrorResponse(w, http.StatusConflict, "mapping_disabled", "Mapping is disabled"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		case errors.Is(err, apperrors.ErrConnectionNotConfigured):
			if err := ErrorResponse(w, http.StatusConflict, "not_configured", "Connection is not configured"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		default:
			h.logger.Error("Failed to trigger sync", zap.Error(err))
			if err := ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to trigger sync"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, outcome); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// TriggerAll handles POST /api/sync-all?full=true
// Runs every enabled mapping with bounded concurrency and returns the
// per-entity outcomes.
func (h *SyncHandler) TriggerAll(w http.ResponseWriter, r *http.Request) {
	full, _ := strconv.ParseBool(r.URL.Query().Get("full"))

	results := h.sync.SyncAll(r.Context(), full)

	if err := WriteJSON(w, http.StatusOK, map[string]any{"results": results}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
