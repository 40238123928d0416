package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/revlake/revlake-engine/pkg/apperrors"
	"github.com/revlake/revlake-engine/pkg/models"
	"github.com/revlake/revlake-engine/pkg/repositories"
)

const defaultLogPageSize = 50

// LogsHandler handles sync history endpoints.
type LogsHandler struct {
	logs   repositories.SyncLogRepository
	logger *zap.Logger
}

// NewLogsHandler creates a new sync logs handler.
func NewLogsHandler(logs repositories.SyncLogRepository, logger *zap.Logger) *LogsHandler {
	return &LogsHandler{logs: logs, logger: logger}
}

// RegisterRoutes registers the logs handler's routes on the given mux.
func (h *LogsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sync-logs", h.List)
	mux.HandleFunc("GET /api/sync-logs/{id}", h.Get)
}

// List handles GET /api/sync-logs?source=&limit=&offset=
func (h *LogsHandler) List(w http.ResponseWriter, r *http.Request) {
	source := models.Source(r.URL.Query().Get("source"))

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = defaultLogPageSize
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	logs, err := h.logs.List(r.Context(), source, limit, offset)
	if err != nil {
		h.logger.Error("Failed to list sync logs", zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to list sync logs"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]any{"logs": logs}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Get handles GET /api/sync-logs/{id}
func (h *LogsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_id", "Invalid sync log ID"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	log, err := h.logs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			if err := ErrorResponse(w, http.StatusNotFound, "not_found", "Sync log not found"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		h.logger.Error("Failed to get sync log", zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to get sync log"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, log); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
