package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/revlake/revlake-engine/pkg/apperrors"
	"github.com/revlake/revlake-engine/pkg/models"
	"github.com/revlake/revlake-engine/pkg/repositories"
)

// ResolveConflictRequest is the body for POST /api/conflicts/{id}/resolve.
type ResolveConflictRequest struct {
	Resolution string `json:"resolution"` // "keep_existing" or "take_incoming"
}

// ConflictsHandler handles merge conflict review endpoints.
type ConflictsHandler struct {
	conflicts repositories.ConflictRepository
	canonical repositories.CanonicalRepository
	logger    *zap.Logger
}

// NewConflictsHandler creates a new conflicts handler.
func NewConflictsHandler(conflicts repositories.ConflictRepository, canonical repositories.CanonicalRepository, logger *zap.Logger) *ConflictsHandler {
	return &ConflictsHandler{conflicts: conflicts, canonical: canonical, logger: logger}
}

// RegisterRoutes registers the conflicts handler's routes on the given mux.
func (h *ConflictsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/conflicts", h.List)
	mux.HandleFunc("POST /api/conflicts/{id}/resolve", h.Resolve)
}

// List handles GET /api/conflicts?status=&limit=&offset=
func (h *ConflictsHandler) List(w http.ResponseWriter, r *http.Request) {
	status := models.ConflictStatus(r.URL.Query().Get("status"))

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = defaultLogPageSize
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	conflicts, err := h.conflicts.List(r.Context(), status, limit, offset)
	if err != nil {
		h.logger.Error("Failed to list conflicts", zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to list conflicts"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Resolve handles POST /api/conflicts/{id}/resolve
// take_incoming rewrites the canonical field with the flagged value;
// keep_existing only closes the conflict.
func (h *ConflictsHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_id", "Invalid conflict ID"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	var req ResolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_body", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	if req.Resolution != "keep_existing" && req.Resolution != "take_incoming" {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_resolution", "Resolution must be keep_existing or take_incoming"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	conflict, err := h.conflicts.Resolve(r.Context(), id, req.Resolution, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			if err := ErrorResponse(w, http.StatusNotFound, "not_found", "Conflict not found"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		case errors.Is(err, apperrors.ErrConflict):
			if err := ErrorResponse(w, http.StatusConflict, "already_resolved", "Conflict is already resolved"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		default:
			h.logger.Error("Failed to resolve conflict", zap.Error(err))
			if err := ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to resolve conflict"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		}
		return
	}

	if req.Resolution == "take_incoming" {
		if err := h.applyIncoming(r, conflict); err != nil {
			h.logger.Error("Failed to apply incoming value",
				zap.String("conflict_id", conflict.ID.String()),
				zap.Error(err))
			if err := ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Conflict resolved but the canonical record could not be updated"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
	}

	if err := WriteJSON(w, http.StatusOK, conflict); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *ConflictsHandler) applyIncoming(r *http.Request, conflict *models.Conflict) error {
	rec, err := h.canonical.GetByID(r.Context(), conflict.CanonicalID)
	if err != nil {
		return err
	}
	rec.Fields[conflict.Field] = conflict.IncomingValue
	return h.canonical.Upsert(r.Context(), rec)
}
