package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/revlake/revlake-engine/pkg/apperrors"
	"github.com/revlake/revlake-engine/pkg/models"
	"github.com/revlake/revlake-engine/pkg/services"
)

// ToggleMappingRequest is the body for PUT /api/mappings/{id}/toggle.
type ToggleMappingRequest struct {
	SyncEnabled bool `json:"sync_enabled"`
}

// ReplaceFieldsRequest is the body for PUT /api/mappings/{id}/fields.
type ReplaceFieldsRequest struct {
	FieldMappings []models.FieldMapping `json:"field_mappings"`
}

// MappingsHandler handles entity mapping endpoints.
type MappingsHandler struct {
	mappings *services.MappingService
	sync     *services.SyncService
	logger   *zap.Logger
}

// NewMappingsHandler creates a new mappings handler.
func NewMappingsHandler(mappings *services.MappingService, sync *services.SyncService, logger *zap.Logger) *MappingsHandler {
	return &MappingsHandler{mappings: mappings, sync: sync, logger: logger}
}

// RegisterRoutes registers the mappings handler's routes on the given mux.
func (h *MappingsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/mappings", h.List)
	mux.HandleFunc("GET /api/mappings/{id}", h.Get)
	mux.HandleFunc("POST /api/mappings", h.Create)
	mux.HandleFunc("PUT /api/mappings/{id}/fields", h.ReplaceFields)
	mux.HandleFunc("PUT /api/mappings/{id}/toggle", h.Toggle)
	mux.HandleFunc("GET /api/mappings/{id}/preview", h.Preview)
}

// List handles GET /api/mappings?source=
func (h *MappingsHandler) List(w http.ResponseWriter, r *http.Request) {
	source := models.Source(r.URL.Query().Get("source"))

	mappings, err := h.mappings.List(r.Context(), source)
	if err != nil {
		h.logger.Error("Failed to list mappings", zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to list mappings"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]any{"mappings": mappings}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Get handles GET /api/mappings/{id}
func (h *MappingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.mappingID(w, r)
	if !ok {
		return
	}

	mapping, err := h.mappings.Get(r.Context(), id)
	if err != nil {
		h.respondMappingError(w, err, "Failed to get mapping")
		return
	}

	if err := WriteJSON(w, http.StatusOK, mapping); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Create handles POST /api/mappings
func (h *MappingsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var mapping models.EntityMapping
	if err := json.NewDecoder(r.Body).Decode(&mapping); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_body", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := h.mappings.Create(r.Context(), &mapping); err != nil {
		switch {
		case errors.Is(err, apperrors.ErrConflict):
			if err := ErrorResponse(w, http.StatusConflict, "mapping_exists", "A mapping for this source and remote model already exists"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		case errors.Is(err, apperrors.ErrConnectorNotRegistered):
			if err := ErrorResponse(w, http.StatusBadRequest, "unknown_source", "No connector for source"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		default:
			h.logger.Error("Failed to create mapping", zap.Error(err))
			if err := ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to create mapping"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		}
		return
	}

	if err := WriteJSON(w, http.StatusCreated, mapping); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// ReplaceFields handles PUT /api/mappings/{id}/fields
// System rules cannot be removed; omitting one disables it instead.
func (h *MappingsHandler) ReplaceFields(w http.ResponseWriter, r *http.Request) {
	id, ok := h.mappingID(w, r)
	if !ok {
		return
	}

	var req ReplaceFieldsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_body", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	mapping, err := h.mappings.ReplaceFieldMappings(r.Context(), id, req.FieldMappings)
	if err != nil {
		h.respondMappingError(w, err, "Failed to replace field mappings")
		return
	}

	if err := WriteJSON(w, http.StatusOK, mapping); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Toggle handles PUT /api/mappings/{id}/toggle
func (h *MappingsHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	id, ok := h.mappingID(w, r)
	if !ok {
		return
	}

	var req ToggleMappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_body", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	mapping, err := h.mappings.SetSyncEnabled(r.Context(), id, req.SyncEnabled)
	if err != nil {
		h.respondMappingError(w, err, "Failed to toggle mapping")
		return
	}

	if err := WriteJSON(w, http.StatusOK, mapping); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Preview handles GET /api/mappings/{id}/preview?limit=N
// Dry run: fetches a few records and maps them without writing any zone.
func (h *MappingsHandler) Preview(w http.ResponseWriter, r *http.Request) {
	id, ok := h.mappingID(w, r)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	previews, err := h.sync.Preview(r.Context(), id, limit)
	if err != nil {
		if errors.Is(err, apperrors.ErrConnectionNotConfigured) {
			if err := ErrorResponse(w, http.StatusConflict, "not_configured", "Connection is not configured"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		h.respondMappingError(w, err, "Failed to preview mapping")
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]any{"records": previews}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *MappingsHandler) mappingID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_id", "Invalid mapping ID"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return uuid.Nil, false
	}
	return id, true
}

func (h *MappingsHandler) respondMappingError(w http.ResponseWriter, err error, logMsg string) {
	if errors.Is(err, apperrors.ErrNotFound) {
		if err := ErrorResponse(w, http.StatusNotFound, "not_found", "Mapping not found"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	h.logger.Error(logMsg, zap.Error(err))
	if err := ErrorResponse(w, http.StatusInternalServerError, "internal_error", logMsg); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}
