package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/revlake/revlake-engine/pkg/apperrors"
	"github.com/revlake/revlake-engine/pkg/models"
	"github.com/revlake/revlake-engine/pkg/services"
)

// ConfigureConnectionRequest is the body for PUT /api/connections/{source}.
// Secret credential fields submitted blank keep their stored values.
type ConfigureConnectionRequest struct {
	InstanceURL string         `json:"instance_url"`
	Credentials map[string]any `json:"credentials"`
}

// ConnectionsHandler handles connection config and connection test endpoints.
type ConnectionsHandler struct {
	connections *services.ConnectionService
	mappings    *services.MappingService
	logger      *zap.Logger
}

// NewConnectionsHandler creates a new connections handler.
func NewConnectionsHandler(connections *services.ConnectionService, mappings *services.MappingService, logger *zap.Logger) *ConnectionsHandler {
	return &ConnectionsHandler{connections: connections, mappings: mappings, logger: logger}
}

// RegisterRoutes registers the connections handler's routes on the given mux.
func (h *ConnectionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/connections", h.List)
	mux.HandleFunc("PUT /api/connections/{source}", h.Configure)
	mux.HandleFunc("POST /api/connections/{source}/test", h.Test)
}

// List handles GET /api/connections
// Returns every shipped source with its stored config (credentials
// redacted) plus the entity mappings per source.
func (h *ConnectionsHandler) List(w http.ResponseWriter, r *http.Request) {
	sources, err := h.connections.ListSources(r.Context())
	if err != nil {
		h.logger.Error("Failed to list connections", zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to list connections"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	mappings, err := h.mappings.List(r.Context(), "")
	if err != nil {
		h.logger.Error("Failed to list mappings", zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to list mappings"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	response := map[string]any{
		"sources":  sources,
		"mappings": mappings,
	}
	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Configure handles PUT /api/connections/{source}
func (h *ConnectionsHandler) Configure(w http.ResponseWriter, r *http.Request) {
	source := models.Source(r.PathValue("source"))

	var req ConfigureConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_body", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	conn, err := h.connections.Configure(r.Context(), source, req.InstanceURL, req.Credentials)
	if err != nil {
		if errors.Is(err, apperrors.ErrConnectorNotRegistered) {
			if err := ErrorResponse(w, http.StatusNotFound, "unknown_source", "No connector for source"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		if errors.Is(err, apperrors.ErrInvalidInstanceURL) {
			if err := ErrorResponse(w, http.StatusBadRequest, "invalid_instance_url", err.Error()); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		h.logger.Error("Failed to configure connection",
			zap.String("source", string(source)),
			zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to save connection"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, conn); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Test handles POST /api/connections/{source}/test
// A failing source returns 200 with success=false; the test outcome is a
// value, not a transport error.
func (h *ConnectionsHandler) Test(w http.ResponseWriter, r *http.Request) {
	source := models.Source(r.PathValue("source"))

	result, err := h.connections.Test(r.Context(), source)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrConnectionNotConfigured):
			if err := ErrorResponse(w, http.StatusNotFound, "not_configured", "Connection is not configured"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		case errors.Is(err, apperrors.ErrConnectorNotRegistered):
			if err := ErrorResponse(w, http.StatusNotFound, "unknown_source", "No connector for source"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		case errors.Is(err, apperrors.ErrCredentialsKeyMismatch):
			if err := ErrorResponse(w, http.StatusConflict, "credentials_key_mismatch", "Stored credentials were encrypted with a different key; reconfigure the connection"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		default:
			h.logger.Error("Failed to test connection",
				zap.String("source", string(source)),
				zap.Error(err))
			if err := ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to test connection"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, result); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
