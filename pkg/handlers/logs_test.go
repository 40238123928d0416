package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/revlake/revlake-engine/pkg/apperrors"
	"github.com/revlake/revlake-engine/pkg/models"
)

// mockSyncLogRepository implements repositories.SyncLogRepository for
// handler testing.
type mockSyncLogRepository struct {
	logs    []*models.SyncLog
	listErr error
}

func (m *mockSyncLogRepository) Create(_ context.Context, _ *models.SyncLog) error { return nil }
func (m *mockSyncLogRepository) Finish(_ context.Context, _ *models.SyncLog) error { return nil }

func (m *mockSyncLogRepository) GetByID(_ context.Context, id uuid.UUID) (*models.SyncLog, error) {
	for _, log := range m.logs {
		if log.ID == id {
			return log, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockSyncLogRepository) List(_ context.Context, source models.Source, limit, offset int) ([]*models.SyncLog, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var result []*models.SyncLog
	for _, log := range m.logs {
		if source != "" && log.Source != source {
			continue
		}
		result = append(result, log)
	}
	if offset >= len(result) {
		return nil, nil
	}
	result = result[offset:]
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *mockSyncLogRepository) LastCompleted(_ context.Context, _ uuid.UUID) (*models.SyncLog, error) {
	return nil, apperrors.ErrNotFound
}

func newLogsMux(repo *mockSyncLogRepository) *http.ServeMux {
	mux := http.NewServeMux()
	NewLogsHandler(repo, zap.NewNop()).RegisterRoutes(mux)
	return mux
}

func TestLogsHandler_ListFiltersBySource(t *testing.T) {
	repo := &mockSyncLogRepository{logs: []*models.SyncLog{
		{ID: uuid.New(), Source: models.SourceHubSpot, EntityType: "opportunities", Status: models.SyncStatusSuccess, StartedAt: time.Now()},
		{ID: uuid.New(), Source: models.SourceOdoo, EntityType: "accounts", Status: models.SyncStatusPartial, StartedAt: time.Now()},
	}}
	mux := newLogsMux(repo)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sync-logs?source=odoo", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Logs []models.SyncLog `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Logs, 1)
	assert.Equal(t, models.SourceOdoo, body.Logs[0].Source)
}

func TestLogsHandler_GetNotFound(t *testing.T) {
	mux := newLogsMux(&mockSyncLogRepository{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sync-logs/"+uuid.NewString(), nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogsHandler_GetInvalidID(t *testing.T) {
	mux := newLogsMux(&mockSyncLogRepository{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sync-logs/not-a-uuid", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogsHandler_GetReturnsErrors(t *testing.T) {
	id := uuid.New()
	repo := &mockSyncLogRepository{logs: []*models.SyncLog{{
		ID:        id,
		Source:    models.SourceHubSpot,
		Status:    models.SyncStatusPartial,
		StartedAt: time.Now(),
		Processed: 10,
		Created:   8,
		Failed:    2,
		Errors: []models.RecordError{
			{SourceID: "901", Field: "name", Rule: "required", Message: "name is required"},
		},
	}}}
	mux := newLogsMux(repo)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sync-logs/"+id.String(), nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var log models.SyncLog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &log))
	assert.Equal(t, models.SyncStatusPartial, log.Status)
	require.Len(t, log.Errors, 1)
	assert.Equal(t, "required", log.Errors[0].Rule)
}
