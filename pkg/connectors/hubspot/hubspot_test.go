package hubspot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/revlake/revlake-engine/pkg/connectors"
	"github.com/revlake/revlake-engine/pkg/models"
	"github.com/revlake/revlake-engine/pkg/retry"
)

func noRetry() *retry.Config {
	return &retry.Config{MaxRetries: 0, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func newConnector() *Connector {
	return &Connector{client: http.DefaultClient, logger: zap.NewNop(), retryCfg: noRetry()}
}

func testConn(serverURL string) *models.Connection {
	return &models.Connection{
		Source:      models.SourceHubSpot,
		InstanceURL: serverURL,
		Credentials: map[string]any{"api_key": "pat-na1-test"},
	}
}

func TestTestConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer pat-na1-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		require.Equal(t, "/account-info/v3/details", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"portalId": 12345, "uiDomain": "app.hubspot.com"})
	}))
	defer srv.Close()

	result := newConnector().TestConnection(context.Background(), testConn(srv.URL))
	assert.True(t, result.Success)
	assert.Contains(t, result.Message, "12345")
}

func TestTestConnectionBadToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	result := newConnector().TestConnection(context.Background(), testConn(srv.URL))
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "401")
}

func TestFetchEntityFollowsPaging(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/crm/v3/objects/deals", r.URL.Path)
		if r.URL.Query().Get("after") == "" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"results": []map[string]any{
					{"id": "1", "properties": map[string]any{"dealname": "Acme Deal", "amount": "5000"}},
				},
				"paging": map[string]any{"next": map[string]any{"after": "cursor-2"}},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"id": "2", "properties": map[string]any{"dealname": "Globex Deal", "amount": "900"}},
			},
		})
	}))
	defer srv.Close()

	result, err := newConnector().FetchEntity(context.Background(), testConn(srv.URL), "deals",
		connectors.FetchOptions{Fields: []string{"dealname", "amount"}})
	require.NoError(t, err)
	require.Len(t, result.Records, 2)

	// Object id is folded into the flat payload next to the properties.
	assert.Equal(t, "1", result.Records[0]["id"])
	assert.Equal(t, "Acme Deal", result.Records[0]["dealname"])
	assert.Equal(t, "2", result.Records[1]["id"])
}

func TestFetchEntityIncrementalUsesSearch(t *testing.T) {
	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	var gotFilter map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/crm/v3/objects/deals/search", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotFilter))
		_ = json.NewEncoder(w).Encode(map[string]any{"results": []map[string]any{}})
	}))
	defer srv.Close()

	_, err := newConnector().FetchEntity(context.Background(), testConn(srv.URL), "deals",
		connectors.FetchOptions{Incremental: true, Since: &since})
	require.NoError(t, err)
	require.NotNil(t, gotFilter["filterGroups"])
}

func TestFetchEntityMissingToken(t *testing.T) {
	conn := &models.Connection{Credentials: map[string]any{}}
	_, err := newConnector().FetchEntity(context.Background(), conn, "deals", connectors.FetchOptions{})
	assert.Error(t, err)
}
