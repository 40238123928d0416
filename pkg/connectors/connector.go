// Package connectors defines the capability contract every external-source
// connector satisfies, plus the registry the orchestrator looks sources up in.
// Raw payloads are opaque maps: each source has its own field shapes, and
// nothing downstream may assume a shared schema until the field mapper has run.
package connectors

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/revlake/revlake-engine/pkg/models"
	"github.com/revlake/revlake-engine/pkg/retry"
)

// RawPayload is one record exactly as the source returned it.
type RawPayload = map[string]any

// TestResult is the structured outcome of a connection test.
// Failures are values, not errors: a broken source must not crash the caller.
type TestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Version string `json:"version,omitempty"`
}

// FetchOptions narrows a fetch to the fields the entity mapping needs and,
// for incremental syncs, to records modified since the given time.
type FetchOptions struct {
	Fields      []string
	Incremental bool
	Since       *time.Time
	PageSize    int
}

// FetchResult carries the fetched raw records plus the source-reported total.
type FetchResult struct {
	Records []RawPayload
	Total   int
}

// Connector is the capability set one external system implementation
// satisfies. The orchestrator is agnostic to which source it holds.
type Connector interface {
	// TestConnection verifies the source is reachable with valid credentials.
	// Transport and auth failures come back as Success=false with a
	// human-readable message; this method does not return errors.
	TestConnection(ctx context.Context, conn *models.Connection) *TestResult

	// FetchEntity pulls raw records for one remote model. A returned error
	// fails the whole run (the caller writes nothing to the raw zone).
	FetchEntity(ctx context.Context, conn *models.Connection, remoteModel string, opts FetchOptions) (*FetchResult, error)
}

// Options carries shared dependencies into connector factories.
type Options struct {
	Logger     *zap.Logger
	HTTPClient *http.Client
	Retry      *retry.Config
}

// Client returns the configured HTTP client, or a default with a sane timeout.
func (o Options) Client() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// Log returns the configured logger or a no-op one.
func (o Options) Log() *zap.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return zap.NewNop()
}
