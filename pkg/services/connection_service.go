package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/revlake/revlake-engine/pkg/apperrors"
	"github.com/revlake/revlake-engine/pkg/connectors"
	"github.com/revlake/revlake-engine/pkg/crypto"
	"github.com/revlake/revlake-engine/pkg/logging"
	"github.com/revlake/revlake-engine/pkg/models"
	"github.com/revlake/revlake-engine/pkg/repositories"
)

// SourceStatus is the UI-facing view of one source: registry info plus
// stored connection state, credentials redacted.
type SourceStatus struct {
	connectors.Info
	Configured      bool           `json:"configured"`
	InstanceURL     string         `json:"instance_url,omitempty"`
	Credentials     map[string]any `json:"credentials,omitempty"`
	IsConnected     bool           `json:"is_connected"`
	LastConnectedAt *time.Time     `json:"last_connected_at,omitempty"`
	SourceVersion   string         `json:"source_version,omitempty"`
}

// ConnectionService manages source connection configs and connection tests.
type ConnectionService struct {
	repo      repositories.ConnectionRepository
	encryptor *crypto.CredentialEncryptor
	connOpts  connectors.Options
	logger    *zap.Logger
}

// NewConnectionService creates a new connection service.
func NewConnectionService(
	repo repositories.ConnectionRepository,
	encryptor *crypto.CredentialEncryptor,
	connOpts connectors.Options,
	logger *zap.Logger,
) *ConnectionService {
	return &ConnectionService{
		repo:      repo,
		encryptor: encryptor,
		connOpts:  connOpts,
		logger:    logger,
	}
}

// ListSources returns every shipped connector with its stored connection
// state. Sources never configured still appear so the UI can offer them.
func (s *ConnectionService) ListSources(ctx context.Context) ([]SourceStatus, error) {
	conns, credsList, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}

	stored := make(map[models.Source]*models.Connection, len(conns))
	storedCreds := make(map[models.Source]string, len(conns))
	for i, conn := range conns {
		stored[conn.Source] = conn
		storedCreds[conn.Source] = credsList[i]
	}

	var statuses []SourceStatus
	for _, info := range connectors.Registered() {
		status := SourceStatus{Info: info}
		if conn, ok := stored[info.Source]; ok {
			status.Configured = true
			status.InstanceURL = conn.InstanceURL
			status.IsConnected = conn.IsConnected
			status.LastConnectedAt = conn.LastConnectedAt
			status.SourceVersion = conn.SourceVersion
			status.Credentials = s.redactedCredentials(storedCreds[info.Source])
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// Configure stores the connection config for a source. Secret fields sent
// blank keep their stored values, so the UI can resubmit a form it received
// redacted. Configuring resets connectivity until the next successful test.
func (s *ConnectionService) Configure(ctx context.Context, source models.Source, instanceURL string, credentials map[string]any) (*models.Connection, error) {
	if !models.IsKnownSource(source) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrConnectorNotRegistered, source)
	}

	// Token-only sources (hubspot, ms365) submit no instance URL; anything
	// non-blank must parse before it is persisted.
	normalizedURL := ""
	if strings.TrimSpace(instanceURL) != "" {
		var err error
		normalizedURL, err = connectors.NormalizeInstanceURL(instanceURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidInstanceURL, err)
		}
	}

	merged := credentials
	if _, encrypted, err := s.repo.GetBySource(ctx, source); err == nil {
		if prev, decErr := s.encryptor.DecryptMap(encrypted); decErr == nil {
			merged = mergeBlankSecrets(credentials, prev)
		}
	}

	encrypted, err := s.encryptor.EncryptMap(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	conn := &models.Connection{
		Source:      source,
		InstanceURL: normalizedURL,
	}
	if err := s.repo.Upsert(ctx, conn, encrypted); err != nil {
		return nil, fmt.Errorf("failed to save connection: %w", err)
	}

	s.logger.Info("connection configured",
		zap.String("source", string(source)),
		zap.String("instance_url", conn.InstanceURL))
	return conn, nil
}

// Test runs a live connection test against the source and records the
// outcome. A failing source yields Success=false, never an error.
func (s *ConnectionService) Test(ctx context.Context, source models.Source) (*connectors.TestResult, error) {
	conn, err := s.loadDecrypted(ctx, source)
	if err != nil {
		return nil, err
	}

	connector, err := connectors.New(source, s.connOpts)
	if err != nil {
		return nil, err
	}

	result := connector.TestConnection(ctx, conn)
	result.Message = logging.SanitizeMessage(result.Message)

	if err := s.repo.SetConnected(ctx, source, result.Success, result.Version, time.Now()); err != nil {
		return nil, fmt.Errorf("failed to record connection status: %w", err)
	}

	s.logger.Info("connection tested",
		zap.String("source", string(source)),
		zap.Bool("success", result.Success))
	return result, nil
}

// Connector returns a live connector plus the decrypted connection for a
// source. The sync orchestrator calls this at the start of every run.
func (s *ConnectionService) Connector(ctx context.Context, source models.Source) (connectors.Connector, *models.Connection, error) {
	conn, err := s.loadDecrypted(ctx, source)
	if err != nil {
		return nil, nil, err
	}
	connector, err := connectors.New(source, s.connOpts)
	if err != nil {
		return nil, nil, err
	}
	return connector, conn, nil
}

func (s *ConnectionService) loadDecrypted(ctx context.Context, source models.Source) (*models.Connection, error) {
	conn, encrypted, err := s.repo.GetBySource(ctx, source)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrConnectionNotConfigured, source)
		}
		return nil, err
	}

	creds, err := s.encryptor.DecryptMap(encrypted)
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrCredentialsKeyMismatch, source)
		}
		return nil, fmt.Errorf("failed to decrypt credentials: %w", err)
	}
	conn.Credentials = creds
	return conn, nil
}

func (s *ConnectionService) redactedCredentials(encrypted string) map[string]any {
	creds, err := s.encryptor.DecryptMap(encrypted)
	if err != nil {
		return nil
	}
	return logging.RedactConfig(creds)
}

// mergeBlankSecrets keeps the stored value for any secret key the caller
// submitted blank or redacted.
func mergeBlankSecrets(incoming, stored map[string]any) map[string]any {
	merged := make(map[string]any, len(incoming))
	for k, v := range incoming {
		merged[k] = v
	}
	for k, v := range stored {
		if !logging.IsSecretKey(k) {
			continue
		}
		cur, ok := merged[k]
		if !ok {
			continue
		}
		if str, isStr := cur.(string); isStr && (str == "" || str == logging.RedactedText) {
			merged[k] = v
		}
	}
	return merged
}
