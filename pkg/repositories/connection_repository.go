package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/revlake/revlake-engine/pkg/apperrors"
	"github.com/revlake/revlake-engine/pkg/database"
	"github.com/revlake/revlake-engine/pkg/models"
)

// ConnectionRepository defines the interface for connection config data access.
// Credentials are stored as encrypted TEXT - encryption/decryption is handled
// by the service layer.
type ConnectionRepository interface {
	// Upsert inserts or updates the config for a source.
	Upsert(ctx context.Context, conn *models.Connection, encryptedCreds string) error

	// GetBySource retrieves the config for one source. Returns the model and
	// the encrypted credentials blob.
	GetBySource(ctx context.Context, source models.Source) (*models.Connection, string, error)

	// List retrieves every stored connection with its encrypted credentials.
	List(ctx context.Context) ([]*models.Connection, []string, error)

	// SetConnected records the outcome of a connection test.
	SetConnected(ctx context.Context, source models.Source, connected bool, version string, at time.Time) error
}

type connectionRepository struct {
	db *database.DB
}

// NewConnectionRepository creates a new connection repository.
func NewConnectionRepository(db *database.DB) ConnectionRepository {
	return &connectionRepository{db: db}
}

func (r *connectionRepository) Upsert(ctx context.Context, conn *models.Connection, encryptedCreds string) error {
	now := time.Now()

	query := `
		INSERT INTO sync_connections (source, instance_url, credentials, is_connected, source_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (source) DO UPDATE SET
			instance_url = EXCLUDED.instance_url,
			credentials = EXCLUDED.credentials,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at`

	err := r.db.QueryRow(ctx, query,
		conn.Source,
		conn.InstanceURL,
		encryptedCreds,
		conn.IsConnected,
		conn.SourceVersion,
		now,
	).Scan(&conn.ID, &conn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert connection for %s: %w", conn.Source, err)
	}

	conn.UpdatedAt = now
	return nil
}

func (r *connectionRepository) GetBySource(ctx context.Context, source models.Source) (*models.Connection, string, error) {
	query := `
		SELECT id, source, instance_url, credentials, is_connected, last_connected_at, source_version, created_at, updated_at
		FROM sync_connections
		WHERE source = $1`

	conn, creds, err := scanConnection(r.db.QueryRow(ctx, query, source))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", apperrors.ErrNotFound
		}
		return nil, "", fmt.Errorf("failed to get connection for %s: %w", source, err)
	}
	return conn, creds, nil
}

func (r *connectionRepository) List(ctx context.Context) ([]*models.Connection, []string, error) {
	query := `
		SELECT id, source, instance_url, credentials, is_connected, last_connected_at, source_version, created_at, updated_at
		FROM sync_connections
		ORDER BY source`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var conns []*models.Connection
	var credsList []string
	for rows.Next() {
		conn, creds, err := scanConnection(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, conn)
		credsList = append(credsList, creds)
	}
	return conns, credsList, rows.Err()
}

func (r *connectionRepository) SetConnected(ctx context.Context, source models.Source, connected bool, version string, at time.Time) error {
	query := `
		UPDATE sync_connections
		SET is_connected = $2, source_version = $3, last_connected_at = $4, updated_at = NOW()
		WHERE source = $1`

	tag, err := r.db.Exec(ctx, query, source, connected, version, at)
	if err != nil {
		return fmt.Errorf("failed to update connection status for %s: %w", source, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func scanConnection(row pgx.Row) (*models.Connection, string, error) {
	var conn models.Connection
	var creds string
	err := row.Scan(
		&conn.ID,
		&conn.Source,
		&conn.InstanceURL,
		&creds,
		&conn.IsConnected,
		&conn.LastConnectedAt,
		&conn.SourceVersion,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	)
	if err != nil {
		return nil, "", err
	}
	return &conn, creds, nil
}
