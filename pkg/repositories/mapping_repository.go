package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/revlake/revlake-engine/pkg/apperrors"
	"github.com/revlake/revlake-engine/pkg/database"
	"github.com/revlake/revlake-engine/pkg/models"
)

// MappingRepository defines the interface for entity mapping data access.
// Field mappings are embedded in the entity mapping row as JSONB.
type MappingRepository interface {
	Create(ctx context.Context, m *models.EntityMapping) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.EntityMapping, error)
	List(ctx context.Context, source models.Source) ([]*models.EntityMapping, error)
	ListEnabled(ctx context.Context) ([]*models.EntityMapping, error)

	// ReplaceFieldMappings swaps the full rule list for one entity mapping.
	ReplaceFieldMappings(ctx context.Context, id uuid.UUID, fieldMappings []models.FieldMapping) error

	// SetSyncEnabled toggles future syncs without deleting history.
	SetSyncEnabled(ctx context.Context, id uuid.UUID, enabled bool) error

	// SetLastSyncAt stamps a completed run.
	SetLastSyncAt(ctx context.Context, id uuid.UUID, at time.Time) error

	// Count returns the number of stored entity mappings.
	Count(ctx context.Context) (int64, error)
}

type mappingRepository struct {
	db *database.DB
}

// NewMappingRepository creates a new entity mapping repository.
func NewMappingRepository(db *database.DB) MappingRepository {
	return &mappingRepository{db: db}
}

const mappingColumns = `id, source, remote_model, local_collection, sync_enabled, conflict_policy, field_mappings, last_sync_at, created_at, updated_at`

func (r *mappingRepository) Create(ctx context.Context, m *models.EntityMapping) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.ConflictPolicy == "" {
		m.ConflictPolicy = models.PolicySourceMaster
	}

	fieldMappings, err := json.Marshal(m.FieldMappings)
	if err != nil {
		return fmt.Errorf("failed to marshal field mappings: %w", err)
	}

	now := time.Now()
	m.CreatedAt = now
	m.UpdatedAt = now

	query := `
		INSERT INTO entity_mappings (id, source, remote_model, local_collection, sync_enabled, conflict_policy, field_mappings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`

	_, err = r.db.Exec(ctx, query,
		m.ID, m.Source, m.RemoteModel, m.LocalCollection, m.SyncEnabled, m.ConflictPolicy, fieldMappings, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create entity mapping: %w", err)
	}
	return nil
}

func (r *mappingRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.EntityMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM entity_mappings WHERE id = $1`

	m, err := scanMapping(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get entity mapping %s: %w", id, err)
	}
	return m, nil
}

func (r *mappingRepository) List(ctx context.Context, source models.Source) ([]*models.EntityMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM entity_mappings`
	args := []any{}
	if source != "" {
		query += ` WHERE source = $1`
		args = append(args, source)
	}
	query += ` ORDER BY source, local_collection`

	return r.queryMappings(ctx, query, args...)
}

func (r *mappingRepository) ListEnabled(ctx context.Context) ([]*models.EntityMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM entity_mappings WHERE sync_enabled ORDER BY source, local_collection`
	return r.queryMappings(ctx, query)
}

func (r *mappingRepository) queryMappings(ctx context.Context, query string, args ...any) ([]*models.EntityMapping, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entity mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*models.EntityMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

func (r *mappingRepository) ReplaceFieldMappings(ctx context.Context, id uuid.UUID, fieldMappings []models.FieldMapping) error {
	payload, err := json.Marshal(fieldMappings)
	if err != nil {
		return fmt.Errorf("failed to marshal field mappings: %w", err)
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE entity_mappings SET field_mappings = $2, updated_at = NOW() WHERE id = $1`,
		id, payload)
	if err != nil {
		return fmt.Errorf("failed to replace field mappings for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *mappingRepository) SetSyncEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE entity_mappings SET sync_enabled = $2, updated_at = NOW() WHERE id = $1`,
		id, enabled)
	if err != nil {
		return fmt.Errorf("failed to toggle entity mapping %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *mappingRepository) SetLastSyncAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE entity_mappings SET last_sync_at = $2, updated_at = NOW() WHERE id = $1`,
		id, at)
	if err != nil {
		return fmt.Errorf("failed to stamp last sync for %s: %w", id, err)
	}
	return nil
}

func (r *mappingRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM entity_mappings`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count entity mappings: %w", err)
	}
	return count, nil
}

func scanMapping(row pgx.Row) (*models.EntityMapping, error) {
	var m models.EntityMapping
	var fieldMappings []byte
	err := row.Scan(
		&m.ID,
		&m.Source,
		&m.RemoteModel,
		&m.LocalCollection,
		&m.SyncEnabled,
		&m.ConflictPolicy,
		&fieldMappings,
		&m.LastSyncAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fieldMappings, &m.FieldMappings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal field mappings: %w", err)
	}
	return &m, nil
}
