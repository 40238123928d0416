package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/revlake/revlake-engine/pkg/apperrors"
	"github.com/revlake/revlake-engine/pkg/database"
	"github.com/revlake/revlake-engine/pkg/models"
)

// ConflictRepository persists field-level merge conflicts awaiting review.
type ConflictRepository interface {
	CreateBatch(ctx context.Context, conflicts []models.Conflict) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Conflict, error)
	List(ctx context.Context, status models.ConflictStatus, limit, offset int) ([]*models.Conflict, error)
	Resolve(ctx context.Context, id uuid.UUID, resolution string, at time.Time) (*models.Conflict, error)
	CountOpen(ctx context.Context) (int64, error)
}

type conflictRepository struct {
	db *database.DB
}

// NewConflictRepository creates a new conflict repository.
func NewConflictRepository(db *database.DB) ConflictRepository {
	return &conflictRepository{db: db}
}

const conflictColumns = `id, canonical_id, entity_type, field, existing_value, incoming_value, incoming_source, status, resolution, resolved_at, created_at`

func (r *conflictRepository) CreateBatch(ctx context.Context, conflicts []models.Conflict) error {
	if len(conflicts) == 0 {
		return nil
	}

	query := `
		INSERT INTO sync_conflicts (id, canonical_id, entity_type, field, existing_value, incoming_value, incoming_source, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	batch := &pgx.Batch{}
	for _, c := range conflicts {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		existing, err := json.Marshal(c.ExistingValue)
		if err != nil {
			return fmt.Errorf("failed to marshal existing value: %w", err)
		}
		incoming, err := json.Marshal(c.IncomingValue)
		if err != nil {
			return fmt.Errorf("failed to marshal incoming value: %w", err)
		}
		batch.Queue(query, c.ID, c.CanonicalID, c.EntityType, c.Field,
			existing, incoming, c.IncomingSource, models.ConflictStatusOpen, c.CreatedAt)
	}
	if err := r.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert conflicts: %w", err)
	}
	return nil
}

func (r *conflictRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE id = $1`
	c, err := scanConflict(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conflict %s: %w", id, err)
	}
	return c, nil
}

func (r *conflictRepository) List(ctx context.Context, status models.ConflictStatus, limit, offset int) ([]*models.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

func (r *conflictRepository) Resolve(ctx context.Context, id uuid.UUID, resolution string, at time.Time) (*models.Conflict, error) {
	query := `
		UPDATE sync_conflicts
		SET status = $2, resolution = $3, resolved_at = $4
		WHERE id = $1 AND status = $5
		RETURNING ` + conflictColumns

	c, err := scanConflict(r.db.QueryRow(ctx, query,
		id, models.ConflictStatusResolved, resolution, at, models.ConflictStatusOpen))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either missing or already resolved; disambiguate for the caller.
			if _, getErr := r.GetByID(ctx, id); getErr == nil {
				return nil, apperrors.ErrConflict
			}
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve conflict %s: %w", id, err)
	}
	return c, nil
}

func (r *conflictRepository) CountOpen(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM sync_conflicts WHERE status = $1`,
		models.ConflictStatusOpen).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count open conflicts: %w", err)
	}
	return count, nil
}

func scanConflict(row pgx.Row) (*models.Conflict, error) {
	var c models.Conflict
	var existing, incoming []byte
	err := row.Scan(
		&c.ID,
		&c.CanonicalID,
		&c.EntityType,
		&c.Field,
		&existing,
		&incoming,
		&c.IncomingSource,
		&c.Status,
		&c.Resolution,
		&c.ResolvedAt,
		&c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &c.ExistingValue); err != nil {
			return nil, fmt.Errorf("failed to unmarshal existing value: %w", err)
		}
	}
	if len(incoming) > 0 {
		if err := json.Unmarshal(incoming, &c.IncomingValue); err != nil {
			return nil, fmt.Errorf("failed to unmarshal incoming value: %w", err)
		}
	}
	return &c, nil
}
