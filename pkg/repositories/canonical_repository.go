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

// CanonicalRepository manages the merged, deduplicated zone. Upserts key
// on (entity_type, key_value), so replaying a sync run converges to the
// same rows.
type CanonicalRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.CanonicalRecord, error)
	GetByKey(ctx context.Context, entityType, keyValue string) (*models.CanonicalRecord, error)

	// FindBySourceRef locates the record a given source row already merged
	// into, regardless of business key. Used by lookup resolution.
	FindBySourceRef(ctx context.Context, entityType string, source models.Source, sourceID string) (*models.CanonicalRecord, error)

	Upsert(ctx context.Context, rec *models.CanonicalRecord) error
	List(ctx context.Context, entityType string, activeOnly bool, limit, offset int) ([]*models.CanonicalRecord, error)

	// DeactivateMissing soft-deletes active records of one source and type
	// whose source IDs no longer appear upstream. Returns the number of
	// records deactivated.
	DeactivateMissing(ctx context.Context, entityType string, source models.Source, seenSourceIDs []string, at time.Time) (int64, error)

	Count(ctx context.Context, entityType string) (int64, error)

	// ResolveReference maps a source row ID to the canonical record it
	// merged into. Satisfies the field mapper's LookupResolver.
	ResolveReference(ctx context.Context, entityType string, source models.Source, sourceID string) (uuid.UUID, bool, error)
}

type canonicalRepository struct {
	db *database.DB
}

// NewCanonicalRepository creates a new canonical record repository.
func NewCanonicalRepository(db *database.DB) CanonicalRepository {
	return &canonicalRepository{db: db}
}

const canonicalColumns = `id, entity_type, key_value, fields, sources, source_updated_at, is_active, deactivated_at, last_synced, created_at, updated_at`

func (r *canonicalRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.CanonicalRecord, error) {
	query := `SELECT ` + canonicalColumns + ` FROM canonical_records WHERE id = $1`
	rec, err := scanCanonical(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get canonical record %s: %w", id, err)
	}
	return rec, nil
}

func (r *canonicalRepository) GetByKey(ctx context.Context, entityType, keyValue string) (*models.CanonicalRecord, error) {
	query := `SELECT ` + canonicalColumns + ` FROM canonical_records WHERE entity_type = $1 AND key_value = $2`
	rec, err := scanCanonical(r.db.QueryRow(ctx, query, entityType, keyValue))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get canonical record by key: %w", err)
	}
	return rec, nil
}

func (r *canonicalRepository) FindBySourceRef(ctx context.Context, entityType string, source models.Source, sourceID string) (*models.CanonicalRecord, error) {
	// The sources column is a JSONB array of {source, source_id} refs.
	query := `
		SELECT ` + canonicalColumns + `
		FROM canonical_records
		WHERE entity_type = $1 AND sources @> $2`

	ref, err := json.Marshal([]map[string]string{{"source": string(source), "source_id": sourceID}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal source ref: %w", err)
	}

	rec, err := scanCanonical(r.db.QueryRow(ctx, query, entityType, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find canonical record by source ref: %w", err)
	}
	return rec, nil
}

func (r *canonicalRepository) Upsert(ctx context.Context, rec *models.CanonicalRecord) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal canonical fields: %w", err)
	}
	sources, err := json.Marshal(rec.Sources)
	if err != nil {
		return fmt.Errorf("failed to marshal source refs: %w", err)
	}

	// Two runs can race to create the same identity from different sources;
	// the loser's write arrives without the winner's source refs. Unioning
	// sources in SQL keeps every (source, source_id) pair either run saw.
	// For a pair present on both sides the incoming ref wins, since the
	// writer computed it from the row it read.
	query := `
		INSERT INTO canonical_records (id, entity_type, key_value, fields, sources, source_updated_at, is_active, deactivated_at, last_synced, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (entity_type, key_value) DO UPDATE SET
			fields = EXCLUDED.fields,
			sources = (
				SELECT COALESCE(jsonb_agg(src ORDER BY ord), '[]'::jsonb)
				FROM (
					SELECT DISTINCT ON (src->>'source', src->>'source_id') src, ord
					FROM jsonb_array_elements(EXCLUDED.sources || canonical_records.sources)
					     WITH ORDINALITY AS t(src, ord)
					ORDER BY src->>'source', src->>'source_id', ord
				) dedup
			),
			source_updated_at = EXCLUDED.source_updated_at,
			is_active = EXCLUDED.is_active,
			deactivated_at = EXCLUDED.deactivated_at,
			last_synced = EXCLUDED.last_synced,
			updated_at = NOW()`

	_, err = r.db.Exec(ctx, query,
		rec.ID, rec.EntityType, rec.KeyValue, fields, sources,
		rec.SourceUpdatedAt, rec.IsActive, rec.DeactivatedAt, rec.LastSynced)
	if err != nil {
		return fmt.Errorf("failed to upsert canonical record: %w", err)
	}
	return nil
}

func (r *canonicalRepository) List(ctx context.Context, entityType string, activeOnly bool, limit, offset int) ([]*models.CanonicalRecord, error) {
	query := `SELECT ` + canonicalColumns + ` FROM canonical_records WHERE entity_type = $1`
	if activeOnly {
		query += ` AND is_active`
	}
	query += ` ORDER BY key_value LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, entityType, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list canonical records: %w", err)
	}
	defer rows.Close()

	var records []*models.CanonicalRecord
	for rows.Next() {
		rec, err := scanCanonical(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan canonical record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *canonicalRepository) DeactivateMissing(ctx context.Context, entityType string, source models.Source, seenSourceIDs []string, at time.Time) (int64, error) {
	ref, err := json.Marshal([]map[string]string{{"source": string(source)}})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal source ref: %w", err)
	}

	// Only records fed by this source are candidates. A record also fed
	// by another source stays active; its other feed still vouches for it.
	query := `
		UPDATE canonical_records
		SET is_active = FALSE, deactivated_at = $4, updated_at = NOW()
		WHERE entity_type = $1
		  AND is_active
		  AND sources @> $2
		  AND jsonb_array_length(sources) = 1
		  AND NOT EXISTS (
			SELECT 1 FROM jsonb_array_elements(sources) s
			WHERE s->>'source' = $3 AND s->>'source_id' = ANY($5)
		  )`

	tag, err := r.db.Exec(ctx, query, entityType, ref, string(source), at, seenSourceIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate missing records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *canonicalRepository) Count(ctx context.Context, entityType string) (int64, error) {
	query := `SELECT COUNT(*) FROM canonical_records`
	args := []any{}
	if entityType != "" {
		query += ` WHERE entity_type = $1`
		args = append(args, entityType)
	}
	var count int64
	if err := r.db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count canonical records: %w", err)
	}
	return count, nil
}

// ResolveReference satisfies pipeline.LookupResolver: it maps a source
// row ID to the canonical record it merged into, if any.
func (r *canonicalRepository) ResolveReference(ctx context.Context, entityType string, source models.Source, sourceID string) (uuid.UUID, bool, error) {
	rec, err := r.FindBySourceRef(ctx, entityType, source, sourceID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, err
	}
	return rec.ID, true, nil
}

func scanCanonical(row pgx.Row) (*models.CanonicalRecord, error) {
	var rec models.CanonicalRecord
	var fields, sources []byte
	err := row.Scan(
		&rec.ID,
		&rec.EntityType,
		&rec.KeyValue,
		&fields,
		&sources,
		&rec.SourceUpdatedAt,
		&rec.IsActive,
		&rec.DeactivatedAt,
		&rec.LastSynced,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fields, &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal canonical fields: %w", err)
	}
	if err := json.Unmarshal(sources, &rec.Sources); err != nil {
		return nil, fmt.Errorf("failed to unmarshal source refs: %w", err)
	}
	return &rec, nil
}
