package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/revlake/revlake-engine/pkg/database"
	"github.com/revlake/revlake-engine/pkg/models"
)

// AggregateRepository persists the serving zone: precomputed views keyed
// by (name, entity_type), overwritten on every refresh.
type AggregateRepository interface {
	Upsert(ctx context.Context, agg *models.ServingAggregate) error
	List(ctx context.Context, entityType string) ([]*models.ServingAggregate, error)
	Count(ctx context.Context) (int64, error)

	// ZoneStats gathers per-zone record counts in one pass.
	ZoneStats(ctx context.Context) (*models.ZoneStats, error)

	// ActivityByEntity returns active/inactive canonical counts per entity type.
	ActivityByEntity(ctx context.Context) (map[string]map[string]int64, error)

	// SumByGroup sums a numeric canonical field grouped by another field,
	// over active records of one entity type. Non-numeric values count as 0.
	SumByGroup(ctx context.Context, entityType, valueField, groupField string) (map[string]float64, error)

	// ContributionBySource counts active canonical records fed by each source.
	ContributionBySource(ctx context.Context) (map[string]int64, error)
}

type aggregateRepository struct {
	db *database.DB
}

// NewAggregateRepository creates a new serving aggregate repository.
func NewAggregateRepository(db *database.DB) AggregateRepository {
	return &aggregateRepository{db: db}
}

func (r *aggregateRepository) Upsert(ctx context.Context, agg *models.ServingAggregate) error {
	payload, err := json.Marshal(agg.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal aggregate payload: %w", err)
	}

	query := `
		INSERT INTO serving_aggregates (name, entity_type, payload, computed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name, entity_type) DO UPDATE SET
			payload = EXCLUDED.payload,
			computed_at = EXCLUDED.computed_at`

	_, err = r.db.Exec(ctx, query, agg.Name, agg.EntityType, payload, agg.ComputedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert serving aggregate %s: %w", agg.Name, err)
	}
	return nil
}

func (r *aggregateRepository) List(ctx context.Context, entityType string) ([]*models.ServingAggregate, error) {
	query := `SELECT name, entity_type, payload, computed_at FROM serving_aggregates`
	args := []any{}
	if entityType != "" {
		query += ` WHERE entity_type = $1`
		args = append(args, entityType)
	}
	query += ` ORDER BY name, entity_type`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list serving aggregates: %w", err)
	}
	defer rows.Close()

	var aggs []*models.ServingAggregate
	for rows.Next() {
		var agg models.ServingAggregate
		var payload []byte
		if err := rows.Scan(&agg.Name, &agg.EntityType, &payload, &agg.ComputedAt); err != nil {
			return nil, fmt.Errorf("failed to scan serving aggregate: %w", err)
		}
		if err := json.Unmarshal(payload, &agg.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal aggregate payload: %w", err)
		}
		aggs = append(aggs, &agg)
	}
	return aggs, rows.Err()
}

func (r *aggregateRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM serving_aggregates`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count serving aggregates: %w", err)
	}
	return count, nil
}

func (r *aggregateRepository) ActivityByEntity(ctx context.Context) (map[string]map[string]int64, error) {
	query := `
		SELECT entity_type,
		       COUNT(*) FILTER (WHERE is_active),
		       COUNT(*) FILTER (WHERE NOT is_active)
		FROM canonical_records
		GROUP BY entity_type`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count activity by entity: %w", err)
	}
	defer rows.Close()

	result := map[string]map[string]int64{}
	for rows.Next() {
		var entityType string
		var active, inactive int64
		if err := rows.Scan(&entityType, &active, &inactive); err != nil {
			return nil, fmt.Errorf("failed to scan activity counts: %w", err)
		}
		result[entityType] = map[string]int64{"active": active, "inactive": inactive}
	}
	return result, rows.Err()
}

func (r *aggregateRepository) SumByGroup(ctx context.Context, entityType, valueField, groupField string) (map[string]float64, error) {
	// Field names come from shipped aggregate definitions, not user input,
	// but they are still passed as JSONB path arguments rather than spliced
	// into the statement.
	query := `
		SELECT COALESCE(fields->>$2, 'unknown'),
		       COALESCE(SUM(CASE
			       WHEN fields->>$3 ~ '^-?[0-9]+(\.[0-9]+)?$'
			       THEN (fields->>$3)::numeric
			       ELSE 0
		       END), 0)
		FROM canonical_records
		WHERE entity_type = $1 AND is_active
		GROUP BY 1`

	rows, err := r.db.Query(ctx, query, entityType, groupField, valueField)
	if err != nil {
		return nil, fmt.Errorf("failed to sum %s by %s: %w", valueField, groupField, err)
	}
	defer rows.Close()

	result := map[string]float64{}
	for rows.Next() {
		var group string
		var sum float64
		if err := rows.Scan(&group, &sum); err != nil {
			return nil, fmt.Errorf("failed to scan grouped sum: %w", err)
		}
		result[group] = sum
	}
	return result, rows.Err()
}

func (r *aggregateRepository) ContributionBySource(ctx context.Context) (map[string]int64, error) {
	query := `
		SELECT s->>'source', COUNT(DISTINCT id)
		FROM canonical_records, jsonb_array_elements(sources) s
		WHERE is_active
		GROUP BY 1`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count contribution by source: %w", err)
	}
	defer rows.Close()

	result := map[string]int64{}
	for rows.Next() {
		var source string
		var count int64
		if err := rows.Scan(&source, &count); err != nil {
			return nil, fmt.Errorf("failed to scan source contribution: %w", err)
		}
		result[source] = count
	}
	return result, rows.Err()
}

func (r *aggregateRepository) ZoneStats(ctx context.Context) (*models.ZoneStats, error) {
	stats := &models.ZoneStats{ByEntityType: map[string]int64{}}

	query := `
		SELECT
			(SELECT COUNT(*) FROM raw_records),
			(SELECT COUNT(*) FROM canonical_records),
			(SELECT COUNT(*) FROM canonical_records WHERE is_active),
			(SELECT COUNT(*) FROM serving_aggregates),
			(SELECT COUNT(*) FROM sync_logs)`

	err := r.db.QueryRow(ctx, query).Scan(
		&stats.RawRecords,
		&stats.CanonicalRecords,
		&stats.CanonicalActive,
		&stats.ServingViews,
		&stats.SyncRuns,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to gather zone stats: %w", err)
	}

	rows, err := r.db.Query(ctx,
		`SELECT entity_type, COUNT(*) FROM canonical_records GROUP BY entity_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count records by entity type: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entityType string
		var count int64
		if err := rows.Scan(&entityType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan entity type count: %w", err)
		}
		stats.ByEntityType[entityType] = count
	}
	return stats, rows.Err()
}
