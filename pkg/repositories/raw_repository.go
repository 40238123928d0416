package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/revlake/revlake-engine/pkg/database"
	"github.com/revlake/revlake-engine/pkg/models"
)

// RawRepository archives source payloads exactly as fetched. Rows are
// append-only: a record that changes upstream produces a new row, never
// an update to an old one.
type RawRepository interface {
	InsertBatch(ctx context.Context, records []*models.RawRecord) error
	ListByRun(ctx context.Context, syncRunID uuid.UUID) ([]*models.RawRecord, error)
	Count(ctx context.Context) (int64, error)
}

type rawRepository struct {
	db *database.DB
}

// NewRawRepository creates a new raw record repository.
func NewRawRepository(db *database.DB) RawRepository {
	return &rawRepository{db: db}
}

func (r *rawRepository) InsertBatch(ctx context.Context, records []*models.RawRecord) error {
	if len(records) == 0 {
		return nil
	}

	query := `
		INSERT INTO raw_records (source, entity_type, payload, fetched_at, sync_run_id)
		VALUES ($1, $2, $3, $4, $5)`

	// One round trip per page of records.
	batch := &pgx.Batch{}
	for _, rec := range records {
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal raw payload: %w", err)
		}
		batch.Queue(query, rec.Source, rec.EntityType, payload, rec.FetchedAt, rec.SyncRunID)
	}
	if err := r.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert raw records: %w", err)
	}
	return nil
}

func (r *rawRepository) ListByRun(ctx context.Context, syncRunID uuid.UUID) ([]*models.RawRecord, error) {
	query := `
		SELECT id, source, entity_type, payload, fetched_at, sync_run_id
		FROM raw_records
		WHERE sync_run_id = $1
		ORDER BY id`

	rows, err := r.db.Query(ctx, query, syncRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to list raw records: %w", err)
	}
	defer rows.Close()

	var records []*models.RawRecord
	for rows.Next() {
		var rec models.RawRecord
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.Source, &rec.EntityType, &payload, &rec.FetchedAt, &rec.SyncRunID); err != nil {
			return nil, fmt.Errorf("failed to scan raw record: %w", err)
		}
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal raw payload: %w", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (r *rawRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM raw_records`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count raw records: %w", err)
	}
	return count, nil
}
