package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/revlake/revlake-engine/pkg/apperrors"
	"github.com/revlake/revlake-engine/pkg/database"
	"github.com/revlake/revlake-engine/pkg/models"
)

// SyncLogRepository persists sync run history.
type SyncLogRepository interface {
	Create(ctx context.Context, log *models.SyncLog) error

	// Finish writes the terminal state of a run: status, counts, bounded
	// error list, completion time.
	Finish(ctx context.Context, log *models.SyncLog) error

	GetByID(ctx context.Context, id uuid.UUID) (*models.SyncLog, error)
	List(ctx context.Context, source models.Source, limit, offset int) ([]*models.SyncLog, error)
	LastCompleted(ctx context.Context, entityMappingID uuid.UUID) (*models.SyncLog, error)
}

type syncLogRepository struct {
	db *database.DB
}

// NewSyncLogRepository creates a new sync log repository.
func NewSyncLogRepository(db *database.DB) SyncLogRepository {
	return &syncLogRepository{db: db}
}

const syncLogColumns = `id, source, entity_mapping_id, entity_type, status, started_at, completed_at, processed, created, updated, failed, errors, message`

func (r *syncLogRepository) Create(ctx context.Context, log *models.SyncLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}

	query := `
		INSERT INTO sync_logs (id, source, entity_mapping_id, entity_type, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.Exec(ctx, query,
		log.ID, log.Source, log.EntityMappingID, log.EntityType, log.Status, log.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create sync log: %w", err)
	}
	return nil
}

func (r *syncLogRepository) Finish(ctx context.Context, log *models.SyncLog) error {
	errs, err := json.Marshal(log.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal sync errors: %w", err)
	}
	if log.Errors == nil {
		errs = []byte(`[]`)
	}

	query := `
		UPDATE sync_logs
		SET status = $2, completed_at = $3, processed = $4, created = $5,
		    updated = $6, failed = $7, errors = $8, message = $9
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query,
		log.ID, log.Status, log.CompletedAt,
		log.Processed, log.Created, log.Updated, log.Failed, errs, log.Message)
	if err != nil {
		return fmt.Errorf("failed to finish sync log %s: %w", log.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *syncLogRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncLog, error) {
	query := `SELECT ` + syncLogColumns + ` FROM sync_logs WHERE id = $1`
	log, err := scanSyncLog(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get sync log %s: %w", id, err)
	}
	return log, nil
}

func (r *syncLogRepository) List(ctx context.Context, source models.Source, limit, offset int) ([]*models.SyncLog, error) {
	query := `SELECT ` + syncLogColumns + ` FROM sync_logs`
	args := []any{}
	if source != "" {
		query += ` WHERE source = $1`
		args = append(args, source)
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.SyncLog
	for rows.Next() {
		log, err := scanSyncLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

func (r *syncLogRepository) LastCompleted(ctx context.Context, entityMappingID uuid.UUID) (*models.SyncLog, error) {
	query := `
		SELECT ` + syncLogColumns + `
		FROM sync_logs
		WHERE entity_mapping_id = $1 AND status IN ('success', 'partial')
		ORDER BY started_at DESC
		LIMIT 1`

	log, err := scanSyncLog(r.db.QueryRow(ctx, query, entityMappingID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get last completed sync log: %w", err)
	}
	return log, nil
}

func scanSyncLog(row pgx.Row) (*models.SyncLog, error) {
	var log models.SyncLog
	var errs []byte
	err := row.Scan(
		&log.ID,
		&log.Source,
		&log.EntityMappingID,
		&log.EntityType,
		&log.Status,
		&log.StartedAt,
		&log.CompletedAt,
		&log.Processed,
		&log.Created,
		&log.Updated,
		&log.Failed,
		&errs,
		&log.Message,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(errs, &log.Errors); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sync errors: %w", err)
	}
	return &log, nil
}
