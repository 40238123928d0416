package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/revlake/revlake-engine/pkg/apperrors"
	"github.com/revlake/revlake-engine/pkg/config"
	"github.com/revlake/revlake-engine/pkg/connectors"
	"github.com/revlake/revlake-engine/pkg/logging"
	"github.com/revlake/revlake-engine/pkg/models"
	"github.com/revlake/revlake-engine/pkg/pipeline"
	"github.com/revlake/revlake-engine/pkg/repositories"
)

// ConnectorProvider yields a live connector plus decrypted connection
// config for a source. Satisfied by ConnectionService.
type ConnectorProvider interface {
	Connector(ctx context.Context, source models.Source) (connectors.Connector, *models.Connection, error)
}

// SyncOutcome summarizes one finished run for API responses.
type SyncOutcome struct {
	LogID       uuid.UUID         `json:"log_id"`
	Entity      string            `json:"entity"`
	Source      models.Source     `json:"source"`
	Status      models.SyncStatus `json:"status"`
	Processed   int               `json:"processed"`
	Created     int               `json:"created"`
	Updated     int               `json:"updated"`
	Failed      int               `json:"failed"`
	Deactivated int64             `json:"deactivated,omitempty"`
	Message     string            `json:"message,omitempty"`
}

// PreviewRecord is one dry-run mapping result.
type PreviewRecord struct {
	SourceID string                `json:"source_id"`
	KeyValue string                `json:"key_value"`
	Fields   map[string]any        `json:"fields"`
	Unmapped []string              `json:"unmapped_source_fields,omitempty"`
	Errors   []pipeline.FieldIssue `json:"errors,omitempty"`
	Warnings []pipeline.FieldIssue `json:"warnings,omitempty"`
}

// entityLocks serializes runs per (source, remote model) pair. Runs for
// different pairs proceed concurrently; a second trigger for a held pair
// is rejected, never queued.
type entityLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newEntityLocks() *entityLocks {
	return &entityLocks{held: make(map[string]bool)}
}

func (l *entityLocks) acquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false
	}
	l.held[key] = true
	return true
}

func (l *entityLocks) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}

// SyncService orchestrates sync runs through the three zones: fetch to
// raw, map+validate, merge into canonical, then refresh serving.
type SyncService struct {
	provider  ConnectorProvider
	mappings  repositories.MappingRepository
	raw       repositories.RawRepository
	canonical repositories.CanonicalRepository
	logs      repositories.SyncLogRepository
	conflicts repositories.ConflictRepository
	resolver  pipeline.LookupResolver
	serving   *ServingService
	cfg       config.SyncConfig
	logger    *zap.Logger
	locks     *entityLocks
}

// NewSyncService creates the sync orchestrator.
func NewSyncService(
	provider ConnectorProvider,
	mappings repositories.MappingRepository,
	raw repositories.RawRepository,
	canonical repositories.CanonicalRepository,
	logs repositories.SyncLogRepository,
	conflicts repositories.ConflictRepository,
	resolver pipeline.LookupResolver,
	serving *ServingService,
	cfg config.SyncConfig,
	logger *zap.Logger,
) *SyncService {
	return &SyncService{
		provider:  provider,
		mappings:  mappings,
		raw:       raw,
		canonical: canonical,
		logs:      logs,
		conflicts: conflicts,
		resolver:  resolver,
		serving:   serving,
		cfg:       cfg,
		logger:    logger,
		locks:     newEntityLocks(),
	}
}

// Sync runs one entity mapping end to end. full forces a complete fetch
// (and soft-delete reconciliation); otherwise the run is incremental from
// the mapping's last sync time. Exactly one sync log row records the
// outcome. Returns ErrSyncInProgress when the pair is already running and
// ErrMappingDisabled when the mapping was switched off.
func (s *SyncService) Sync(ctx context.Context, mappingID uuid.UUID, full bool) (*SyncOutcome, error) {
	mapping, err := s.mappings.GetByID(ctx, mappingID)
	if err != nil {
		return nil, err
	}
	if !mapping.SyncEnabled {
		return nil, fmt.Errorf("%w: %s/%s", apperrors.ErrMappingDisabled, mapping.Source, mapping.RemoteModel)
	}

	lockKey := string(mapping.Source) + "/" + mapping.RemoteModel
	if !s.locks.acquire(lockKey) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrSyncInProgress, lockKey)
	}
	defer s.locks.release(lockKey)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout())
	defer cancel()

	started := time.Now()
	log := &models.SyncLog{
		ID:              uuid.New(),
		Source:          mapping.Source,
		EntityMappingID: mapping.ID,
		EntityType:      mapping.LocalCollection,
		Status:          models.SyncStatusRunning,
		StartedAt:       started,
	}
	if err := s.logs.Create(ctx, log); err != nil {
		return nil, fmt.Errorf("failed to open sync log: %w", err)
	}

	s.logger.Info("sync run started",
		zap.String("source", string(mapping.Source)),
		zap.String("entity", mapping.LocalCollection),
		zap.Bool("full", full),
		zap.String("run_id", log.ID.String()))

	outcome, runErr := s.run(ctx, mapping, log, full)
	if runErr != nil {
		// Connector or fetch failure: the run fails whole, nothing was
		// written to the raw zone, counts stay zero.
		log.Status = models.SyncStatusFailed
		log.Message = logging.SanitizeError(runErr)
	}

	now := time.Now()
	log.CompletedAt = &now
	if err := s.logs.Finish(context.WithoutCancel(ctx), log); err != nil {
		s.logger.Error("failed to finalize sync log", zap.Error(err))
	}

	if log.Status != models.SyncStatusFailed {
		if err := s.mappings.SetLastSyncAt(context.WithoutCancel(ctx), mapping.ID, started); err != nil {
			s.logger.Error("failed to stamp last sync time", zap.Error(err))
		}
		if s.serving != nil {
			if err := s.serving.Refresh(context.WithoutCancel(ctx)); err != nil {
				s.logger.Error("failed to refresh serving zone", zap.Error(err))
			}
		}
	}

	s.logger.Info("sync run finished",
		zap.String("run_id", log.ID.String()),
		zap.String("status", string(log.Status)),
		zap.Int("processed", log.Processed),
		zap.Int("created", log.Created),
		zap.Int("updated", log.Updated),
		zap.Int("failed", log.Failed))

	if outcome == nil {
		outcome = &SyncOutcome{}
	}
	outcome.LogID = log.ID
	outcome.Entity = mapping.LocalCollection
	outcome.Source = mapping.Source
	outcome.Status = log.Status
	outcome.Processed = log.Processed
	outcome.Created = log.Created
	outcome.Updated = log.Updated
	outcome.Failed = log.Failed
	outcome.Message = log.Message
	return outcome, nil
}

// run executes the fetch-archive-transform-load stages. A returned error
// means nothing reached the raw zone and the run is failed; per-record
// problems are counted on the log instead of returned.
func (s *SyncService) run(ctx context.Context, mapping *models.EntityMapping, log *models.SyncLog, full bool) (*SyncOutcome, error) {
	connector, conn, err := s.provider.Connector(ctx, mapping.Source)
	if err != nil {
		return nil, err
	}

	opts := connectors.FetchOptions{
		Fields:   sourceFields(mapping),
		PageSize: s.cfg.FetchPageSize,
	}
	if !full && mapping.LastSyncAt != nil {
		opts.Incremental = true
		opts.Since = mapping.LastSyncAt
	}

	fetched, err := connector.FetchEntity(ctx, conn, mapping.RemoteModel, opts)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}

	fetchedAt := time.Now()
	rawBatch := make([]*models.RawRecord, 0, len(fetched.Records))
	for _, payload := range fetched.Records {
		rawBatch = append(rawBatch, &models.RawRecord{
			Source:     mapping.Source,
			EntityType: mapping.LocalCollection,
			Payload:    payload,
			FetchedAt:  fetchedAt,
			SyncRunID:  log.ID,
		})
	}
	if err := s.raw.InsertBatch(ctx, rawBatch); err != nil {
		return nil, err
	}

	rules := pipeline.RulesForMapping(mapping)
	seenSourceIDs := make([]string, 0, len(fetched.Records))

	for _, payload := range fetched.Records {
		if err := ctx.Err(); err != nil {
			// Budget exhausted: committed records stand, the run fails.
			return nil, fmt.Errorf("run timed out after %d of %d records: %w",
				log.Processed, len(fetched.Records), err)
		}

		log.Processed++
		if sourceID := pipeline.ExtractSourceID(payload); sourceID != "" {
			seenSourceIDs = append(seenSourceIDs, sourceID)
		}
		s.loadRecord(ctx, mapping, log, payload, rules)
	}

	outcome := &SyncOutcome{}
	if full {
		deactivated, err := s.canonical.DeactivateMissing(ctx,
			mapping.LocalCollection, mapping.Source, seenSourceIDs, time.Now())
		if err != nil {
			s.logger.Error("soft-delete reconciliation failed", zap.Error(err))
		} else {
			outcome.Deactivated = deactivated
		}
	}

	switch {
	case log.Failed > 0:
		log.Status = models.SyncStatusPartial
	default:
		log.Status = models.SyncStatusSuccess
	}
	return outcome, nil
}

// loadRecord maps, validates and merges one raw payload. Failures are
// isolated: they count against the log and never abort the run.
func (s *SyncService) loadRecord(ctx context.Context, mapping *models.EntityMapping, log *models.SyncLog, payload connectors.RawPayload, rules []pipeline.Rule) {
	mapped := pipeline.Map(ctx, payload, mapping, s.resolver)

	result := pipeline.Validate(mapped, rules)
	if !result.Valid {
		log.Failed++
		for _, e := range result.Errors {
			e.SourceID = mapped.SourceID
			log.AppendError(e, s.cfg.MaxLoggedErrors)
		}
		return
	}

	existing, err := s.findExisting(ctx, mapping, mapped)
	if err != nil {
		log.Failed++
		log.AppendError(models.RecordError{
			SourceID: mapped.SourceID,
			Message:  logging.SanitizeError(err),
		}, s.cfg.MaxLoggedErrors)
		return
	}

	decision := pipeline.Merge(existing, mapped, pipeline.MergeInput{
		EntityType: mapping.LocalCollection,
		Source:     mapping.Source,
		SourceID:   mapped.SourceID,
		Policy:     mapping.ConflictPolicy,
		Now:        time.Now(),
	})

	// An unchanged record writes nothing and counts as neither created nor
	// updated; disagreements it surfaced are still recorded.
	if decision.Action != pipeline.ActionNone {
		if err := s.canonical.Upsert(ctx, decision.Record); err != nil {
			log.Failed++
			log.AppendError(models.RecordError{
				SourceID: mapped.SourceID,
				Message:  logging.SanitizeError(err),
			}, s.cfg.MaxLoggedErrors)
			return
		}
	}
	if len(decision.Conflicts) > 0 {
		if err := s.conflicts.CreateBatch(ctx, decision.Conflicts); err != nil {
			s.logger.Error("failed to record merge conflicts", zap.Error(err))
		}
	}

	switch decision.Action {
	case pipeline.ActionCreate:
		log.Created++
	case pipeline.ActionUpdate:
		log.Updated++
	}
}

// findExisting matches an incoming record to the canonical zone: exact
// (source, source_id) ref first, then the normalized business key, which
// is what merges the same real-world entity across sources.
func (s *SyncService) findExisting(ctx context.Context, mapping *models.EntityMapping, mapped *pipeline.MappedRecord) (*models.CanonicalRecord, error) {
	if mapped.SourceID != "" {
		rec, err := s.canonical.FindBySourceRef(ctx, mapping.LocalCollection, mapping.Source, mapped.SourceID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
	}

	rec, err := s.canonical.GetByKey(ctx, mapping.LocalCollection, mapped.KeyValue)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// SyncAll runs every enabled mapping with bounded concurrency. The set is
// snapshotted at trigger time; a mapping disabled while the batch runs is
// skipped when its turn comes (in-flight runs always finish and log).
func (s *SyncService) SyncAll(ctx context.Context, full bool) []*SyncOutcome {
	mappings, err := s.mappings.ListEnabled(ctx)
	if err != nil {
		s.logger.Error("failed to snapshot enabled mappings", zap.Error(err))
		return nil
	}

	results := make([]*SyncOutcome, len(mappings))
	p := pool.New().WithMaxGoroutines(s.cfg.SyncAllConcurrency)
	for i, mapping := range mappings {
		p.Go(func() {
			outcome, err := s.Sync(ctx, mapping.ID, full)
			if err != nil {
				outcome = &SyncOutcome{
					Entity:  mapping.LocalCollection,
					Source:  mapping.Source,
					Status:  models.SyncStatusFailed,
					Message: logging.SanitizeError(err),
				}
				// A mapping disabled after the snapshot never ran; that is
				// a skip, not a failure.
				if errors.Is(err, apperrors.ErrMappingDisabled) {
					outcome.Status = models.SyncStatusSkipped
					outcome.Message = "mapping disabled"
				}
			}
			results[i] = outcome
		})
	}
	p.Wait()
	return results
}

// Preview fetches a handful of records and runs them through the field
// mapper without touching any zone. limit is capped at one fetch page.
func (s *SyncService) Preview(ctx context.Context, mappingID uuid.UUID, limit int) ([]PreviewRecord, error) {
	mapping, err := s.mappings.GetByID(ctx, mappingID)
	if err != nil {
		return nil, err
	}

	connector, conn, err := s.provider.Connector(ctx, mapping.Source)
	if err != nil {
		return nil, err
	}

	if limit <= 0 || limit > s.cfg.FetchPageSize {
		limit = 10
	}
	fetched, err := connector.FetchEntity(ctx, conn, mapping.RemoteModel, connectors.FetchOptions{
		Fields:   sourceFields(mapping),
		PageSize: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("preview fetch failed: %w", err)
	}

	records := fetched.Records
	if len(records) > limit {
		records = records[:limit]
	}

	previews := make([]PreviewRecord, 0, len(records))
	for _, payload := range records {
		mapped := pipeline.Map(ctx, payload, mapping, s.resolver)
		previews = append(previews, PreviewRecord{
			SourceID: mapped.SourceID,
			KeyValue: mapped.KeyValue,
			Fields:   mapped.Fields,
			Unmapped: mapped.UnmappedSourceFields,
			Errors:   mapped.Errors,
			Warnings: mapped.Warnings,
		})
	}
	return previews, nil
}

// Reconcile backfills lookup fields that were null when their referenced
// entities had not synced yet. It re-maps the raw payloads of each
// mapping's last completed run and patches canonical records whose lookup
// targets now resolve.
func (s *SyncService) Reconcile(ctx context.Context) error {
	mappings, err := s.mappings.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("failed to list mappings for reconciliation: %w", err)
	}

	for _, mapping := range mappings {
		lookups := lookupFields(mapping)
		if len(lookups) == 0 {
			continue
		}
		if err := s.reconcileMapping(ctx, mapping, lookups); err != nil {
			s.logger.Error("reconciliation pass failed",
				zap.String("source", string(mapping.Source)),
				zap.String("entity", mapping.LocalCollection),
				zap.Error(err))
		}
	}
	return nil
}

func (s *SyncService) reconcileMapping(ctx context.Context, mapping *models.EntityMapping, lookups []string) error {
	last, err := s.logs.LastCompleted(ctx, mapping.ID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return err
	}

	raws, err := s.raw.ListByRun(ctx, last.ID)
	if err != nil {
		return err
	}

	patched := 0
	for _, raw := range raws {
		mapped := pipeline.Map(ctx, raw.Payload, mapping, s.resolver)
		if mapped.SourceID == "" {
			continue
		}

		rec, err := s.canonical.FindBySourceRef(ctx, mapping.LocalCollection, mapping.Source, mapped.SourceID)
		if err != nil {
			continue
		}

		changed := false
		for _, field := range lookups {
			if rec.Fields[field] == nil && mapped.Fields[field] != nil {
				rec.Fields[field] = mapped.Fields[field]
				changed = true
			}
		}
		if !changed {
			continue
		}
		rec.LastSynced = time.Now()
		if err := s.canonical.Upsert(ctx, rec); err != nil {
			return err
		}
		patched++
	}

	if patched > 0 {
		s.logger.Info("backfilled lookup references",
			zap.String("entity", mapping.LocalCollection),
			zap.Int("records", patched))
	}
	return nil
}

func sourceFields(m *models.EntityMapping) []string {
	fields := make([]string, 0, len(m.FieldMappings))
	for _, fm := range m.EnabledFieldMappings() {
		if fm.Transform == models.TransformDefault || fm.SourceField == "" {
			continue
		}
		fields = append(fields, fm.SourceField)
	}
	return fields
}

func lookupFields(m *models.EntityMapping) []string {
	var fields []string
	for _, fm := range m.EnabledFieldMappings() {
		if fm.Transform == models.TransformLookup {
			fields = append(fields, fm.TargetField)
		}
	}
	return fields
}
