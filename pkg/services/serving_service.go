package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/revlake/revlake-engine/pkg/models"
	"github.com/revlake/revlake-engine/pkg/repositories"
)

// Serving aggregate names. Dashboards read these, never the canonical zone.
const (
	AggRecordCounts    = "record_counts"
	AggActivity        = "active_vs_inactive"
	AggPipelineByStage = "pipeline_by_stage"
	AggSourceShare     = "source_contribution"
)

// ServingService maintains the serving zone: precomputed aggregates in
// Postgres with an optional Redis read-through cache. Refresh runs after
// every non-failed sync; readers never wait on a computation.
type ServingService struct {
	repo   repositories.AggregateRepository
	cache  *redis.Client // nil disables caching
	ttl    time.Duration
	logger *zap.Logger
}

// NewServingService creates a new serving-zone service. cache may be nil.
func NewServingService(repo repositories.AggregateRepository, cache *redis.Client, ttl time.Duration, logger *zap.Logger) *ServingService {
	return &ServingService{repo: repo, cache: cache, ttl: ttl, logger: logger}
}

// Refresh recomputes every aggregate from the canonical zone and overwrites
// the stored views. Partial failure leaves the previous view in place.
func (s *ServingService) Refresh(ctx context.Context) error {
	now := time.Now()

	activity, err := s.repo.ActivityByEntity(ctx)
	if err != nil {
		return fmt.Errorf("failed to compute activity aggregate: %w", err)
	}

	counts := map[string]any{}
	activityPayload := map[string]any{}
	for entityType, buckets := range activity {
		counts[entityType] = buckets["active"]
		activityPayload[entityType] = buckets
	}
	if err := s.store(ctx, &models.ServingAggregate{
		Name: AggRecordCounts, Payload: counts, ComputedAt: now,
	}); err != nil {
		return err
	}
	if err := s.store(ctx, &models.ServingAggregate{
		Name: AggActivity, Payload: activityPayload, ComputedAt: now,
	}); err != nil {
		return err
	}

	stages, err := s.repo.SumByGroup(ctx, "opportunities", "amount", "stage")
	if err != nil {
		return fmt.Errorf("failed to compute pipeline aggregate: %w", err)
	}
	stagePayload := make(map[string]any, len(stages))
	for stage, total := range stages {
		stagePayload[stage] = total
	}
	if err := s.store(ctx, &models.ServingAggregate{
		Name: AggPipelineByStage, EntityType: "opportunities", Payload: stagePayload, ComputedAt: now,
	}); err != nil {
		return err
	}

	shares, err := s.repo.ContributionBySource(ctx)
	if err != nil {
		return fmt.Errorf("failed to compute source contribution: %w", err)
	}
	sharePayload := make(map[string]any, len(shares))
	for source, count := range shares {
		sharePayload[source] = count
	}
	if err := s.store(ctx, &models.ServingAggregate{
		Name: AggSourceShare, Payload: sharePayload, ComputedAt: now,
	}); err != nil {
		return err
	}

	s.logger.Debug("serving zone refreshed", zap.Duration("took", time.Since(now)))
	return nil
}

func (s *ServingService) store(ctx context.Context, agg *models.ServingAggregate) error {
	if err := s.repo.Upsert(ctx, agg); err != nil {
		return err
	}
	if s.cache == nil {
		return nil
	}
	payload, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("failed to marshal aggregate for cache: %w", err)
	}
	if err := s.cache.Set(ctx, cacheKey(agg.Name, agg.EntityType), payload, s.ttl).Err(); err != nil {
		// Cache misses fall back to Postgres; a cache write failure is
		// not worth failing the refresh over.
		s.logger.Warn("failed to cache serving aggregate",
			zap.String("name", agg.Name), zap.Error(err))
	}
	return nil
}

// Aggregates returns the stored serving views, optionally filtered by
// entity type. Reads go to Postgres; the Redis cache serves single-view
// lookups via Aggregate.
func (s *ServingService) Aggregates(ctx context.Context, entityType string) ([]*models.ServingAggregate, error) {
	return s.repo.List(ctx, entityType)
}

// Aggregate returns one serving view, from cache when possible.
func (s *ServingService) Aggregate(ctx context.Context, name, entityType string) (*models.ServingAggregate, error) {
	if s.cache != nil {
		if payload, err := s.cache.Get(ctx, cacheKey(name, entityType)).Bytes(); err == nil {
			var agg models.ServingAggregate
			if err := json.Unmarshal(payload, &agg); err == nil {
				return &agg, nil
			}
		}
	}

	aggs, err := s.repo.List(ctx, entityType)
	if err != nil {
		return nil, err
	}
	for _, agg := range aggs {
		if agg.Name == name {
			return agg, nil
		}
	}
	return nil, fmt.Errorf("serving aggregate %s not found", name)
}

// DataLakeStats returns per-zone record counts for the stats endpoint.
func (s *ServingService) DataLakeStats(ctx context.Context) (*models.ZoneStats, error) {
	return s.repo.ZoneStats(ctx)
}

func cacheKey(name, entityType string) string {
	if entityType == "" {
		return "serving:" + name
	}
	return "serving:" + name + ":" + entityType
}
