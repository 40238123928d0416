package services

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler drives the background passes: a periodic incremental sync of
// every enabled mapping, followed by the lookup-backfill reconciliation.
// Overlap protection comes from the orchestrator's per-entity locks; a
// tick that finds a pair still running simply skips it.
type Scheduler struct {
	sync     *SyncService
	schedule string
	cron     *cron.Cron
	logger   *zap.Logger
}

// NewScheduler creates a scheduler. An empty schedule disables it.
func NewScheduler(sync *SyncService, schedule string, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		sync:     sync,
		schedule: schedule,
		cron:     cron.New(),
		logger:   logger,
	}
}

// Start registers the background job and begins ticking. Returns an error
// only for an unparseable schedule.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.schedule == "" {
		s.logger.Info("background sync disabled")
		return nil
	}

	_, err := s.cron.AddFunc(s.schedule, func() {
		s.tick(ctx)
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("background sync scheduled", zap.String("schedule", s.schedule))
	return nil
}

// Stop halts the scheduler, waiting for a running tick to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) tick(ctx context.Context) {
	results := s.sync.SyncAll(ctx, false)
	for _, r := range results {
		if r == nil {
			continue
		}
		s.logger.Debug("scheduled sync result",
			zap.String("entity", r.Entity),
			zap.String("status", string(r.Status)))
	}

	if err := s.sync.Reconcile(ctx); err != nil {
		s.logger.Error("scheduled reconciliation failed", zap.Error(err))
	}
}
