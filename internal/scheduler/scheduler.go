// Package scheduler runs the periodic SLA sweep: find instances sitting past
// their stage deadline and fire their escalation policies.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/attestia/stageflow/internal/engine"
)

const defaultInterval = time.Minute

// MetricsRecorder receives sweep observations. A nil recorder disables them.
type MetricsRecorder interface {
	RecordSweep(duration time.Duration, overdue int)
}

// Scheduler periodically scans for overdue instances and hands each one to
// the engine's escalation path. Fire-once semantics live in the instance's
// EscalatedAt marker and the store's version check, not here, so running
// several scheduler replicas is safe; at most one wins each breach.
type Scheduler struct {
	engine   *engine.Engine
	store    engine.InstanceStore
	interval time.Duration
	log      *zap.Logger
	metrics  MetricsRecorder
	now      func() time.Time
}

// New creates a scheduler sweeping at the given interval.
func New(eng *engine.Engine, interval time.Duration, log *zap.Logger, metrics MetricsRecorder) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Scheduler{
		engine:   eng,
		store:    eng.Store(),
		interval: interval,
		log:      log,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps until the context is cancelled. Intended to be launched as a
// goroutine next to the HTTP server.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("SLA scheduler started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("SLA scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one sweep and returns the number of instances escalated. A
// failure on one instance never blocks the rest of the sweep.
func (s *Scheduler) Tick(ctx context.Context) int {
	started := time.Now()
	overdue, err := s.store.FindOverdue(ctx, s.now())
	if err != nil {
		s.log.Error("overdue scan failed", zap.Error(err))
		return 0
	}

	escalated := 0
	for _, inst := range overdue {
		if err := s.engine.Escalate(ctx, inst); err != nil {
			s.log.Error("escalation failed",
				zap.String("instance_id", inst.ID),
				zap.String("tenant_id", inst.TenantID),
				zap.Error(err),
			)
			continue
		}
		escalated++
	}

	if s.metrics != nil {
		s.metrics.RecordSweep(time.Since(started), len(overdue))
	}
	if len(overdue) > 0 {
		s.log.Info("SLA sweep complete",
			zap.Int("overdue", len(overdue)),
			zap.Int("escalated", escalated),
		)
	}
	return escalated
}
