// Package scheduler fires billing runs on a fixed interval, guarding against
// overlapping runs both in-process and across worker replicas.
package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fanpledge/fanpledge/internal/billing/batch"
)

// Runner executes one billing run. Satisfied by batch.Pipeline.
type Runner interface {
	Run(ctx context.Context, runID string) (*batch.RunSummary, error)
}

// Scheduler ticks every interval and launches one billing run per tick. A
// tick that arrives while a run is still going is skipped, not queued: the
// next tick picks up whatever is still due.
type Scheduler struct {
	pipeline Runner
	lock     RunLock
	interval time.Duration
	logger   *slog.Logger
	running  atomic.Bool
}

// NewScheduler creates a scheduler over the pipeline.
func NewScheduler(pipeline Runner, lock RunLock, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if lock == nil {
		lock = NoopRunLock{}
	}
	return &Scheduler{
		pipeline: pipeline,
		lock:     lock,
		interval: interval,
		logger:   logger,
	}
}

// Start blocks until ctx is cancelled, firing runs on the interval.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("billing scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("billing scheduler stopped")
			return
		case tick := <-ticker.C:
			s.runOnce(ctx, tick)
		}
	}
}

// runOnce launches the run for one tick. The run is tagged with the tick
// time, not the completion time, so logs line up with the schedule.
func (s *Scheduler) runOnce(ctx context.Context, tick time.Time) {
	runID := tick.UTC().Format(time.RFC3339)
	logger := s.logger.With("run_id", runID)

	if !s.running.CompareAndSwap(false, true) {
		logger.Warn("previous billing run still in progress, skipping tick")
		return
	}
	defer s.running.Store(false)

	acquired, err := s.lock.Acquire(ctx)
	if err != nil {
		logger.Error("run lock acquire failed", "error", err)
		return
	}
	if !acquired {
		logger.Info("another worker holds the run lock, skipping tick")
		return
	}
	defer func() {
		// Release even when ctx was cancelled mid-run.
		if err := s.lock.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Error("run lock release failed", "error", err)
		}
	}()

	if _, err := s.pipeline.Run(ctx, runID); err != nil {
		logger.Error("billing run failed", "error", err)
	}
}
