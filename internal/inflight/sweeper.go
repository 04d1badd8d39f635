package inflight

import (
	"context"
	"log/slog"
	"time"

	"container-job-runner/internal/compute"
	"container-job-runner/internal/telemetry"
)

// Sweeper deletes remote jobs whose owning request never reached cleanup.
type Sweeper struct {
	tracker      *Tracker
	provider     compute.Provider
	interval     time.Duration
	retryAfter   time.Duration
	batch        int64
	deleteBudget time.Duration
	logger       *slog.Logger
}

// NewSweeper builds a sweeper. deleteBudget bounds each delete call.
func NewSweeper(tracker *Tracker, provider compute.Provider, interval, deleteBudget time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if deleteBudget <= 0 {
		deleteBudget = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		tracker:      tracker,
		provider:     provider,
		interval:     interval,
		retryAfter:   interval,
		batch:        50,
		deleteBudget: deleteBudget,
		logger:       logger,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx, time.Now()); err != nil {
			s.logger.Warn("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepOnce deletes every job expired at now and returns the names it removed.
// Jobs whose delete fails stay tracked with a later deadline.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) ([]string, error) {
	names, err := s.tracker.Expired(ctx, now, s.batch)
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, name := range names {
		dctx, cancel := context.WithTimeout(ctx, s.deleteBudget)
		err := s.provider.Delete(dctx, name)
		cancel()
		if err != nil {
			s.logger.Warn("orphan delete failed", "job", name, "error", err)
			if err := s.tracker.Extend(ctx, name, now.Add(s.retryAfter)); err != nil {
				s.logger.Warn("reschedule orphan failed", "job", name, "error", err)
			}
			continue
		}
		if err := s.tracker.Forget(ctx, name); err != nil {
			s.logger.Warn("forget orphan failed", "job", name, "error", err)
		}
		telemetry.SweptJobs.Inc()
		s.logger.Info("orphan job deleted", "job", name)
		deleted = append(deleted, name)
	}
	return deleted, nil
}
