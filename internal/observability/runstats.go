package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pitabwire/triage/model"
)

// RunCounter reports aggregate run counts.
type RunCounter interface {
	CountByStatus(ctx context.Context) (map[model.RunStatus]int, error)
	CountStaleDrafts(ctx context.Context, before time.Time) (int, error)
}

// RunStats periodically publishes run gauges: runs per status, and DRAFT runs
// untouched for longer than the abandonment threshold. Abandoned runs stay
// DRAFT in storage; they are only reported.
type RunStats struct {
	counter      RunCounter
	metrics      *Metrics
	logger       *zap.Logger
	abandonAfter time.Duration
	timeout      time.Duration
	now          func() time.Time
	cron         *cron.Cron
}

// NewRunStats creates a RunStats job. It does nothing until Start.
func NewRunStats(counter RunCounter, metrics *Metrics, logger *zap.Logger, abandonAfter time.Duration) *RunStats {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunStats{
		counter:      counter,
		metrics:      metrics,
		logger:       logger,
		abandonAfter: abandonAfter,
		timeout:      30 * time.Second,
		now:          time.Now,
	}
}

// Start schedules the collection with a standard 5-field cron expression and
// runs one collection immediately.
func (s *RunStats) Start(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := c.AddFunc(schedule, s.run); err != nil {
		return fmt.Errorf("runstats: schedule %q: %w", schedule, err)
	}
	s.cron = c
	c.Start()
	go s.run()
	return nil
}

// Stop stops the schedule and waits for a running collection to finish.
func (s *RunStats) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

func (s *RunStats) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.Collect(ctx); err != nil {
		s.logger.Warn("run statistics collection failed", zap.Error(err))
	}
}

// Collect reads the current counts and updates the gauges.
func (s *RunStats) Collect(ctx context.Context) error {
	counts, err := s.counter.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("count runs by status: %w", err)
	}
	stale, err := s.counter.CountStaleDrafts(ctx, s.now().Add(-s.abandonAfter))
	if err != nil {
		return fmt.Errorf("count abandoned runs: %w", err)
	}

	s.metrics.SetRunsByStatus(counts)
	s.metrics.SetStaleDrafts(stale)

	s.logger.Debug("run statistics collected",
		zap.Int("draft", counts[model.RunStatusDraft]),
		zap.Int("completed", counts[model.RunStatusCompleted]),
		zap.Int("abandoned", stale),
	)
	return nil
}
