package matching

import (
	"context"
	"time"

	"github.com/maxg56/matcha/internal/common/logging"
)

// Scheduler runs periodic housekeeping for the matching service.
type Scheduler struct {
	metrics  *MetricsService
	interval time.Duration
}

func NewScheduler(metrics *MetricsService, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{metrics: metrics, interval: interval}
}

func (s *Scheduler) Start(ctx context.Context) {
	go s.runEvery(ctx, s.interval, "collect_metrics", func(ctx context.Context) error {
		_, err := s.metrics.CollectMetrics(ctx)
		return err
	})
}

// runEvery executes task once immediately and then on every tick until ctx
// is cancelled.
func (s *Scheduler) runEvery(ctx context.Context, interval time.Duration, name string, task func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := task(ctx); err != nil {
			logging.Warn().Err(err).Str("task", name).Msg("scheduled task failed")
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
