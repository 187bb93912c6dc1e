// Package retention periodically prunes finished deliveries from history.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sarathsp06/herald/internal/logger"
)

// Pruner deletes terminal deliveries older than retention.
type Pruner interface {
	PruneHistory(ctx context.Context, retention time.Duration) (int64, error)
}

// Job runs a Pruner on a cron schedule.
type Job struct {
	cron      *cron.Cron
	pruner    Pruner
	retention time.Duration
	timeout   time.Duration
	logger    *slog.Logger
}

// New schedules pruner on schedule, a standard five-field cron expression
// or a descriptor such as "@hourly". Overlapping runs are skipped.
func New(pruner Pruner, retention time.Duration, schedule string) (*Job, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", retention)
	}
	j := &Job{
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		pruner:    pruner,
		retention: retention,
		timeout:   time.Minute,
		logger:    logger.NewLogger("retention"),
	}
	if _, err := j.cron.AddFunc(schedule, func() { j.Run(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Run prunes once and returns the number of deliveries removed.
func (j *Job) Run(ctx context.Context) int64 {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	start := time.Now()
	n, err := j.pruner.PruneHistory(ctx, j.retention)
	if err != nil {
		j.logger.Error("Failed to prune delivery history", "error", err)
		return 0
	}
	j.logger.Info("Pruned delivery history",
		"deleted", n,
		"retention", j.retention.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return n
}

func (j *Job) Start() { j.cron.Start() }

// Stop stops scheduling and waits for a running prune until ctx is done.
func (j *Job) Stop(ctx context.Context) {
	select {
	case <-j.cron.Stop().Done():
	case <-ctx.Done():
	}
}
