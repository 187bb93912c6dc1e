package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"

	"github.com/sarathsp06/herald/internal/jobs"
	"github.com/sarathsp06/herald/internal/logger"
	"github.com/sarathsp06/herald/internal/workers"
)

// Manager handles the River queue management. It schedules delivery
// attempts as River jobs so they survive restarts and are shared between
// replicas.
type Manager struct {
	client  *river.Client[pgx.Tx]
	workers *river.Workers
	log     *slog.Logger
}

// NewManager creates a River client on pool. Workers are added with
// RegisterWorkers before Start.
func NewManager(pool *pgxpool.Pool) (*Manager, error) {
	riverWorkers := river.NewWorkers()

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			jobs.QueueEvents:   {MaxWorkers: 5},
			jobs.QueueWebhooks: {MaxWorkers: 20},
		},
		Workers: riverWorkers,
		Logger:  logger.NewLogger("river"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &Manager{
		client:  riverClient,
		workers: riverWorkers,
		log:     logger.NewLogger("queue-manager"),
	}, nil
}

// RegisterWorkers adds the delivery and event workers. The registry that
// backs them normally uses this Manager as its scheduler, so it can only
// be built after NewManager.
func (m *Manager) RegisterWorkers(processor workers.DeliveryProcessor, trigger workers.EventTrigger) {
	river.AddWorker(m.workers, workers.NewWebhookWorker(processor))
	river.AddWorker(m.workers, workers.NewEventProcessingWorker(trigger))
}

// Start starts the queue processing
func (m *Manager) Start(ctx context.Context) error {
	if err := m.client.Start(ctx); err != nil {
		m.log.Error("Failed to start River client", "error", err)
		return fmt.Errorf("failed to start River client: %w", err)
	}
	m.log.Info("River queue started successfully")
	return nil
}

// Stop waits for running jobs to finish or ctx to expire.
func (m *Manager) Stop(ctx context.Context) error {
	return m.client.Stop(ctx)
}

// Schedule inserts a delivery job that becomes available at at.
func (m *Manager) Schedule(ctx context.Context, deliveryID string, at time.Time) error {
	res, err := m.client.Insert(ctx, jobs.DeliveryArgs{DeliveryID: deliveryID}, &river.InsertOpts{
		ScheduledAt: at,
	})
	if err != nil {
		return fmt.Errorf("failed to insert delivery job: %w", err)
	}
	m.log.Debug("Scheduled delivery job",
		"job_id", res.Job.ID,
		"delivery_id", deliveryID,
		"scheduled_at", at,
	)
	return nil
}

// Publish queues an event for asynchronous fan-out.
func (m *Manager) Publish(ctx context.Context, args jobs.EventArgs) (*rivertype.JobInsertResult, error) {
	res, err := m.client.Insert(ctx, args, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to insert event job: %w", err)
	}
	return res, nil
}
