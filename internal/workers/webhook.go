package workers

import (
	"context"
	"time"

	"github.com/riverqueue/river"

	"github.com/sarathsp06/herald/internal/jobs"
	"github.com/sarathsp06/herald/internal/logger"
	"github.com/sarathsp06/herald/internal/retry"
	"github.com/sarathsp06/herald/internal/webhooks"
)

// DeliveryProcessor makes the next attempt of a delivery.
type DeliveryProcessor interface {
	ProcessDelivery(ctx context.Context, deliveryID string) error
}

// WebhookWorker handles webhook delivery jobs
type WebhookWorker struct {
	river.WorkerDefaults[jobs.DeliveryArgs]
	processor DeliveryProcessor
}

// NewWebhookWorker creates a new webhook worker
func NewWebhookWorker(processor DeliveryProcessor) *WebhookWorker {
	return &WebhookWorker{processor: processor}
}

// Timeout leaves room for one send plus bookkeeping.
func (w *WebhookWorker) Timeout(*river.Job[jobs.DeliveryArgs]) time.Duration {
	return webhooks.DefaultSendTimeout + 10*time.Second
}

// Work runs one attempt. The outcome, including a failed send, is recorded
// on the delivery by the processor; only bookkeeping errors reach River.
// The job's scheduled time lets the processor recognise a stale job.
func (w *WebhookWorker) Work(ctx context.Context, job *river.Job[jobs.DeliveryArgs]) error {
	log := logger.NewLogger("webhook-worker")

	log.Debug("Processing webhook delivery",
		"job_id", job.ID,
		"delivery_id", job.Args.DeliveryID,
	)

	ctx = retry.WithDueTime(ctx, job.ScheduledAt)
	if err := w.processor.ProcessDelivery(ctx, job.Args.DeliveryID); err != nil {
		log.Error("Failed to process webhook delivery",
			"job_id", job.ID,
			"delivery_id", job.Args.DeliveryID,
			"error", err,
		)
		return err
	}
	return nil
}
