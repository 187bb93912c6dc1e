package workers

import (
	"context"
	"errors"

	"github.com/riverqueue/river"

	"github.com/sarathsp06/herald/internal/jobs"
	"github.com/sarathsp06/herald/internal/logger"
	"github.com/sarathsp06/herald/internal/webhooks"
)

// EventTrigger fans an event out to matching subscriptions.
type EventTrigger interface {
	Trigger(ctx context.Context, event webhooks.EventType, data any, ec webhooks.EventContext) (*webhooks.TriggerResult, error)
}

// EventProcessingWorker turns queued events into webhook deliveries
type EventProcessingWorker struct {
	river.WorkerDefaults[jobs.EventArgs]
	trigger EventTrigger
}

// NewEventProcessingWorker creates a new event processing worker
func NewEventProcessingWorker(trigger EventTrigger) *EventProcessingWorker {
	return &EventProcessingWorker{trigger: trigger}
}

// Work triggers the event. Unknown event types are cancelled rather than
// retried.
func (w *EventProcessingWorker) Work(ctx context.Context, job *river.Job[jobs.EventArgs]) error {
	log := logger.NewLogger("event-worker")
	args := job.Args

	log.Info("Processing event",
		"job_id", job.ID,
		"event_type", args.EventType,
		"user_id", args.UserID,
		"organization_id", args.OrganizationID,
	)

	var data any
	if len(args.Data) > 0 {
		data = args.Data
	}

	res, err := w.trigger.Trigger(ctx, webhooks.EventType(args.EventType), data, webhooks.EventContext{
		UserID:         args.UserID,
		OrganizationID: args.OrganizationID,
	})
	if errors.Is(err, webhooks.ErrUnknownEvent) {
		log.Warn("Discarding event with unknown type", "job_id", job.ID, "event_type", args.EventType)
		return river.JobCancel(err)
	}
	if err != nil {
		log.Error("Failed to trigger event", "job_id", job.ID, "error", err)
		return err
	}

	log.Info("Event processing completed",
		"job_id", job.ID,
		"event_id", res.EventID,
		"deliveries_scheduled", len(res.DeliveryIDs),
	)
	return nil
}
