package jobs

import (
	"encoding/json"

	"github.com/riverqueue/river"
)

// Queue names used by the River client.
const (
	QueueEvents   = "events"
	QueueWebhooks = "webhooks"
)

// EventArgs carries an event to be fanned out to subscriptions. It lets
// producers publish through Postgres instead of calling the registry
// directly.
type EventArgs struct {
	EventType      string          `json:"event_type"`
	Data           json.RawMessage `json:"data,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	OrganizationID string          `json:"organization_id,omitempty"`
}

// Kind returns the job kind for River queue
func (EventArgs) Kind() string { return "event_processing" }

// InsertOpts places event jobs on the events queue. Fan-out is retried by
// River if the registry rejects the job for a transient reason.
func (EventArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueEvents, MaxAttempts: 5}
}

// DeliveryArgs asks a worker to make the next attempt of a delivery.
type DeliveryArgs struct {
	DeliveryID string `json:"delivery_id"`
}

// Kind returns the job kind for River queue
func (DeliveryArgs) Kind() string { return "webhook_delivery" }

// InsertOpts places delivery jobs on the webhooks queue. Delivery retries
// are new jobs scheduled by the registry so they follow the subscription's
// retry policy; River's own attempts only cover a job that returned a
// bookkeeping error or was rescued after its worker died.
func (DeliveryArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueWebhooks, MaxAttempts: DeliveryJobAttempts}
}

// DeliveryJobAttempts bounds how often River runs one delivery job.
const DeliveryJobAttempts = 5
