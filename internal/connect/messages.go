package connect

import (
	"encoding/json"

	"github.com/sarathsp06/herald/internal/webhooks"
)

// Request and response messages of herald.v1.WebhookService. They travel
// as JSON; the caller's identity travels in the X-User-ID and
// X-Organization-ID headers.

type SubscribeRequest struct {
	URL            string                `json:"url"`
	Events         []string              `json:"events"`
	OrganizationID string                `json:"organizationId,omitempty"`
	RetryPolicy    *webhooks.RetryPolicy `json:"retryPolicy,omitempty"`
	IsActive       *bool                 `json:"isActive,omitempty"`
	Metadata       map[string]any        `json:"metadata,omitempty"`
}

// SubscriptionResponse wraps a single subscription. Only the response to
// Subscribe carries the secret.
type SubscriptionResponse struct {
	Subscription *webhooks.Subscription `json:"subscription"`
}

type UnsubscribeRequest struct {
	ID string `json:"id"`
}

type UnsubscribeResponse struct {
	Success bool `json:"success"`
}

type UpdateSubscriptionRequest struct {
	ID       string         `json:"id"`
	URL      *string        `json:"url,omitempty"`
	Events   []string       `json:"events,omitempty"`
	IsActive *bool          `json:"isActive,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type ListSubscriptionsRequest struct{}

type ListSubscriptionsResponse struct {
	Subscriptions []*webhooks.Subscription `json:"subscriptions"`
	TotalCount    int                      `json:"totalCount"`
}

type GetSubscriptionRequest struct {
	ID string `json:"id"`
}

type PushEventRequest struct {
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// PushEventResponse reports the scheduled deliveries. When events are
// queued for asynchronous fan-out Queued is set and no ids are known yet.
type PushEventResponse struct {
	EventID     string   `json:"eventId,omitempty"`
	DeliveryIDs []string `json:"deliveryIds"`
	Queued      bool     `json:"queued,omitempty"`
}

type TestWebhookRequest struct {
	ID string `json:"id"`
}

type TestWebhookResponse struct {
	Delivery *webhooks.Delivery `json:"delivery"`
}

type GetDeliveryHistoryRequest struct {
	ID    string `json:"id"`
	Limit int    `json:"limit,omitempty"`
}

type GetDeliveryHistoryResponse struct {
	Deliveries []*webhooks.Delivery `json:"deliveries"`
}
