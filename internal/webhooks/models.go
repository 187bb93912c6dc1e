package webhooks

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/sarathsp06/herald/internal/retry"
)

// APIVersion is stamped on every envelope.
const APIVersion = "2024-01"

// MaxRetriesLimit bounds RetryPolicy.MaxRetries.
const MaxRetriesLimit = 10

// RetryPolicy controls how a failed delivery is retried.
type RetryPolicy struct {
	MaxRetries        int     `json:"maxRetries"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
	MaxBackoffSeconds int     `json:"maxBackoffSeconds"`
}

// DefaultRetryPolicy returns the policy used when a subscriber does not
// provide one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		BackoffMultiplier: 2,
		MaxBackoffSeconds: 300,
	}
}

// withDefaults fills zero multiplier and cap. MaxRetries is kept as given
// because zero is a legitimate choice.
func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.BackoffMultiplier == 0 {
		p.BackoffMultiplier = def.BackoffMultiplier
	}
	if p.MaxBackoffSeconds == 0 {
		p.MaxBackoffSeconds = def.MaxBackoffSeconds
	}
	return p
}

func (p RetryPolicy) validate() error {
	if p.MaxRetries < 0 || p.MaxRetries > MaxRetriesLimit {
		return fmt.Errorf("%w: maxRetries must be between 0 and %d", ErrInvalidSubscription, MaxRetriesLimit)
	}
	if p.BackoffMultiplier <= 1 {
		return fmt.Errorf("%w: backoffMultiplier must be greater than 1", ErrInvalidSubscription)
	}
	if p.MaxBackoffSeconds <= 0 {
		return fmt.Errorf("%w: maxBackoffSeconds must be positive", ErrInvalidSubscription)
	}
	return nil
}

// Backoff is the wait before the next send of a delivery that has failed
// priorAttempts+1 times.
func (p RetryPolicy) Backoff(priorAttempts int) time.Duration {
	return retry.Delay(p.BackoffMultiplier, priorAttempts, time.Duration(p.MaxBackoffSeconds)*time.Second)
}

// DeliveryStats aggregates resolved delivery chains. A chain is counted once,
// when it ends in success or terminal failure.
type DeliveryStats struct {
	TotalDeliveries      int64   `json:"totalDeliveries"`
	SuccessfulDeliveries int64   `json:"successfulDeliveries"`
	FailedDeliveries     int64   `json:"failedDeliveries"`
	AvgResponseTime      float64 `json:"avgResponseTime"` // milliseconds
}

func (s *DeliveryStats) record(success bool, d time.Duration) {
	s.TotalDeliveries++
	if success {
		s.SuccessfulDeliveries++
	} else {
		s.FailedDeliveries++
	}
	ms := float64(d) / float64(time.Millisecond)
	s.AvgResponseTime += (ms - s.AvgResponseTime) / float64(s.TotalDeliveries)
}

// Subscription is a subscriber's registration for a set of events.
type Subscription struct {
	ID             string         `json:"id"`
	UserID         string         `json:"userId"`
	OrganizationID string         `json:"organizationId,omitempty"`
	URL            string         `json:"url"`
	Events         []EventType    `json:"events"`
	Secret         string         `json:"secret,omitempty"`
	RetryPolicy    RetryPolicy    `json:"retryPolicy"`
	IsActive       bool           `json:"isActive"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	LastDeliveryAt *time.Time     `json:"lastDeliveryAt,omitempty"`
	DeliveryStats  DeliveryStats  `json:"deliveryStats"`
	FailureStreak  int            `json:"failureStreak"`
}

// Subscribes reports whether the subscription listens for e.
func (s *Subscription) Subscribes(e EventType) bool {
	return slices.Contains(s.Events, e)
}

func (s *Subscription) ownedBy(userID string) bool {
	return userID != "" && s.UserID == userID
}

func (s *Subscription) clone() *Subscription {
	c := *s
	c.Events = slices.Clone(s.Events)
	c.Metadata = maps.Clone(s.Metadata)
	if s.LastDeliveryAt != nil {
		t := *s.LastDeliveryAt
		c.LastDeliveryAt = &t
	}
	return &c
}

// masked returns a copy safe to hand to callers: the secret is only ever
// returned from Subscribe.
func (s *Subscription) masked() *Subscription {
	c := s.clone()
	c.Secret = ""
	return c
}

// DeliveryStatus is the state of a delivery chain.
type DeliveryStatus string

const (
	StatusPending  DeliveryStatus = "pending"
	StatusRetrying DeliveryStatus = "retrying"
	StatusSuccess  DeliveryStatus = "success"
	StatusFailed   DeliveryStatus = "failed"
)

// Terminal reports whether no further attempts will be made.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Delivery is one event sent to one subscription, across all its attempts.
type Delivery struct {
	ID             string            `json:"id"`
	SubscriptionID string            `json:"subscriptionId"`
	EventID        string            `json:"eventId"`
	EventType      EventType         `json:"eventType"`
	Payload        json.RawMessage   `json:"payload"`
	URL            string            `json:"url"`
	Method         string            `json:"httpMethod"`
	Headers        map[string]string `json:"headers"`
	Test           bool              `json:"test,omitempty"`
	Status         DeliveryStatus    `json:"status"`
	Attempts       int               `json:"attempts"`
	StatusCode     int               `json:"statusCode,omitempty"`
	ResponseBody   string            `json:"responseBody,omitempty"`
	ErrorMessage   string            `json:"errorMessage,omitempty"`
	DurationMs     int64             `json:"durationMs"`
	NextRetryAt    *time.Time        `json:"nextRetryAt,omitempty"`
	DeliveredAt    *time.Time        `json:"deliveredAt,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

func (d *Delivery) clone() *Delivery {
	c := *d
	c.Payload = slices.Clone(d.Payload)
	c.Headers = maps.Clone(d.Headers)
	if d.NextRetryAt != nil {
		t := *d.NextRetryAt
		c.NextRetryAt = &t
	}
	if d.DeliveredAt != nil {
		t := *d.DeliveredAt
		c.DeliveredAt = &t
	}
	return &c
}

// Envelope is the JSON document POSTed to subscribers.
type Envelope struct {
	ID             string          `json:"id"`
	Type           EventType       `json:"type"`
	Data           json.RawMessage `json:"data"`
	Timestamp      string          `json:"timestamp"`
	APIVersion     string          `json:"apiVersion"`
	OrganizationID string          `json:"organizationId,omitempty"`
	UserID         string          `json:"userId,omitempty"`
}

// EventContext identifies whose subscriptions an event is fanned out to.
// When OrganizationID is set it takes precedence over UserID.
type EventContext struct {
	UserID         string `json:"userId,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
}

func (c EventContext) matches(s *Subscription) bool {
	if c.OrganizationID != "" {
		return s.OrganizationID == c.OrganizationID
	}
	return c.UserID != "" && s.UserID == c.UserID
}

// formatTimestamp renders t as ISO-8601 in UTC with millisecond precision.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
