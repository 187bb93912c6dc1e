package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HeraldMetrics holds the domain instruments. All methods are safe to call
// on a nil *HeraldMetrics.
type HeraldMetrics struct {
	SubscriptionsCreated metric.Int64Counter
	ActiveSubscriptions  metric.Int64UpDownCounter
	EventsTriggered      metric.Int64Counter
	DeliveriesScheduled  metric.Int64Counter
	DeliveryAttempts     metric.Int64Counter
	DeliveryDuration     metric.Float64Histogram
	RetriesScheduled     metric.Int64Counter
}

// NewHeraldMetrics creates the instruments on meter.
func NewHeraldMetrics(meter metric.Meter) (*HeraldMetrics, error) {
	subscriptionsCreated, err := meter.Int64Counter(
		"herald_subscriptions_created_total",
		metric.WithDescription("Total number of webhook subscriptions created"),
	)
	if err != nil {
		return nil, err
	}

	activeSubscriptions, err := meter.Int64UpDownCounter(
		"herald_subscriptions_active",
		metric.WithDescription("Current number of webhook subscriptions"),
	)
	if err != nil {
		return nil, err
	}

	eventsTriggered, err := meter.Int64Counter(
		"herald_events_triggered_total",
		metric.WithDescription("Total number of events triggered"),
	)
	if err != nil {
		return nil, err
	}

	deliveriesScheduled, err := meter.Int64Counter(
		"herald_deliveries_scheduled_total",
		metric.WithDescription("Total number of deliveries created by triggered events"),
	)
	if err != nil {
		return nil, err
	}

	deliveryAttempts, err := meter.Int64Counter(
		"herald_delivery_attempts_total",
		metric.WithDescription("Total number of webhook delivery attempts"),
	)
	if err != nil {
		return nil, err
	}

	deliveryDuration, err := meter.Float64Histogram(
		"herald_delivery_duration_seconds",
		metric.WithDescription("Duration of webhook delivery attempts in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	retriesScheduled, err := meter.Int64Counter(
		"herald_retries_scheduled_total",
		metric.WithDescription("Total number of delivery retries scheduled"),
	)
	if err != nil {
		return nil, err
	}

	return &HeraldMetrics{
		SubscriptionsCreated: subscriptionsCreated,
		ActiveSubscriptions:  activeSubscriptions,
		EventsTriggered:      eventsTriggered,
		DeliveriesScheduled:  deliveriesScheduled,
		DeliveryAttempts:     deliveryAttempts,
		DeliveryDuration:     deliveryDuration,
		RetriesScheduled:     retriesScheduled,
	}, nil
}

func (m *HeraldMetrics) SubscriptionCreated(ctx context.Context) {
	if m == nil {
		return
	}
	m.SubscriptionsCreated.Add(ctx, 1)
	m.ActiveSubscriptions.Add(ctx, 1)
}

// SubscriptionsLoaded counts subscriptions read back from the store at
// startup towards the active gauge.
func (m *HeraldMetrics) SubscriptionsLoaded(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ActiveSubscriptions.Add(ctx, int64(n))
}

func (m *HeraldMetrics) SubscriptionRemoved(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.Add(ctx, -1)
}

// EventTriggered records one event and the number of deliveries it fanned out to.
func (m *HeraldMetrics) EventTriggered(ctx context.Context, eventType string, fanout int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("event_type", eventType))
	m.EventsTriggered.Add(ctx, 1, attrs)
	m.DeliveriesScheduled.Add(ctx, int64(fanout), attrs)
}

func (m *HeraldMetrics) DeliveryAttempted(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.DeliveryAttempts.Add(ctx, 1, attrs)
	m.DeliveryDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *HeraldMetrics) RetryScheduled(ctx context.Context) {
	if m == nil {
		return
	}
	m.RetriesScheduled.Add(ctx, 1)
}
