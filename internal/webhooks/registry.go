package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sarathsp06/herald/internal/logger"
	"github.com/sarathsp06/herald/internal/observability"
	"github.com/sarathsp06/herald/internal/retry"
)

// Scheduler arranges for Registry.ProcessDelivery to be called with
// deliveryID at or after at.
type Scheduler interface {
	Schedule(ctx context.Context, deliveryID string, at time.Time) error
}

// Options configures a Registry. Nil fields get working defaults.
type Options struct {
	Store     Store
	Validator URLValidator
	Transport Transport
	// Scheduler defaults to an in-process timer scheduler owned by the
	// registry and stopped by Close.
	Scheduler Scheduler
	Limiter   Limiter
	Metrics   *observability.HeraldMetrics
	Logger    *slog.Logger
	Now       func() time.Time
	// AutoDisableAfter deactivates a subscription after that many
	// consecutive terminally failed deliveries. Zero disables the check.
	AutoDisableAfter int
}

// Registry owns subscriptions and the deliveries currently in flight.
type Registry struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	inflight      map[string]*Delivery
	sending       map[string]bool

	// persistMu orders subscription writes to the store. Each write takes
	// a fresh snapshot while holding it, so the last row written is the
	// newest in-memory state.
	persistMu sync.Mutex

	store            Store
	validator        URLValidator
	engine           *Engine
	scheduler        Scheduler
	timers           *retry.TimerScheduler
	limiter          Limiter
	metrics          *observability.HeraldMetrics
	log              *slog.Logger
	tracer           trace.Tracer
	now              func() time.Time
	autoDisableAfter int
}

// NewRegistry wires a Registry from opts.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		subscriptions:    make(map[string]*Subscription),
		inflight:         make(map[string]*Delivery),
		sending:          make(map[string]bool),
		store:            opts.Store,
		validator:        opts.Validator,
		scheduler:        opts.Scheduler,
		limiter:          opts.Limiter,
		metrics:          opts.Metrics,
		log:              opts.Logger,
		tracer:           observability.GetTracer("herald.webhooks.registry"),
		now:              opts.Now,
		autoDisableAfter: opts.AutoDisableAfter,
	}

	if r.store == nil {
		r.store = NewMemoryStore()
	}
	transport := opts.Transport
	if transport == nil || r.validator == nil {
		client := NewHTTPClient(DefaultSendTimeout, DefaultProbeTimeout)
		if transport == nil {
			transport = client
		}
		if r.validator == nil {
			r.validator = NewValidator(client)
		}
	}
	r.engine = NewEngine(transport, r.metrics)
	if r.scheduler == nil {
		r.timers = retry.NewTimerScheduler(r.ProcessDelivery)
		r.scheduler = r.timers
	}
	if r.log == nil {
		r.log = logger.NewLogger("webhook-registry")
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// SubscribeInput describes a new subscription.
type SubscribeInput struct {
	UserID         string         `json:"userId"`
	OrganizationID string         `json:"organizationId,omitempty"`
	URL            string         `json:"url"`
	Events         []EventType    `json:"events"`
	RetryPolicy    *RetryPolicy   `json:"retryPolicy,omitempty"`
	IsActive       *bool          `json:"isActive,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// SubscriptionPatch holds the fields UpdateSubscription may change. Nil
// fields are left untouched.
type SubscriptionPatch struct {
	URL      *string        `json:"url,omitempty"`
	Events   []EventType    `json:"events,omitempty"`
	IsActive *bool          `json:"isActive,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TriggerResult lists the deliveries a Trigger call scheduled.
type TriggerResult struct {
	EventID     string   `json:"eventId"`
	DeliveryIDs []string `json:"deliveryIds"`
}

func spanFail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
	return err
}

// Subscribe validates in, creates the subscription and returns it. The
// returned copy is the only one that carries the signing secret.
func (r *Registry) Subscribe(ctx context.Context, in SubscribeInput) (*Subscription, error) {
	ctx, span := r.tracer.Start(ctx, "webhooks.subscribe",
		trace.WithAttributes(attribute.String("url", in.URL)),
	)
	defer span.End()

	if strings.TrimSpace(in.UserID) == "" {
		return nil, spanFail(span, fmt.Errorf("%w: userId is required", ErrInvalidSubscription))
	}
	events, err := normalizeEvents(in.Events)
	if err != nil {
		return nil, spanFail(span, err)
	}
	policy := DefaultRetryPolicy()
	if in.RetryPolicy != nil {
		policy = in.RetryPolicy.withDefaults()
	}
	if err := policy.validate(); err != nil {
		return nil, spanFail(span, err)
	}
	if err := r.validator.Validate(ctx, in.URL); err != nil {
		r.log.Info("Rejected subscription url", "url", in.URL, "error", err)
		return nil, spanFail(span, err)
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, spanFail(span, err)
	}

	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	now := r.now()
	sub := &Subscription{
		ID:             newSubscriptionID(),
		UserID:         in.UserID,
		OrganizationID: in.OrganizationID,
		URL:            in.URL,
		Events:         events,
		Secret:         secret,
		RetryPolicy:    policy,
		IsActive:       active,
		Metadata:       in.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	r.mu.Lock()
	r.subscriptions[sub.ID] = sub
	created := sub.clone()
	r.mu.Unlock()

	r.persistSubscription(ctx, created.ID)
	r.metrics.SubscriptionCreated(ctx)
	span.SetAttributes(attribute.String("subscription_id", created.ID))

	r.log.Info("Subscription created",
		"subscription_id", created.ID,
		"user_id", created.UserID,
		"organization_id", created.OrganizationID,
		"url", created.URL,
		"events", created.Events,
	)
	return created, nil
}

// Unsubscribe deletes a subscription owned by userID. Delivery history is
// kept, and retries already scheduled end as failed when they come due.
func (r *Registry) Unsubscribe(ctx context.Context, id, userID string) (bool, error) {
	r.mu.Lock()
	sub, ok := r.subscriptions[id]
	if !ok || !sub.ownedBy(userID) {
		r.mu.Unlock()
		return false, ErrNotFoundOrUnauthorized
	}
	delete(r.subscriptions, id)
	r.mu.Unlock()

	r.persistMu.Lock()
	if err := r.store.DeleteSubscription(ctx, id); err != nil {
		r.log.Error("Failed to delete subscription from store", "subscription_id", id, "error", err)
	}
	r.persistMu.Unlock()
	if f, ok := r.limiter.(interface{ Forget(string) }); ok {
		f.Forget(id)
	}
	r.metrics.SubscriptionRemoved(ctx)

	r.log.Info("Subscription removed", "subscription_id", id, "user_id", userID)
	return true, nil
}

// UpdateSubscription applies patch to a subscription owned by userID. A
// changed URL is validated again before anything is modified.
func (r *Registry) UpdateSubscription(ctx context.Context, id, userID string, patch SubscriptionPatch) (*Subscription, error) {
	current, err := r.owned(id, userID)
	if err != nil {
		return nil, err
	}

	var events []EventType
	if patch.Events != nil {
		if events, err = normalizeEvents(patch.Events); err != nil {
			return nil, err
		}
	}
	if patch.URL != nil && *patch.URL != current.URL {
		if err := r.validator.Validate(ctx, *patch.URL); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	sub, ok := r.subscriptions[id]
	if !ok || !sub.ownedBy(userID) {
		r.mu.Unlock()
		return nil, ErrNotFoundOrUnauthorized
	}
	if patch.URL != nil {
		sub.URL = *patch.URL
	}
	if events != nil {
		sub.Events = events
	}
	if patch.IsActive != nil {
		if *patch.IsActive && !sub.IsActive {
			sub.FailureStreak = 0
		}
		sub.IsActive = *patch.IsActive
	}
	if patch.Metadata != nil {
		sub.Metadata = patch.Metadata
	}
	sub.UpdatedAt = r.now()
	updated := sub.clone()
	r.mu.Unlock()

	r.persistSubscription(ctx, id)
	r.log.Info("Subscription updated", "subscription_id", id, "user_id", userID)
	return updated.masked(), nil
}

// GetSubscriptions returns subscriptions owned by userID or, when
// organizationID is given, belonging to that organization.
func (r *Registry) GetSubscriptions(_ context.Context, userID, organizationID string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Subscription
	for _, s := range r.subscriptions {
		if (userID != "" && s.UserID == userID) || (organizationID != "" && s.OrganizationID == organizationID) {
			out = append(out, s.masked())
		}
	}
	slices.SortFunc(out, func(a, b *Subscription) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// GetSubscription returns one subscription owned by userID.
func (r *Registry) GetSubscription(_ context.Context, id, userID string) (*Subscription, error) {
	sub, err := r.owned(id, userID)
	if err != nil {
		return nil, err
	}
	return sub.masked(), nil
}

func (r *Registry) owned(id, userID string) (*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subscriptions[id]
	if !ok || !sub.ownedBy(userID) {
		return nil, ErrNotFoundOrUnauthorized
	}
	return sub.clone(), nil
}

// Trigger fans event out to every active matching subscription and returns
// once the deliveries are scheduled. Delivery failures are recorded on the
// deliveries and never returned here. A delivery the scheduler refuses stays
// pending in the store and is armed again by Recover.
func (r *Registry) Trigger(ctx context.Context, event EventType, data any, ec EventContext) (*TriggerResult, error) {
	ctx, span := r.tracer.Start(ctx, "webhooks.trigger",
		trace.WithAttributes(attribute.String("event_type", string(event))),
	)
	defer span.End()

	if !event.Valid() {
		return nil, spanFail(span, fmt.Errorf("%w: %q", ErrUnknownEvent, event))
	}

	now := r.now()
	env, body, err := buildEnvelope(event, data, ec, now)
	if err != nil {
		return nil, spanFail(span, err)
	}

	var scheduled []*Delivery
	r.mu.Lock()
	for _, sub := range r.subscriptions {
		if !sub.IsActive || !sub.Subscribes(event) || !ec.matches(sub) {
			continue
		}
		d := newDelivery(sub, env, body, false, now)
		r.inflight[d.ID] = d
		scheduled = append(scheduled, d.clone())
	}
	r.mu.Unlock()

	// Deliveries outlive the caller's request.
	detached := context.WithoutCancel(ctx)
	result := &TriggerResult{EventID: env.ID, DeliveryIDs: []string{}}
	for _, d := range scheduled {
		r.persistDelivery(detached, d)
		if err := r.scheduler.Schedule(detached, d.ID, now); err != nil {
			r.park(d.ID, fmt.Errorf("failed to schedule delivery: %w", err))
		}
		result.DeliveryIDs = append(result.DeliveryIDs, d.ID)
	}

	r.metrics.EventTriggered(ctx, string(event), len(result.DeliveryIDs))
	span.SetAttributes(
		attribute.String("event_id", env.ID),
		attribute.Int("deliveries", len(result.DeliveryIDs)),
	)
	r.log.Info("Event triggered",
		"event_id", env.ID,
		"event_type", event,
		"user_id", ec.UserID,
		"organization_id", ec.OrganizationID,
		"deliveries", len(result.DeliveryIDs),
	)
	return result, nil
}

// TestWebhook sends a synthetic document.created event once, synchronously,
// and returns the resulting delivery. Test deliveries are kept in history
// but do not touch the subscription's statistics.
func (r *Registry) TestWebhook(ctx context.Context, id, userID string) (*Delivery, error) {
	sub, err := r.owned(id, userID)
	if err != nil {
		return nil, err
	}

	now := r.now()
	data := map[string]any{
		"test":    true,
		"message": "This is a test webhook delivery",
	}
	env, body, err := buildEnvelope(EventDocumentCreated, data, EventContext{
		UserID:         sub.UserID,
		OrganizationID: sub.OrganizationID,
	}, now)
	if err != nil {
		return nil, err
	}

	d := newDelivery(sub, env, body, true, now)
	out := r.engine.Attempt(ctx, d)
	r.applyOutcome(d, nil, out, r.now())
	r.persistDelivery(ctx, d)

	r.log.Info("Test webhook sent",
		"subscription_id", id,
		"delivery_id", d.ID,
		"status", d.Status,
		"status_code", d.StatusCode,
	)
	return d.clone(), nil
}

// GetDeliveryHistory returns up to limit deliveries of a subscription owned
// by userID, newest first.
func (r *Registry) GetDeliveryHistory(ctx context.Context, id, userID string, limit int) ([]*Delivery, error) {
	if _, err := r.owned(id, userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	deliveries, err := r.store.QueryDeliveries(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery history: %w", err)
	}
	return deliveries, nil
}

// staleJobSlack covers the precision a scheduler may lose when it stores a
// due time, such as Postgres keeping microseconds.
const staleJobSlack = time.Millisecond

// ProcessDelivery makes one attempt for an in-flight delivery and schedules
// the next one if the attempt failed within the retry budget. Schedulers
// call it; it is safe to call more than once for the same id.
func (r *Registry) ProcessDelivery(ctx context.Context, deliveryID string) error {
	d, err := r.claim(ctx, deliveryID)
	if err != nil || d == nil {
		return err
	}

	if r.limiter != nil {
		allowed, wait, err := r.limiter.Allow(ctx, d.SubscriptionID)
		if err != nil {
			r.log.Warn("Rate limiter unavailable", "subscription_id", d.SubscriptionID, "error", err)
		}
		if !allowed {
			r.postpone(ctx, deliveryID, wait)
			return nil
		}
	}

	out := r.engine.Attempt(ctx, d)
	r.complete(ctx, deliveryID, out)
	return nil
}

// claim loads the delivery into memory if needed and marks it as being
// sent. It returns nil when there is nothing to do.
func (r *Registry) claim(ctx context.Context, id string) (*Delivery, error) {
	r.mu.RLock()
	_, ok := r.inflight[id]
	r.mu.RUnlock()

	if !ok {
		loaded, err := r.store.GetDelivery(ctx, id)
		if errors.Is(err, ErrDeliveryNotFound) {
			r.log.Warn("Scheduled delivery no longer exists", "delivery_id", id)
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load delivery %s: %w", id, err)
		}
		r.mu.Lock()
		if _, ok := r.inflight[id]; !ok && !loaded.Status.Terminal() {
			r.inflight[id] = loaded
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	d, ok := r.inflight[id]
	if !ok || d.Status.Terminal() || r.sending[id] {
		r.mu.Unlock()
		return nil, nil
	}
	// A job due before the recorded retry time was queued for an attempt
	// that has already been made. The retry has a job of its own.
	if due, ok := retry.DueTime(ctx); ok && d.NextRetryAt != nil && d.NextRetryAt.Sub(due) > staleJobSlack {
		r.mu.Unlock()
		r.log.Debug("Skipped stale delivery job", "delivery_id", id, "due", due, "next_retry_at", d.NextRetryAt)
		return nil, nil
	}

	if _, ok := r.subscriptions[d.SubscriptionID]; !ok {
		d.Status = StatusFailed
		d.ErrorMessage = "subscription no longer exists"
		d.NextRetryAt = nil
		d.UpdatedAt = r.now()
		snapshot := d.clone()
		delete(r.inflight, id)
		r.mu.Unlock()

		r.persistDelivery(ctx, snapshot)
		r.log.Info("Dropped delivery for removed subscription",
			"delivery_id", id,
			"subscription_id", snapshot.SubscriptionID,
		)
		return nil, nil
	}

	r.sending[id] = true
	snapshot := d.clone()
	r.mu.Unlock()
	return snapshot, nil
}

// postpone re-schedules a throttled delivery without counting an attempt.
// Only a retrying delivery records the new time; a pending one has not been
// attempted and keeps a nil NextRetryAt.
func (r *Registry) postpone(ctx context.Context, id string, wait time.Duration) {
	at := r.now().Add(wait)

	r.mu.Lock()
	delete(r.sending, id)
	d, ok := r.inflight[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if d.Status == StatusRetrying {
		d.NextRetryAt = &at
	}
	d.UpdatedAt = r.now()
	snapshot := d.clone()
	r.mu.Unlock()

	r.persistDelivery(ctx, snapshot)
	r.log.Debug("Delivery throttled", "delivery_id", id, "retry_in", wait.String())
	if err := r.scheduler.Schedule(ctx, id, at); err != nil {
		r.park(id, fmt.Errorf("failed to schedule delivery: %w", err))
	}
}

func (r *Registry) complete(ctx context.Context, id string, out Outcome) {
	r.mu.Lock()
	delete(r.sending, id)
	d, ok := r.inflight[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	sub := r.subscriptions[d.SubscriptionID]
	retryAt := r.applyOutcome(d, sub, out, r.now())
	if d.Status.Terminal() {
		delete(r.inflight, id)
	}
	delivery := d.clone()
	r.mu.Unlock()

	r.persistDelivery(ctx, delivery)
	if sub != nil {
		r.persistSubscription(ctx, delivery.SubscriptionID)
	}

	if retryAt == nil {
		r.log.Info("Delivery resolved",
			"delivery_id", id,
			"subscription_id", delivery.SubscriptionID,
			"status", delivery.Status,
			"attempts", delivery.Attempts,
		)
		return
	}

	r.metrics.RetryScheduled(ctx)
	r.log.Info("Delivery retry scheduled",
		"delivery_id", id,
		"subscription_id", delivery.SubscriptionID,
		"attempts", delivery.Attempts,
		"next_retry_at", retryAt,
		"error", delivery.ErrorMessage,
	)
	if err := r.scheduler.Schedule(ctx, id, *retryAt); err != nil {
		r.park(id, fmt.Errorf("failed to schedule retry: %w", err))
	}
}

// applyOutcome books one attempt on d and, for non-test traffic, on sub.
// The caller holds r.mu when d or sub are shared. It returns the time of
// the next attempt when a retry is due.
func (r *Registry) applyOutcome(d *Delivery, sub *Subscription, out Outcome, now time.Time) *time.Time {
	d.Attempts++
	d.DurationMs = out.Duration.Milliseconds()
	d.StatusCode = out.StatusCode
	d.ResponseBody = out.Body
	d.UpdatedAt = now
	if out.Responded() {
		t := now
		d.DeliveredAt = &t
	}

	var retryAt *time.Time
	if out.Err == nil {
		d.Status = StatusSuccess
		d.ErrorMessage = ""
		d.NextRetryAt = nil
	} else {
		d.ErrorMessage = out.Err.Error()
		if !d.Test && sub != nil && d.Attempts-1 < sub.RetryPolicy.MaxRetries {
			next := now.Add(sub.RetryPolicy.Backoff(d.Attempts - 1))
			d.Status = StatusRetrying
			d.NextRetryAt = &next
			retryAt = &next
		} else {
			d.Status = StatusFailed
			d.NextRetryAt = nil
		}
	}

	if d.Test || sub == nil {
		return retryAt
	}

	last := now
	sub.LastDeliveryAt = &last
	if !d.Status.Terminal() {
		return retryAt
	}

	sub.DeliveryStats.record(d.Status == StatusSuccess, out.Duration)
	if d.Status == StatusSuccess {
		sub.FailureStreak = 0
		return retryAt
	}
	sub.FailureStreak++
	if r.autoDisableAfter > 0 && sub.IsActive && sub.FailureStreak >= r.autoDisableAfter {
		sub.IsActive = false
		sub.UpdatedAt = now
		r.log.Warn("Subscription deactivated after repeated failures",
			"subscription_id", sub.ID,
			"failure_streak", sub.FailureStreak,
		)
	}
	return retryAt
}

// park forgets an in-flight delivery whose next attempt could not be
// scheduled, typically because the scheduler is shutting down. The stored
// row keeps its pending or retrying state, so Recover arms it again.
func (r *Registry) park(id string, cause error) {
	r.mu.Lock()
	delete(r.sending, id)
	delete(r.inflight, id)
	r.mu.Unlock()

	r.log.Warn("Delivery left for recovery", "delivery_id", id, "error", cause)
}

// Load fills the subscription table from the store.
func (r *Registry) Load(ctx context.Context) (int, error) {
	subs, err := r.store.LoadSubscriptions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load subscriptions: %w", err)
	}

	added := 0
	r.mu.Lock()
	for _, s := range subs {
		if _, ok := r.subscriptions[s.ID]; !ok {
			added++
		}
		r.subscriptions[s.ID] = s
	}
	r.mu.Unlock()

	r.metrics.SubscriptionsLoaded(ctx, added)
	r.log.Info("Loaded subscriptions", "count", len(subs))
	return len(subs), nil
}

// Recover schedules every persisted delivery that has not reached a
// terminal state. Overdue retries are scheduled immediately. It is safe to
// run while older jobs for the same deliveries are still queued: a job that
// finds its delivery resolved, already sending or retried since it was
// queued does nothing.
func (r *Registry) Recover(ctx context.Context) (int, error) {
	pending, err := r.store.PendingDeliveries(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending deliveries: %w", err)
	}

	now := r.now()
	recovered := 0
	for _, d := range pending {
		r.mu.Lock()
		_, known := r.inflight[d.ID]
		if !known {
			r.inflight[d.ID] = d
		}
		r.mu.Unlock()
		if known {
			continue
		}

		at := now
		if d.NextRetryAt != nil && d.NextRetryAt.After(now) {
			at = *d.NextRetryAt
		}
		if err := r.scheduler.Schedule(ctx, d.ID, at); err != nil {
			r.park(d.ID, fmt.Errorf("failed to schedule recovered delivery: %w", err))
			continue
		}
		recovered++
	}

	r.log.Info("Recovered pending deliveries", "count", recovered)
	return recovered, nil
}

// PruneHistory deletes finished deliveries older than retention.
func (r *Registry) PruneHistory(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := r.store.PruneDeliveries(ctx, r.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune delivery history: %w", err)
	}
	r.log.Info("Pruned delivery history", "deleted", n, "retention", retention.String())
	return n, nil
}

// Close stops the registry's own timer scheduler, if it has one.
func (r *Registry) Close() {
	if r.timers != nil {
		r.timers.Stop()
	}
}

// persistSubscription writes the current in-memory state of subscription id.
// A subscription removed in the meantime is not written back.
func (r *Registry) persistSubscription(ctx context.Context, id string) {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.RLock()
	sub, ok := r.subscriptions[id]
	var snapshot *Subscription
	if ok {
		snapshot = sub.clone()
	}
	r.mu.RUnlock()
	if !ok {
		return
	}

	if err := r.store.PersistSubscription(ctx, snapshot); err != nil {
		r.log.Error("Failed to persist subscription", "subscription_id", id, "error", err)
	}
}

func (r *Registry) persistDelivery(ctx context.Context, d *Delivery) {
	if err := r.store.PersistDelivery(ctx, d); err != nil {
		r.log.Error("Failed to persist delivery", "delivery_id", d.ID, "error", err)
	}
}

// buildEnvelope serializes the envelope once. The returned bytes are both
// signed and sent.
func buildEnvelope(event EventType, data any, ec EventContext, now time.Time) (*Envelope, []byte, error) {
	raw := json.RawMessage("{}")
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode event data: %w", err)
		}
		raw = b
	}

	env := &Envelope{
		ID:             newEventID(now),
		Type:           event,
		Data:           raw,
		Timestamp:      formatTimestamp(now),
		APIVersion:     APIVersion,
		OrganizationID: ec.OrganizationID,
		UserID:         ec.UserID,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return env, body, nil
}

func newDelivery(sub *Subscription, env *Envelope, body []byte, test bool, now time.Time) *Delivery {
	return &Delivery{
		ID:             newDeliveryID(),
		SubscriptionID: sub.ID,
		EventID:        env.ID,
		EventType:      env.Type,
		Payload:        body,
		URL:            sub.URL,
		Method:         http.MethodPost,
		Headers:        buildHeaders(body, sub.Secret, env, test),
		Test:           test,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
