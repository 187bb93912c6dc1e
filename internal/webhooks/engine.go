package webhooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sarathsp06/herald/internal/logger"
	"github.com/sarathsp06/herald/internal/observability"
)

// UserAgent identifies Herald to subscribers.
const UserAgent = "Herald-Webhooks/1.0"

// Attempt outcomes as reported to metrics.
const (
	OutcomeSuccess        = "success"
	OutcomeHTTPError      = "http_error"
	OutcomeTransportError = "transport_error"
)

// Outcome is the result of a single send.
type Outcome struct {
	StatusCode int
	Body       string
	// Err is nil on a 2xx response, an *HTTPError for other statuses and a
	// *TransportError when no response arrived.
	Err      error
	Duration time.Duration
}

// Responded reports whether the subscriber produced an HTTP response.
func (o Outcome) Responded() bool { return o.StatusCode != 0 }

func (o Outcome) label() string {
	var httpErr *HTTPError
	switch {
	case o.Err == nil:
		return OutcomeSuccess
	case errors.As(o.Err, &httpErr):
		return OutcomeHTTPError
	default:
		return OutcomeTransportError
	}
}

// Engine performs single delivery attempts. It does no bookkeeping; the
// registry applies the Outcome to the delivery and subscription.
type Engine struct {
	transport Transport
	metrics   *observability.HeraldMetrics
	tracer    trace.Tracer
	log       *slog.Logger
}

// NewEngine creates an Engine sending through t. metrics may be nil.
func NewEngine(t Transport, metrics *observability.HeraldMetrics) *Engine {
	return &Engine{
		transport: t,
		metrics:   metrics,
		tracer:    observability.GetTracer("herald.webhooks.engine"),
		log:       logger.NewLogger("delivery-engine"),
	}
}

// buildHeaders returns the header set for a delivery whose wire body is body.
func buildHeaders(body []byte, secret string, env *Envelope, test bool) map[string]string {
	h := map[string]string{
		"Content-Type":  "application/json",
		"User-Agent":    UserAgent,
		HeaderSignature: Sign(body, secret),
		HeaderEvent:     string(env.Type),
		HeaderID:        env.ID,
	}
	if test {
		h[HeaderTest] = "true"
	}
	return h
}

// Attempt POSTs the delivery's payload once. A panic raised while sending
// is converted into a failed Outcome.
func (e *Engine) Attempt(ctx context.Context, d *Delivery) (out Outcome) {
	ctx, span := e.tracer.Start(ctx, "webhook.deliver",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("delivery_id", d.ID),
			attribute.String("subscription_id", d.SubscriptionID),
			attribute.String("event_type", string(d.EventType)),
			attribute.Int("attempt", d.Attempts+1),
			attribute.Bool("test", d.Test),
		),
	)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			out = Outcome{
				Err:      &TransportError{Err: fmt.Errorf("panic during delivery: %v", r)},
				Duration: time.Since(start),
			}
			e.log.Error("Recovered panic during delivery",
				"delivery_id", d.ID,
				"panic", fmt.Sprint(r),
			)
		}

		if out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(otelcodes.Error, out.Err.Error())
		} else {
			span.SetStatus(otelcodes.Ok, "delivered")
		}
		if out.Responded() {
			span.SetAttributes(attribute.Int("http.status_code", out.StatusCode))
		}
		span.End()
		e.metrics.DeliveryAttempted(ctx, out.label(), out.Duration)
	}()

	resp, err := e.transport.Post(ctx, d.URL, d.Headers, d.Payload)
	out.Duration = time.Since(start)
	if err != nil {
		out.Err = &TransportError{Err: err}
		e.log.Warn("Webhook request failed",
			"delivery_id", d.ID,
			"url", d.URL,
			"duration_ms", out.Duration.Milliseconds(),
			"error", err,
		)
		return out
	}

	out.StatusCode = resp.StatusCode
	out.Body = string(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		out.Err = &HTTPError{StatusCode: resp.StatusCode}
		e.log.Warn("Webhook delivery rejected",
			"delivery_id", d.ID,
			"url", d.URL,
			"status_code", resp.StatusCode,
			"duration_ms", out.Duration.Milliseconds(),
		)
		return out
	}

	e.log.Info("Webhook delivered successfully",
		"delivery_id", d.ID,
		"url", d.URL,
		"status_code", resp.StatusCode,
		"duration_ms", out.Duration.Milliseconds(),
	)
	return out
}
