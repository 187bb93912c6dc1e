package connect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"
	"connectrpc.com/otelconnect"
	"github.com/riverqueue/river/rivertype"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sarathsp06/herald/internal/jobs"
	"github.com/sarathsp06/herald/internal/logger"
	"github.com/sarathsp06/herald/internal/observability"
	"github.com/sarathsp06/herald/internal/webhooks"
)

// ServiceName is the fully qualified Connect service name.
const ServiceName = "herald.v1.WebhookService"

// Caller identity headers.
const (
	HeaderUserID         = "X-User-ID"
	HeaderOrganizationID = "X-Organization-ID"
)

// Procedure returns the HTTP path of a WebhookService method.
func Procedure(method string) string {
	return "/" + ServiceName + "/" + method
}

// Registry is the subset of *webhooks.Registry the server uses.
type Registry interface {
	Subscribe(ctx context.Context, in webhooks.SubscribeInput) (*webhooks.Subscription, error)
	Unsubscribe(ctx context.Context, id, userID string) (bool, error)
	UpdateSubscription(ctx context.Context, id, userID string, patch webhooks.SubscriptionPatch) (*webhooks.Subscription, error)
	GetSubscriptions(ctx context.Context, userID, organizationID string) []*webhooks.Subscription
	GetSubscription(ctx context.Context, id, userID string) (*webhooks.Subscription, error)
	Trigger(ctx context.Context, event webhooks.EventType, data any, ec webhooks.EventContext) (*webhooks.TriggerResult, error)
	TestWebhook(ctx context.Context, id, userID string) (*webhooks.Delivery, error)
	GetDeliveryHistory(ctx context.Context, id, userID string, limit int) ([]*webhooks.Delivery, error)
}

// EventPublisher queues events for asynchronous fan-out.
type EventPublisher interface {
	Publish(ctx context.Context, args jobs.EventArgs) (*rivertype.JobInsertResult, error)
}

// WebhookConnectServer implements the WebhookService Connect-RPC interface
type WebhookConnectServer struct {
	registry  Registry
	publisher EventPublisher
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewWebhookConnectServer creates a new Connect-RPC server instance. When
// publisher is non-nil PushEvent queues events instead of triggering them
// inline.
func NewWebhookConnectServer(registry Registry, publisher EventPublisher) *WebhookConnectServer {
	return &WebhookConnectServer{
		registry:  registry,
		publisher: publisher,
		logger:    logger.NewLogger("connect-webhook-server"),
		tracer:    observability.GetTracer("herald.connect.webhook"),
	}
}

// caller reads the identity headers.
func caller(h http.Header) (userID, organizationID string, err error) {
	userID = h.Get(HeaderUserID)
	if userID == "" {
		return "", "", connect.NewError(connect.CodeUnauthenticated, fmt.Errorf("%s header is required", HeaderUserID))
	}
	return userID, h.Get(HeaderOrganizationID), nil
}

// ErrOrganizationMismatch rejects a subscription body that names an
// organization other than the caller's.
var ErrOrganizationMismatch = errors.New("organizationId must match the " + HeaderOrganizationID + " header")

// SubscriptionOrganization returns the organization a new subscription joins.
// Membership comes from the caller's header only; the body may repeat it.
func SubscriptionOrganization(header, body string) (string, error) {
	if body != "" && body != header {
		return "", ErrOrganizationMismatch
	}
	return header, nil
}

// toConnectError maps registry errors onto Connect codes.
func toConnectError(err error) error {
	var cerr *connect.Error
	switch {
	case errors.As(err, &cerr):
		return err
	case errors.Is(err, webhooks.ErrInvalidURL),
		errors.Is(err, webhooks.ErrInvalidSubscription),
		errors.Is(err, webhooks.ErrUnknownEvent):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, webhooks.ErrNotFoundOrUnauthorized):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, ErrOrganizationMismatch):
		return connect.NewError(connect.CodePermissionDenied, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}

func eventTypes(in []string) []webhooks.EventType {
	if in == nil {
		return nil
	}
	out := make([]webhooks.EventType, len(in))
	for i, e := range in {
		out[i] = webhooks.EventType(e)
	}
	return out
}

// Subscribe registers a URL for a set of events.
func (s *WebhookConnectServer) Subscribe(
	ctx context.Context,
	req *connect.Request[SubscribeRequest],
) (*connect.Response[SubscriptionResponse], error) {
	userID, headerOrg, err := caller(req.Header())
	if err != nil {
		return nil, err
	}
	orgID, err := SubscriptionOrganization(headerOrg, req.Msg.OrganizationID)
	if err != nil {
		return nil, toConnectError(err)
	}

	s.logger.Info("Connect: Received subscribe request",
		"user_id", userID,
		"organization_id", orgID,
		"url", req.Msg.URL,
		"events", req.Msg.Events,
	)

	sub, err := s.registry.Subscribe(ctx, webhooks.SubscribeInput{
		UserID:         userID,
		OrganizationID: orgID,
		URL:            req.Msg.URL,
		Events:         eventTypes(req.Msg.Events),
		RetryPolicy:    req.Msg.RetryPolicy,
		IsActive:       req.Msg.IsActive,
		Metadata:       req.Msg.Metadata,
	})
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&SubscriptionResponse{Subscription: sub}), nil
}

// Unsubscribe deletes a subscription owned by the caller.
func (s *WebhookConnectServer) Unsubscribe(
	ctx context.Context,
	req *connect.Request[UnsubscribeRequest],
) (*connect.Response[UnsubscribeResponse], error) {
	userID, _, err := caller(req.Header())
	if err != nil {
		return nil, err
	}
	ok, err := s.registry.Unsubscribe(ctx, req.Msg.ID, userID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&UnsubscribeResponse{Success: ok}), nil
}

// UpdateSubscription changes a subscription owned by the caller.
func (s *WebhookConnectServer) UpdateSubscription(
	ctx context.Context,
	req *connect.Request[UpdateSubscriptionRequest],
) (*connect.Response[SubscriptionResponse], error) {
	userID, _, err := caller(req.Header())
	if err != nil {
		return nil, err
	}
	sub, err := s.registry.UpdateSubscription(ctx, req.Msg.ID, userID, webhooks.SubscriptionPatch{
		URL:      req.Msg.URL,
		Events:   eventTypes(req.Msg.Events),
		IsActive: req.Msg.IsActive,
		Metadata: req.Msg.Metadata,
	})
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&SubscriptionResponse{Subscription: sub}), nil
}

// ListSubscriptions returns the caller's and the caller organization's
// subscriptions.
func (s *WebhookConnectServer) ListSubscriptions(
	ctx context.Context,
	req *connect.Request[ListSubscriptionsRequest],
) (*connect.Response[ListSubscriptionsResponse], error) {
	userID, orgID, err := caller(req.Header())
	if err != nil {
		return nil, err
	}
	subs := s.registry.GetSubscriptions(ctx, userID, orgID)
	if subs == nil {
		subs = []*webhooks.Subscription{}
	}
	return connect.NewResponse(&ListSubscriptionsResponse{
		Subscriptions: subs,
		TotalCount:    len(subs),
	}), nil
}

func (s *WebhookConnectServer) GetSubscription(
	ctx context.Context,
	req *connect.Request[GetSubscriptionRequest],
) (*connect.Response[SubscriptionResponse], error) {
	userID, _, err := caller(req.Header())
	if err != nil {
		return nil, err
	}
	sub, err := s.registry.GetSubscription(ctx, req.Msg.ID, userID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&SubscriptionResponse{Subscription: sub}), nil
}

// PushEvent fans an event out to the caller's matching subscriptions.
func (s *WebhookConnectServer) PushEvent(
	ctx context.Context,
	req *connect.Request[PushEventRequest],
) (*connect.Response[PushEventResponse], error) {
	ctx, span := s.tracer.Start(ctx, "connect.webhook.push_event",
		trace.WithAttributes(attribute.String("event_type", req.Msg.EventType)),
	)
	defer span.End()

	userID, orgID, err := caller(req.Header())
	if err != nil {
		return nil, err
	}
	event, err := webhooks.ParseEventType(req.Msg.EventType)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, toConnectError(err)
	}

	if s.publisher != nil {
		res, err := s.publisher.Publish(ctx, jobs.EventArgs{
			EventType:      string(event),
			Data:           req.Msg.Data,
			UserID:         userID,
			OrganizationID: orgID,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
			s.logger.Error("Failed to queue event", "event_type", event, "error", err)
			return nil, toConnectError(err)
		}
		s.logger.Info("Event queued", "event_type", event, "job_id", res.Job.ID)
		return connect.NewResponse(&PushEventResponse{DeliveryIDs: []string{}, Queued: true}), nil
	}

	var data any
	if len(req.Msg.Data) > 0 {
		data = req.Msg.Data
	}
	res, err := s.registry.Trigger(ctx, event, data, webhooks.EventContext{
		UserID:         userID,
		OrganizationID: orgID,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, toConnectError(err)
	}

	span.SetAttributes(
		attribute.String("event_id", res.EventID),
		attribute.Int("deliveries", len(res.DeliveryIDs)),
	)
	return connect.NewResponse(&PushEventResponse{
		EventID:     res.EventID,
		DeliveryIDs: res.DeliveryIDs,
	}), nil
}

// TestWebhook sends a synthetic event to a subscription once.
func (s *WebhookConnectServer) TestWebhook(
	ctx context.Context,
	req *connect.Request[TestWebhookRequest],
) (*connect.Response[TestWebhookResponse], error) {
	userID, _, err := caller(req.Header())
	if err != nil {
		return nil, err
	}
	d, err := s.registry.TestWebhook(ctx, req.Msg.ID, userID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&TestWebhookResponse{Delivery: d}), nil
}

func (s *WebhookConnectServer) GetDeliveryHistory(
	ctx context.Context,
	req *connect.Request[GetDeliveryHistoryRequest],
) (*connect.Response[GetDeliveryHistoryResponse], error) {
	userID, _, err := caller(req.Header())
	if err != nil {
		return nil, err
	}
	deliveries, err := s.registry.GetDeliveryHistory(ctx, req.Msg.ID, userID, req.Msg.Limit)
	if err != nil {
		return nil, toConnectError(err)
	}
	if deliveries == nil {
		deliveries = []*webhooks.Delivery{}
	}
	return connect.NewResponse(&GetDeliveryHistoryResponse{Deliveries: deliveries}), nil
}

// Handler returns the Connect-RPC handler and the path prefix to mount it on.
func (s *WebhookConnectServer) Handler() (string, http.Handler, error) {
	otelInterceptor, err := otelconnect.NewInterceptor()
	if err != nil {
		return "", nil, fmt.Errorf("failed to create otel interceptor: %w", err)
	}
	opts := []connect.HandlerOption{
		connect.WithCodec(JSONCodec{}),
		connect.WithInterceptors(otelInterceptor),
	}

	mux := http.NewServeMux()
	mux.Handle(Procedure("Subscribe"), connect.NewUnaryHandler(Procedure("Subscribe"), s.Subscribe, opts...))
	mux.Handle(Procedure("Unsubscribe"), connect.NewUnaryHandler(Procedure("Unsubscribe"), s.Unsubscribe, opts...))
	mux.Handle(Procedure("UpdateSubscription"), connect.NewUnaryHandler(Procedure("UpdateSubscription"), s.UpdateSubscription, opts...))
	mux.Handle(Procedure("ListSubscriptions"), connect.NewUnaryHandler(Procedure("ListSubscriptions"), s.ListSubscriptions, opts...))
	mux.Handle(Procedure("GetSubscription"), connect.NewUnaryHandler(Procedure("GetSubscription"), s.GetSubscription, opts...))
	mux.Handle(Procedure("PushEvent"), connect.NewUnaryHandler(Procedure("PushEvent"), s.PushEvent, opts...))
	mux.Handle(Procedure("TestWebhook"), connect.NewUnaryHandler(Procedure("TestWebhook"), s.TestWebhook, opts...))
	mux.Handle(Procedure("GetDeliveryHistory"), connect.NewUnaryHandler(Procedure("GetDeliveryHistory"), s.GetDeliveryHistory, opts...))

	return "/" + ServiceName + "/", mux, nil
}
