package connect

import (
	"context"

	"connectrpc.com/connect"
)

// WebhookClient is a typed client for herald.v1.WebhookService. Every call
// is made on behalf of the user and organization it was created with.
type WebhookClient struct {
	userID         string
	organizationID string

	subscribe          *connect.Client[SubscribeRequest, SubscriptionResponse]
	unsubscribe        *connect.Client[UnsubscribeRequest, UnsubscribeResponse]
	updateSubscription *connect.Client[UpdateSubscriptionRequest, SubscriptionResponse]
	listSubscriptions  *connect.Client[ListSubscriptionsRequest, ListSubscriptionsResponse]
	getSubscription    *connect.Client[GetSubscriptionRequest, SubscriptionResponse]
	pushEvent          *connect.Client[PushEventRequest, PushEventResponse]
	testWebhook        *connect.Client[TestWebhookRequest, TestWebhookResponse]
	deliveryHistory    *connect.Client[GetDeliveryHistoryRequest, GetDeliveryHistoryResponse]
}

// NewWebhookClient creates a client for the service at baseURL.
func NewWebhookClient(httpClient connect.HTTPClient, baseURL, userID, organizationID string, opts ...connect.ClientOption) *WebhookClient {
	opts = append([]connect.ClientOption{connect.WithCodec(JSONCodec{})}, opts...)
	return &WebhookClient{
		userID:             userID,
		organizationID:     organizationID,
		subscribe:          connect.NewClient[SubscribeRequest, SubscriptionResponse](httpClient, baseURL+Procedure("Subscribe"), opts...),
		unsubscribe:        connect.NewClient[UnsubscribeRequest, UnsubscribeResponse](httpClient, baseURL+Procedure("Unsubscribe"), opts...),
		updateSubscription: connect.NewClient[UpdateSubscriptionRequest, SubscriptionResponse](httpClient, baseURL+Procedure("UpdateSubscription"), opts...),
		listSubscriptions:  connect.NewClient[ListSubscriptionsRequest, ListSubscriptionsResponse](httpClient, baseURL+Procedure("ListSubscriptions"), opts...),
		getSubscription:    connect.NewClient[GetSubscriptionRequest, SubscriptionResponse](httpClient, baseURL+Procedure("GetSubscription"), opts...),
		pushEvent:          connect.NewClient[PushEventRequest, PushEventResponse](httpClient, baseURL+Procedure("PushEvent"), opts...),
		testWebhook:        connect.NewClient[TestWebhookRequest, TestWebhookResponse](httpClient, baseURL+Procedure("TestWebhook"), opts...),
		deliveryHistory:    connect.NewClient[GetDeliveryHistoryRequest, GetDeliveryHistoryResponse](httpClient, baseURL+Procedure("GetDeliveryHistory"), opts...),
	}
}

func request[T any](c *WebhookClient, msg *T) *connect.Request[T] {
	req := connect.NewRequest(msg)
	req.Header().Set(HeaderUserID, c.userID)
	if c.organizationID != "" {
		req.Header().Set(HeaderOrganizationID, c.organizationID)
	}
	return req
}

func unwrap[T any](res *connect.Response[T], err error) (*T, error) {
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

func (c *WebhookClient) Subscribe(ctx context.Context, msg *SubscribeRequest) (*SubscriptionResponse, error) {
	return unwrap(c.subscribe.CallUnary(ctx, request(c, msg)))
}

func (c *WebhookClient) Unsubscribe(ctx context.Context, msg *UnsubscribeRequest) (*UnsubscribeResponse, error) {
	return unwrap(c.unsubscribe.CallUnary(ctx, request(c, msg)))
}

func (c *WebhookClient) UpdateSubscription(ctx context.Context, msg *UpdateSubscriptionRequest) (*SubscriptionResponse, error) {
	return unwrap(c.updateSubscription.CallUnary(ctx, request(c, msg)))
}

func (c *WebhookClient) ListSubscriptions(ctx context.Context) (*ListSubscriptionsResponse, error) {
	return unwrap(c.listSubscriptions.CallUnary(ctx, request(c, &ListSubscriptionsRequest{})))
}

func (c *WebhookClient) GetSubscription(ctx context.Context, msg *GetSubscriptionRequest) (*SubscriptionResponse, error) {
	return unwrap(c.getSubscription.CallUnary(ctx, request(c, msg)))
}

func (c *WebhookClient) PushEvent(ctx context.Context, msg *PushEventRequest) (*PushEventResponse, error) {
	return unwrap(c.pushEvent.CallUnary(ctx, request(c, msg)))
}

func (c *WebhookClient) TestWebhook(ctx context.Context, msg *TestWebhookRequest) (*TestWebhookResponse, error) {
	return unwrap(c.testWebhook.CallUnary(ctx, request(c, msg)))
}

func (c *WebhookClient) GetDeliveryHistory(ctx context.Context, msg *GetDeliveryHistoryRequest) (*GetDeliveryHistoryResponse, error) {
	return unwrap(c.deliveryHistory.CallUnary(ctx, request(c, msg)))
}
