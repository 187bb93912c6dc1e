package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/sarathsp06/herald/internal/connect"
	"github.com/sarathsp06/herald/internal/jobs"
	"github.com/sarathsp06/herald/internal/webhooks"
)

const maxRequestBody = 1 << 20

var errBadRequest = errors.New("bad request")

func caller(r *http.Request) (userID, organizationID string, err error) {
	userID = r.Header.Get(connect.HeaderUserID)
	if userID == "" {
		return "", "", errMissingUser
	}
	return userID, r.Header.Get(connect.HeaderOrganizationID), nil
}

func decode(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: malformed JSON body: %v", errBadRequest, err)
	}
	return nil
}

func toEventTypes(in []string) []webhooks.EventType {
	if in == nil {
		return nil
	}
	out := make([]webhooks.EventType, len(in))
	for i, e := range in {
		out[i] = webhooks.EventType(e)
	}
	return out
}

// subscribe handles POST /api/webhooks
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	userID, headerOrg, err := caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req connect.SubscribeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	orgID, err := connect.SubscriptionOrganization(headerOrg, req.OrganizationID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	sub, err := s.registry.Subscribe(r.Context(), webhooks.SubscribeInput{
		UserID:         userID,
		OrganizationID: orgID,
		URL:            req.URL,
		Events:         toEventTypes(req.Events),
		RetryPolicy:    req.RetryPolicy,
		IsActive:       req.IsActive,
		Metadata:       req.Metadata,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, connect.SubscriptionResponse{Subscription: sub})
}

// listSubscriptions handles GET /api/webhooks
func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID, orgID, err := caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	subs := s.registry.GetSubscriptions(r.Context(), userID, orgID)
	if subs == nil {
		subs = []*webhooks.Subscription{}
	}
	writeJSON(w, http.StatusOK, connect.ListSubscriptionsResponse{Subscriptions: subs, TotalCount: len(subs)})
}

// getSubscription handles GET /api/webhooks/{id}
func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	userID, _, err := caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sub, err := s.registry.GetSubscription(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, connect.SubscriptionResponse{Subscription: sub})
}

// updateSubscription handles PATCH /api/webhooks/{id}
func (s *Server) updateSubscription(w http.ResponseWriter, r *http.Request) {
	userID, _, err := caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req connect.UpdateSubscriptionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sub, err := s.registry.UpdateSubscription(r.Context(), mux.Vars(r)["id"], userID, webhooks.SubscriptionPatch{
		URL:      req.URL,
		Events:   toEventTypes(req.Events),
		IsActive: req.IsActive,
		Metadata: req.Metadata,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, connect.SubscriptionResponse{Subscription: sub})
}

// unsubscribe handles DELETE /api/webhooks/{id}
func (s *Server) unsubscribe(w http.ResponseWriter, r *http.Request) {
	userID, _, err := caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.registry.Unsubscribe(r.Context(), mux.Vars(r)["id"], userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// testWebhook handles POST /api/webhooks/{id}/test
func (s *Server) testWebhook(w http.ResponseWriter, r *http.Request) {
	userID, _, err := caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.registry.TestWebhook(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, connect.TestWebhookResponse{Delivery: d})
}

// deliveryHistory handles GET /api/webhooks/{id}/deliveries?limit=N
func (s *Server) deliveryHistory(w http.ResponseWriter, r *http.Request) {
	userID, _, err := caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest))
			return
		}
	}
	deliveries, err := s.registry.GetDeliveryHistory(r.Context(), mux.Vars(r)["id"], userID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if deliveries == nil {
		deliveries = []*webhooks.Delivery{}
	}
	writeJSON(w, http.StatusOK, connect.GetDeliveryHistoryResponse{Deliveries: deliveries})
}

// pushEvent handles POST /api/events
func (s *Server) pushEvent(w http.ResponseWriter, r *http.Request) {
	userID, orgID, err := caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req connect.PushEventRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	event, err := webhooks.ParseEventType(req.EventType)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if s.publisher != nil {
		if _, err := s.publisher.Publish(r.Context(), jobs.EventArgs{
			EventType:      string(event),
			Data:           req.Data,
			UserID:         userID,
			OrganizationID: orgID,
		}); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, connect.PushEventResponse{DeliveryIDs: []string{}, Queued: true})
		return
	}

	var data any
	if len(req.Data) > 0 {
		data = req.Data
	}
	res, err := s.registry.Trigger(r.Context(), event, data, webhooks.EventContext{UserID: userID, OrganizationID: orgID})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, connect.PushEventResponse{EventID: res.EventID, DeliveryIDs: res.DeliveryIDs})
}

// listEventTypes handles GET /api/event-types
func (s *Server) listEventTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"eventTypes": webhooks.EventTypes()})
}
