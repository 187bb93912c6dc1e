package webhooks

import (
	"fmt"
	"slices"
)

// EventType names a domain event a subscription can listen for.
type EventType string

const (
	EventDocumentCreated      EventType = "document.created"
	EventDocumentUpdated      EventType = "document.updated"
	EventDocumentSigned       EventType = "document.signed"
	EventDocumentCompleted    EventType = "document.completed"
	EventDocumentDeleted      EventType = "document.deleted"
	EventUserCreated          EventType = "user.created"
	EventUserUpdated          EventType = "user.updated"
	EventPaymentSucceeded     EventType = "payment.succeeded"
	EventPaymentFailed        EventType = "payment.failed"
	EventSubscriptionCreated  EventType = "subscription.created"
	EventSubscriptionUpdated  EventType = "subscription.updated"
	EventSubscriptionCanceled EventType = "subscription.cancelled"
	EventComplianceAudit      EventType = "compliance.audit"
	EventTemplateCreated      EventType = "template.created"
	EventTemplateUpdated      EventType = "template.updated"
)

var knownEvents = []EventType{
	EventDocumentCreated,
	EventDocumentUpdated,
	EventDocumentSigned,
	EventDocumentCompleted,
	EventDocumentDeleted,
	EventUserCreated,
	EventUserUpdated,
	EventPaymentSucceeded,
	EventPaymentFailed,
	EventSubscriptionCreated,
	EventSubscriptionUpdated,
	EventSubscriptionCanceled,
	EventComplianceAudit,
	EventTemplateCreated,
	EventTemplateUpdated,
}

// EventTypes returns every event type the registry recognizes.
func EventTypes() []EventType {
	return slices.Clone(knownEvents)
}

// Valid reports whether e belongs to the recognized set.
func (e EventType) Valid() bool {
	return slices.Contains(knownEvents, e)
}

// ParseEventType converts s into a recognized EventType.
func ParseEventType(s string) (EventType, error) {
	e := EventType(s)
	if !e.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEvent, s)
	}
	return e, nil
}

// normalizeEvents validates and deduplicates a subscription's event set.
func normalizeEvents(in []EventType) ([]EventType, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: at least one event is required", ErrInvalidSubscription)
	}

	out := make([]EventType, 0, len(in))
	for _, e := range in {
		if !e.Valid() {
			return nil, fmt.Errorf("%w: %w: %q", ErrInvalidSubscription, ErrUnknownEvent, e)
		}
		if !slices.Contains(out, e) {
			out = append(out, e)
		}
	}
	return out, nil
}
