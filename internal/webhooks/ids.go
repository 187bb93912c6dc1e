package webhooks

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// newTimeOrderedID returns prefix followed by a UUIDv7, falling back to a
// random v4 if the clock source fails.
func newTimeOrderedID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + id.String()
}

func newSubscriptionID() string { return newTimeOrderedID("wh_") }

func newDeliveryID() string { return newTimeOrderedID("dlv_") }

// newEventID returns an envelope id built from a ULID stamped with now.
func newEventID(now time.Time) string {
	return "evt_" + ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}
