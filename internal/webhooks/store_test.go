package webhooks

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises a Store implementation. Every backend must
// pass it unchanged.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sampleSubscription := func(id string) *Subscription {
		last := base.Add(time.Minute)
		return &Subscription{
			ID:             id,
			UserID:         "user-1",
			OrganizationID: "org-1",
			URL:            "https://hooks.example.com/" + id,
			Events:         []EventType{EventDocumentSigned, EventPaymentFailed},
			Secret:         "c2VjcmV0",
			RetryPolicy:    RetryPolicy{MaxRetries: 4, BackoffMultiplier: 1.5, MaxBackoffSeconds: 90},
			IsActive:       true,
			Metadata:       map[string]any{"team": "billing"},
			CreatedAt:      base,
			UpdatedAt:      base,
			LastDeliveryAt: &last,
			DeliveryStats:  DeliveryStats{TotalDeliveries: 3, SuccessfulDeliveries: 2, FailedDeliveries: 1, AvgResponseTime: 41.5},
			FailureStreak:  1,
		}
	}

	sampleDelivery := func(id, subID string, created time.Time, status DeliveryStatus) *Delivery {
		return &Delivery{
			ID:             id,
			SubscriptionID: subID,
			EventID:        "evt_" + id,
			EventType:      EventDocumentSigned,
			Payload:        json.RawMessage(`{"id":"evt_` + id + `","data":{"n":1}}`),
			URL:            "https://hooks.example.com",
			Method:         "POST",
			Headers:        map[string]string{HeaderEvent: "document.signed"},
			Status:         status,
			Attempts:       1,
			CreatedAt:      created,
			UpdatedAt:      created,
		}
	}

	t.Run("subscriptions round trip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		want := sampleSubscription("wh_a")
		require.NoError(t, s.PersistSubscription(ctx, want))

		want.IsActive = false
		want.DeliveryStats.TotalDeliveries = 4
		want.UpdatedAt = base.Add(time.Hour)
		require.NoError(t, s.PersistSubscription(ctx, want))

		got, err := s.LoadSubscriptions(ctx)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, want.ID, got[0].ID)
		assert.Equal(t, want.Events, got[0].Events)
		assert.Equal(t, want.Secret, got[0].Secret)
		assert.Equal(t, want.RetryPolicy, got[0].RetryPolicy)
		assert.Equal(t, want.DeliveryStats, got[0].DeliveryStats)
		assert.Equal(t, "billing", got[0].Metadata["team"])
		assert.False(t, got[0].IsActive)
		assert.Equal(t, 1, got[0].FailureStreak)
		assert.True(t, want.UpdatedAt.Equal(got[0].UpdatedAt))
		require.NotNil(t, got[0].LastDeliveryAt)
		assert.True(t, want.LastDeliveryAt.Equal(*got[0].LastDeliveryAt))

		require.NoError(t, s.DeleteSubscription(ctx, want.ID))
		got, err = s.LoadSubscriptions(ctx)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("delivery round trip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		d := sampleDelivery("dlv_1", "wh_a", base, StatusPending)
		require.NoError(t, s.PersistDelivery(ctx, d))

		next := base.Add(2 * time.Second)
		d.Status = StatusRetrying
		d.Attempts = 2
		d.StatusCode = 502
		d.ErrorMessage = "HTTP 502: Bad Gateway"
		d.NextRetryAt = &next
		d.DeliveredAt = &base
		require.NoError(t, s.PersistDelivery(ctx, d))

		got, err := s.GetDelivery(ctx, "dlv_1")
		require.NoError(t, err)
		assert.Equal(t, StatusRetrying, got.Status)
		assert.Equal(t, 2, got.Attempts)
		assert.Equal(t, 502, got.StatusCode)
		assert.Equal(t, d.ErrorMessage, got.ErrorMessage)
		assert.JSONEq(t, string(d.Payload), string(got.Payload))
		assert.Equal(t, d.Headers, got.Headers)
		require.NotNil(t, got.NextRetryAt)
		assert.True(t, next.Equal(*got.NextRetryAt))

		_, err = s.GetDelivery(ctx, "dlv_missing")
		assert.ErrorIs(t, err, ErrDeliveryNotFound)
	})

	t.Run("query newest first with limit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i, id := range []string{"dlv_1", "dlv_2", "dlv_3", "dlv_4"} {
			require.NoError(t, s.PersistDelivery(ctx, sampleDelivery(id, "wh_a", base.Add(time.Duration(i)*time.Second), StatusSuccess)))
		}
		require.NoError(t, s.PersistDelivery(ctx, sampleDelivery("dlv_other", "wh_b", base.Add(time.Hour), StatusSuccess)))

		got, err := s.QueryDeliveries(ctx, "wh_a", 3)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "dlv_4", got[0].ID)
		assert.Equal(t, "dlv_3", got[1].ID)
		assert.Equal(t, "dlv_2", got[2].ID)
	})

	t.Run("pending and prune", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.PersistDelivery(ctx, sampleDelivery("dlv_old_ok", "wh_a", base, StatusSuccess)))
		require.NoError(t, s.PersistDelivery(ctx, sampleDelivery("dlv_old_failed", "wh_a", base, StatusFailed)))
		require.NoError(t, s.PersistDelivery(ctx, sampleDelivery("dlv_old_retrying", "wh_a", base, StatusRetrying)))
		require.NoError(t, s.PersistDelivery(ctx, sampleDelivery("dlv_new_pending", "wh_a", base.Add(48*time.Hour), StatusPending)))
		require.NoError(t, s.PersistDelivery(ctx, sampleDelivery("dlv_new_ok", "wh_a", base.Add(48*time.Hour), StatusSuccess)))

		pending, err := s.PendingDeliveries(ctx)
		require.NoError(t, err)
		var ids []string
		for _, d := range pending {
			ids = append(ids, d.ID)
		}
		assert.ElementsMatch(t, []string{"dlv_old_retrying", "dlv_new_pending"}, ids)

		n, err := s.PruneDeliveries(ctx, base.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		left, err := s.QueryDeliveries(ctx, "wh_a", 10)
		require.NoError(t, err)
		assert.Len(t, left, 3)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	d := &Delivery{ID: "dlv_1", Headers: map[string]string{"a": "1"}, Status: StatusPending}
	require.NoError(t, s.PersistDelivery(ctx, d))

	d.Headers["a"] = "changed"
	got, err := s.GetDelivery(ctx, "dlv_1")
	require.NoError(t, err)
	assert.Equal(t, "1", got.Headers["a"])
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		s, err := OpenSQLiteStore(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "herald.db")
	ctx := context.Background()

	s, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.PersistSubscription(ctx, &Subscription{
		ID:          "wh_1",
		UserID:      "user-1",
		URL:         "https://hooks.example.com",
		Events:      []EventType{EventUserCreated},
		Secret:      "c2VjcmV0",
		RetryPolicy: DefaultRetryPolicy(),
		IsActive:    true,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}))
	require.NoError(t, s.Close())

	s, err = OpenSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	subs, err := s.LoadSubscriptions(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Nil(t, subs[0].Metadata)
	assert.Nil(t, subs[0].LastDeliveryAt)
}
