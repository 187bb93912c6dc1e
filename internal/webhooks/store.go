package webhooks

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// DefaultHistoryLimit is used when a history query does not give a limit.
const DefaultHistoryLimit = 50

// MaxHistoryLimit caps a single history query.
const MaxHistoryLimit = 500

// Store is the durable side of the registry. The registry treats write
// failures as best effort and logs them.
type Store interface {
	PersistSubscription(ctx context.Context, sub *Subscription) error
	DeleteSubscription(ctx context.Context, id string) error
	LoadSubscriptions(ctx context.Context) ([]*Subscription, error)

	PersistDelivery(ctx context.Context, d *Delivery) error
	// GetDelivery returns ErrDeliveryNotFound for unknown ids.
	GetDelivery(ctx context.Context, id string) (*Delivery, error)
	// QueryDeliveries returns up to limit deliveries, newest first.
	QueryDeliveries(ctx context.Context, subscriptionID string, limit int) ([]*Delivery, error)
	// PendingDeliveries returns deliveries still in pending or retrying state.
	PendingDeliveries(ctx context.Context) ([]*Delivery, error)
	// PruneDeliveries removes terminal deliveries created before cutoff.
	PruneDeliveries(ctx context.Context, before time.Time) (int64, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	deliveries    map[string]*Delivery
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subscriptions: make(map[string]*Subscription),
		deliveries:    make(map[string]*Delivery),
	}
}

func (m *MemoryStore) PersistSubscription(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[sub.ID] = sub.clone()
	return nil
}

func (m *MemoryStore) DeleteSubscription(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscriptions, id)
	return nil
}

func (m *MemoryStore) LoadSubscriptions(context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Subscription, 0, len(m.subscriptions))
	for _, s := range m.subscriptions {
		out = append(out, s.clone())
	}
	return out, nil
}

func (m *MemoryStore) PersistDelivery(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[d.ID] = d.clone()
	return nil
}

func (m *MemoryStore) GetDelivery(_ context.Context, id string) (*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	return d.clone(), nil
}

func (m *MemoryStore) QueryDeliveries(_ context.Context, subscriptionID string, limit int) ([]*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Delivery
	for _, d := range m.deliveries {
		if d.SubscriptionID == subscriptionID {
			out = append(out, d.clone())
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) PendingDeliveries(context.Context) ([]*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Delivery
	for _, d := range m.deliveries {
		if !d.Status.Terminal() {
			out = append(out, d.clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) PruneDeliveries(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, d := range m.deliveries {
		if d.Status.Terminal() && d.CreatedAt.Before(before) {
			delete(m.deliveries, id)
			n++
		}
	}
	return n, nil
}

// sortNewestFirst orders by creation time, then by id. Delivery ids are
// time ordered so the tie-break keeps deliveries created in the same
// instant stable.
func sortNewestFirst(ds []*Delivery) {
	slices.SortFunc(ds, func(a, b *Delivery) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
}
