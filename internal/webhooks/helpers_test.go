package webhooks

import (
	"context"
	"errors"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	mu     sync.Mutex
	status int
	err    error
	calls  []string
}

func (p *fakeProber) Head(_ context.Context, url string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, url)
	return p.status, p.err
}

func (p *fakeProber) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type sentRequest struct {
	URL    string
	Header map[string]string
	Body   []byte
}

// fakeTransport answers with the queued responses in order and repeats the
// last one once the queue is exhausted.
type fakeTransport struct {
	mu       sync.Mutex
	replies  []fakeReply
	requests []sentRequest
}

type fakeReply struct {
	status int
	body   string
	err    error
	panic  any
}

func replyStatus(status int) fakeReply { return fakeReply{status: status} }

func (f *fakeTransport) Post(_ context.Context, url string, header map[string]string, body []byte) (*Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, sentRequest{URL: url, Header: maps.Clone(header), Body: append([]byte(nil), body...)})
	reply := fakeReply{status: 200}
	if len(f.replies) > 0 {
		reply = f.replies[0]
		if len(f.replies) > 1 {
			f.replies = f.replies[1:]
		}
	}
	f.mu.Unlock()

	if reply.panic != nil {
		panic(reply.panic)
	}
	if reply.err != nil {
		return nil, reply.err
	}
	return &Response{StatusCode: reply.status, Body: []byte(reply.body)}, nil
}

func (f *fakeTransport) sent() []sentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentRequest(nil), f.requests...)
}

type scheduledCall struct {
	ID string
	At time.Time
}

// manualScheduler records Schedule calls; tests run them with drain.
type manualScheduler struct {
	mu    sync.Mutex
	queue []scheduledCall
	log   []scheduledCall
	err   error
}

func (s *manualScheduler) Schedule(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.queue = append(s.queue, scheduledCall{ID: id, At: at})
	s.log = append(s.log, scheduledCall{ID: id, At: at})
	return nil
}

func (s *manualScheduler) next() (scheduledCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return scheduledCall{}, false
	}
	c := s.queue[0]
	s.queue = s.queue[1:]
	return c, true
}

func (s *manualScheduler) history() []scheduledCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scheduledCall(nil), s.log...)
}

func (s *manualScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// drain runs scheduled deliveries until none are left, advancing the clock
// to each due time.
func (s *manualScheduler) drain(t *testing.T, r *Registry, clock *fakeClock) {
	t.Helper()
	for i := 0; ; i++ {
		require.Less(t, i, 1000, "scheduler did not settle")
		c, ok := s.next()
		if !ok {
			return
		}
		clock.advanceTo(c.At)
		require.NoError(t, r.ProcessDelivery(context.Background(), c.ID))
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) advanceTo(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}

type fakeLimiter struct {
	mu      sync.Mutex
	denials int
	wait    time.Duration
	calls   int
}

func (l *fakeLimiter) Allow(context.Context, string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.denials > 0 {
		l.denials--
		return false, l.wait, nil
	}
	return true, 0, nil
}

type failingStore struct {
	*MemoryStore
}

func (failingStore) PersistSubscription(context.Context, *Subscription) error {
	return errors.New("database unavailable")
}

func (failingStore) PersistDelivery(context.Context, *Delivery) error {
	return errors.New("database unavailable")
}

// slowStore delays subscription writes, the earliest calls the longest, so
// unordered writers would finish out of order.
type slowStore struct {
	*MemoryStore
	mu    sync.Mutex
	calls int
}

func (s *slowStore) PersistSubscription(ctx context.Context, sub *Subscription) error {
	s.mu.Lock()
	s.calls++
	delay := time.Duration(10-s.calls%10) * time.Millisecond
	s.mu.Unlock()
	time.Sleep(delay)
	return s.MemoryStore.PersistSubscription(ctx, sub)
}

// blockingTransport holds every send until release is closed and then fails
// it.
type blockingTransport struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingTransport() *blockingTransport {
	return &blockingTransport{entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingTransport) Post(context.Context, string, map[string]string, []byte) (*Response, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return nil, errors.New("connection reset by peer")
}

type harness struct {
	reg       *Registry
	store     *MemoryStore
	prober    *fakeProber
	transport *fakeTransport
	scheduler *manualScheduler
	clock     *fakeClock
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		store:     NewMemoryStore(),
		prober:    &fakeProber{status: 200},
		transport: &fakeTransport{},
		scheduler: &manualScheduler{},
		clock:     newFakeClock(),
	}
	opts := Options{
		Store:     h.store,
		Validator: NewValidator(h.prober),
		Transport: h.transport,
		Scheduler: h.scheduler,
		Now:       h.clock.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}
	h.reg = NewRegistry(opts)
	t.Cleanup(h.reg.Close)
	return h
}

func (h *harness) subscribe(t *testing.T, in SubscribeInput) *Subscription {
	t.Helper()
	if in.URL == "" {
		in.URL = "https://hooks.example.com/herald"
	}
	if in.UserID == "" {
		in.UserID = "user-1"
	}
	sub, err := h.reg.Subscribe(context.Background(), in)
	require.NoError(t, err)
	return sub
}

func (h *harness) subscription(t *testing.T, id, userID string) *Subscription {
	t.Helper()
	sub, err := h.reg.GetSubscription(context.Background(), id, userID)
	require.NoError(t, err)
	return sub
}

func (h *harness) delivery(t *testing.T, id string) *Delivery {
	t.Helper()
	d, err := h.store.GetDelivery(context.Background(), id)
	require.NoError(t, err)
	return d
}
