//go:build integration

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/sarathsp06/herald/internal/jobs"
	"github.com/sarathsp06/herald/internal/webhooks"
)

type countingTransport struct {
	calls atomic.Int32
	fail  int32
}

type refusingScheduler struct{}

func (refusingScheduler) Schedule(context.Context, string, time.Time) error {
	return errors.New("queue unavailable")
}

func (c *countingTransport) Post(context.Context, string, map[string]string, []byte) (*webhooks.Response, error) {
	n := c.calls.Add(1)
	if n <= c.fail {
		return &webhooks.Response{StatusCode: 503}, nil
	}
	return &webhooks.Response{StatusCode: 200}, nil
}

func startRiverDatabase(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("herald_test"),
		postgres.WithUsername("herald"),
		postgres.WithPassword("herald"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start Postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	require.NoError(t, err)
	_, err = migrator.Migrate(ctx, rivermigrate.DirectionUp, &rivermigrate.MigrateOpts{})
	require.NoError(t, err)
	return pool
}

func TestManagerDeliversThroughRiver(t *testing.T) {
	pool := startRiverDatabase(t)
	ctx := context.Background()

	manager, err := NewManager(pool)
	require.NoError(t, err)

	transport := &countingTransport{fail: 1}
	store := webhooks.NewMemoryStore()
	reg := webhooks.NewRegistry(webhooks.Options{
		Store:     store,
		Validator: webhooks.NewValidator(nil),
		Transport: transport,
		Scheduler: manager,
	})
	manager.RegisterWorkers(reg, reg)
	require.NoError(t, manager.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = manager.Stop(stopCtx)
	})

	sub, err := reg.Subscribe(ctx, webhooks.SubscribeInput{
		UserID:      "user-1",
		URL:         "https://hooks.example.com/herald",
		Events:      []webhooks.EventType{webhooks.EventDocumentCompleted},
		RetryPolicy: &webhooks.RetryPolicy{MaxRetries: 2, BackoffMultiplier: 2, MaxBackoffSeconds: 5},
	})
	require.NoError(t, err)

	_, err = manager.Publish(ctx, jobs.EventArgs{
		EventType: string(webhooks.EventDocumentCompleted),
		Data:      json.RawMessage(`{"documentId":"doc-1"}`),
		UserID:    "user-1",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		history, err := reg.GetDeliveryHistory(ctx, sub.ID, "user-1", 1)
		return err == nil && len(history) == 1 && history[0].Status == webhooks.StatusSuccess
	}, 30*time.Second, 100*time.Millisecond)

	history, err := reg.GetDeliveryHistory(ctx, sub.ID, "user-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, history[0].Attempts)
	assert.Equal(t, int32(2), transport.calls.Load())
}

func TestRecoverQueuesDeliveriesThatHaveNoJob(t *testing.T) {
	pool := startRiverDatabase(t)
	ctx := context.Background()
	store := webhooks.NewMemoryStore()

	// The first registry could not queue the delivery, so it only exists
	// in the store.
	before := webhooks.NewRegistry(webhooks.Options{
		Store:     store,
		Validator: webhooks.NewValidator(nil),
		Transport: &countingTransport{},
		Scheduler: refusingScheduler{},
	})
	sub, err := before.Subscribe(ctx, webhooks.SubscribeInput{
		UserID: "user-1",
		URL:    "https://hooks.example.com/herald",
		Events: []webhooks.EventType{webhooks.EventDocumentSigned},
	})
	require.NoError(t, err)
	res, err := before.Trigger(ctx, webhooks.EventDocumentSigned, nil, webhooks.EventContext{UserID: "user-1"})
	require.NoError(t, err)
	require.Len(t, res.DeliveryIDs, 1)

	manager, err := NewManager(pool)
	require.NoError(t, err)
	transport := &countingTransport{}
	reg := webhooks.NewRegistry(webhooks.Options{
		Store:     store,
		Validator: webhooks.NewValidator(nil),
		Transport: transport,
		Scheduler: manager,
	})
	_, err = reg.Load(ctx)
	require.NoError(t, err)
	manager.RegisterWorkers(reg, reg)
	require.NoError(t, manager.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = manager.Stop(stopCtx)
	})

	recovered, err := reg.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	// A second job for the same delivery must not send it twice.
	require.NoError(t, manager.Schedule(ctx, res.DeliveryIDs[0], time.Now()))

	require.Eventually(t, func() bool {
		history, err := reg.GetDeliveryHistory(ctx, sub.ID, "user-1", 1)
		return err == nil && len(history) == 1 && history[0].Status == webhooks.StatusSuccess
	}, 30*time.Second, 100*time.Millisecond)

	time.Sleep(time.Second)
	assert.Equal(t, int32(1), transport.calls.Load())
}
