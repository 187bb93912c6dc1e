package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sarathsp06/herald/internal/logger"
)

// ErrStopped is returned by Schedule once the scheduler has been stopped.
var ErrStopped = errors.New("retry: scheduler stopped")

// RunFunc is invoked when a scheduled delivery becomes due.
type RunFunc func(ctx context.Context, deliveryID string) error

type dueTimeKey struct{}

// WithDueTime records on ctx the time a delivery run was scheduled for.
func WithDueTime(ctx context.Context, at time.Time) context.Context {
	return context.WithValue(ctx, dueTimeKey{}, at)
}

// DueTime returns the time recorded by WithDueTime.
func DueTime(ctx context.Context) (time.Time, bool) {
	at, ok := ctx.Value(dueTimeKey{}).(time.Time)
	return at, ok
}

// TimerScheduler re-invokes a RunFunc for a delivery id once its due time
// has passed. State lives in process memory only; a restart loses armed
// timers, which is why callers re-arm persisted work on startup.
type TimerScheduler struct {
	run    RunFunc
	log    *slog.Logger
	mu     sync.Mutex
	timers map[string]*time.Timer
	wg     sync.WaitGroup

	stopped bool
}

// NewTimerScheduler creates a scheduler that calls run for each due delivery.
func NewTimerScheduler(run RunFunc) *TimerScheduler {
	return &TimerScheduler{
		run:    run,
		log:    logger.NewLogger("retry-scheduler"),
		timers: make(map[string]*time.Timer),
	}
}

// Schedule arms a timer for deliveryID. Scheduling an id that is already
// armed replaces the previous timer. The context passed to run keeps the
// values of ctx but not its cancellation, and carries at as its DueTime.
func (s *TimerScheduler) Schedule(ctx context.Context, deliveryID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if t, ok := s.timers[deliveryID]; ok {
		t.Stop()
	}

	detached := WithDueTime(context.WithoutCancel(ctx), at)
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}

	s.timers[deliveryID] = time.AfterFunc(delay, func() {
		s.fire(detached, deliveryID)
	})
	return nil
}

func (s *TimerScheduler) fire(ctx context.Context, deliveryID string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, deliveryID)
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Panic while running scheduled delivery",
				"delivery_id", deliveryID,
				"panic", fmt.Sprint(r),
			)
		}
	}()

	if err := s.run(ctx, deliveryID); err != nil {
		s.log.Error("Scheduled delivery failed",
			"delivery_id", deliveryID,
			"error", err,
		)
	}
}

// Pending reports how many timers are armed and not yet fired.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop disarms every pending timer and waits for running callbacks to return.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
}
