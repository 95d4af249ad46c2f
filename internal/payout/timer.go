package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/keymarket/internal/logging"
)

// ErrRunInProgress is returned by RunOnce when a scheduling run is already active.
var ErrRunInProgress = errors.New("payout scheduling already running")

// Timer periodically runs SchedulePayouts.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	inFlight atomic.Bool
}

// NewTimer creates a payout scheduling timer. A non-positive interval
// defaults to 15 minutes.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logging.Job(logger, "payout_scheduler"),
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the scheduling loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

// RunOnce runs SchedulePayouts unless a run is already in flight.
func (t *Timer) RunOnce(ctx context.Context) (*Stats, error) {
	if !t.inFlight.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer t.inFlight.Store(false)
	return t.service.SchedulePayouts(ctx)
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in payout timer", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := t.RunOnce(ctx); err != nil && !errors.Is(err, ErrRunInProgress) {
		t.logger.Warn("payout scheduling failed", "error", err)
	}
}
