package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/keymarket/internal/logging"
)

// ErrRunInProgress is returned by RunOnce when a batch is already running.
var ErrRunInProgress = errors.New("maturity batch already running")

// Timer periodically runs maturity batches.
type Timer struct {
	service  *MaturityService
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	inFlight atomic.Bool
}

// NewTimer creates a maturity timer. A non-positive interval defaults to 5 minutes.
func NewTimer(service *MaturityService, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logging.Job(logger, "escrow_maturity"),
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the maturity loop. Call in a goroutine.
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

// RunOnce runs a single batch unless one is already in flight, whether
// started by the ticker or by a manual trigger.
func (t *Timer) RunOnce(ctx context.Context) (*MaturityStats, error) {
	if !t.inFlight.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer t.inFlight.Store(false)
	return t.service.ProcessMaturityBatch(ctx)
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in maturity timer", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := t.RunOnce(ctx); err != nil {
		if errors.Is(err, ErrRunInProgress) {
			t.logger.Debug("skipping maturity tick, previous run still in flight")
			return
		}
		t.logger.Warn("maturity batch failed", "error", err)
	}
}
