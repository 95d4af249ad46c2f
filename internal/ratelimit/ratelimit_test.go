package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newLimiter(t *testing.T, perMinute, burst int) (*Limiter, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)}
	l := New(Config{RequestsPerMinute: perMinute, BurstSize: burst, IdleTTL: time.Hour}).WithClock(clk.now)
	t.Cleanup(l.Stop)
	return l, clk
}

func TestLimiter_Burst(t *testing.T) {
	l, _ := newLimiter(t, 60, 3)
	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed within burst", i+1)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("request beyond burst should be limited")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("other clients have their own bucket")
	}
}

func TestLimiter_Refill(t *testing.T) {
	l, clk := newLimiter(t, 60, 1)
	l.Allow("c")
	if l.Allow("c") {
		t.Fatal("bucket should be empty")
	}
	clk.advance(time.Second)
	if !l.Allow("c") {
		t.Fatal("one token should refill after a second at 60/min")
	}
}

func TestLimiter_EvictIdle(t *testing.T) {
	l, clk := newLimiter(t, 60, 1)
	l.Allow("c")
	clk.advance(2 * time.Hour)
	l.evictIdle()

	l.mu.Lock()
	n := len(l.buckets)
	l.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected idle bucket evicted, have %d", n)
	}
}

func TestLimiter_StopIdempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	l.Stop()
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newLimiter(t, 30, 1)
	r := gin.New()
	r.POST("/v1/orders/:id/dispute", l.Middleware(), func(c *gin.Context) { c.Status(http.StatusCreated) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/orders/ord_1/dispute", nil))
	if w.Code != http.StatusCreated {
		t.Fatalf("first request: got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/orders/ord_1/dispute", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("Retry-After = %q, want 2", got)
	}
}
