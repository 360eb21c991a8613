package dispatcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"astraops/internal/testutil"
	"astraops/pkg/backoff"
	"astraops/pkg/circuitbreaker"
	"astraops/pkg/cloudevent"
)

func testConfig(workers int) MemoryConfig {
	return MemoryConfig{
		BufferSize:  100,
		Workers:     workers,
		HTTPTimeout: 5 * time.Second,
		Backoff:     backoff.Config{Initial: time.Millisecond, Max: 5 * time.Millisecond},
	}
}

func testEvent(dest string) *Event {
	return &Event{
		Payload:     cloudevent.New("astraops.job.phase", "/astraops/deploy", "job-1", "evt-1", nil),
		Destination: dest,
	}
}

func closeDispatcher(t *testing.T, d *MemoryDispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Errorf("Close: %v", err)
	}
}

type countingMetrics struct {
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

func (m *countingMetrics) RecordDispatcherDelivered(context.Context, float64) { m.delivered.Add(1) }
func (m *countingMetrics) RecordDispatcherFailed(context.Context)             { m.failed.Add(1) }
func (m *countingMetrics) RecordDispatcherDropped(context.Context)            { m.dropped.Add(1) }
func (m *countingMetrics) RecordDispatcherQueueSize(context.Context, int64)   {}

func TestMemoryDispatcher_Dispatch(t *testing.T) {
	t.Parallel()
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	metrics := &countingMetrics{}
	d := NewMemory(testConfig(2), metrics)
	defer closeDispatcher(t, d)

	if err := d.Dispatch(testEvent(server.URL)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	testutil.MustWaitForCount(t, &metrics.delivered, 1, testutil.WithTimeout(5*time.Second))

	if received.Load() != 1 {
		t.Errorf("expected 1 delivery, got %d", received.Load())
	}
	if stats := d.Stats(); stats.Delivered != 1 || stats.Queued != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestMemoryDispatcher_BufferFull(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testConfig(1)
	cfg.BufferSize = 2
	metrics := &countingMetrics{}
	d := NewMemory(cfg, metrics)

	var full int
	for range 6 {
		if errors.Is(d.Dispatch(testEvent(server.URL)), ErrBufferFull) {
			full++
		}
	}
	close(release)

	if full == 0 {
		t.Error("expected some dispatches to report a full buffer")
	}
	if got := d.Stats().Dropped; got != int64(full) || metrics.dropped.Load() != int64(full) {
		t.Errorf("dropped = %d (metric %d), want %d", got, metrics.dropped.Load(), full)
	}
	closeDispatcher(t, d)
}

func TestMemoryDispatcher_Retry(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewMemory(testConfig(1), nil)
	defer closeDispatcher(t, d)

	d.Dispatch(testEvent(server.URL))

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Delivered >= 1
	}, testutil.WithTimeout(5*time.Second))

	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
	if got := d.Stats().RetriesTotal; got != 2 {
		t.Errorf("RetriesTotal = %d, want 2", got)
	}
}

func TestMemoryDispatcher_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	cfg := testConfig(1)
	cfg.MaxRetries = 2
	metrics := &countingMetrics{}
	d := NewMemory(cfg, metrics)
	defer closeDispatcher(t, d)

	d.Dispatch(testEvent(server.URL))

	testutil.MustWaitForCount(t, &metrics.failed, 1, testutil.WithTimeout(5*time.Second))
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestMemoryDispatcher_NoRetryOn4xx(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	d := NewMemory(testConfig(1), nil)
	defer closeDispatcher(t, d)

	d.Dispatch(testEvent(server.URL))

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Failed >= 1
	}, testutil.WithTimeout(5*time.Second))

	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt (no retry on 4xx), got %d", attempts.Load())
	}
}

func TestMemoryDispatcher_CircuitOpensPerDestination(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	cfg := testConfig(1)
	cfg.MaxRetries = 1
	cfg.Breaker = circuitbreaker.Config{Threshold: 1, Cooldown: time.Hour}
	d := NewMemory(cfg, nil)
	defer closeDispatcher(t, d)

	d.Dispatch(testEvent(failing.URL))
	testutil.MustWaitFor(t, func() bool { return d.Stats().Failed == 1 })

	d.Dispatch(testEvent(failing.URL))
	d.Dispatch(testEvent(healthy.URL))
	testutil.MustWaitFor(t, func() bool { return d.Stats().Delivered == 1 })

	stats := d.Stats()
	if stats.Rejected != 1 || stats.Failed != 2 {
		t.Errorf("stats = %+v, want 1 rejected and 2 failed", stats)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("failing destination saw %d requests, want 2", got)
	}
}

func TestMemoryDispatcher_SignedDelivery(t *testing.T) {
	t.Parallel()
	var (
		mu      sync.Mutex
		headers http.Header
		body    []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		headers = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewMemory(testConfig(1), nil)
	defer closeDispatcher(t, d)

	event := testEvent(server.URL)
	event.Payload = cloudevent.New("astraops.job.exit", "/astraops/deploy", "job-123", "evt-456", nil)
	event.SigningKey = "webhook-secret"
	d.Dispatch(event)

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Delivered >= 1
	}, testutil.WithTimeout(5*time.Second))

	mu.Lock()
	defer mu.Unlock()
	if got := headers.Get("Ce-Type"); got != "astraops.job.exit" {
		t.Errorf("Ce-Type = %q", got)
	}
	if got := headers.Get("Ce-Subject"); got != "job-123" {
		t.Errorf("Ce-Subject = %q", got)
	}
	if !cloudevent.Verify(body, "webhook-secret", headers.Get(cloudevent.SignatureHeader)) {
		t.Error("signature does not verify against the delivered body")
	}
}

func TestMemoryDispatcher_GracefulShutdown(t *testing.T) {
	t.Parallel()
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewMemory(testConfig(2), nil)
	for range 10 {
		d.Dispatch(testEvent(server.URL))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if received.Load() != 10 {
		t.Errorf("expected all 10 events drained, got %d", received.Load())
	}
}

func TestMemoryDispatcher_DispatchAfterClose(t *testing.T) {
	t.Parallel()
	d := NewMemory(testConfig(1), nil)
	closeDispatcher(t, d)

	if err := d.Dispatch(testEvent("http://localhost")); !errors.Is(err, ErrClosed) {
		t.Errorf("Dispatch after Close = %v, want ErrClosed", err)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Errorf("second Close = %v", err)
	}
}
