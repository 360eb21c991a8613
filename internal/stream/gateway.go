// Package stream serves live job logs as server-sent events.
package stream

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"astraops/internal/apperrors"
	"astraops/internal/job"
	"astraops/internal/logbus"
)

// Defaults for Config zero values.
const (
	DefaultHeartbeat = 15 * time.Second
	DefaultBuffer    = 256
)

// replayOverlap is how many trailing replayed entries are checked against
// live delivery for duplicates.
const replayOverlap = 16

// Watch selects which terminal signal ends a stream.
type Watch string

const (
	WatchJob        Watch = ""           // the job's own workflow signal
	WatchMonitoring Watch = "monitoring" // a monitoring setup on the job
)

// MetricsRecorder records stream connections. *observability.Metrics
// implements it.
type MetricsRecorder interface {
	RecordStreamOpened(ctx context.Context)
	RecordStreamClosed(ctx context.Context, dropped int64)
}

// Config configures a Gateway.
type Config struct {
	Store     *job.Store
	Bus       *logbus.Bus
	Metrics   MetricsRecorder // optional
	Heartbeat time.Duration   // idle heartbeat interval (default 15s)
	Buffer    int             // per-connection pending frames (default 256)
}

// Gateway relays a job's history and live output to stream clients.
type Gateway struct {
	store     *job.Store
	bus       *logbus.Bus
	metrics   MetricsRecorder
	heartbeat time.Duration
	buffer    int
	logger    *slog.Logger

	mu    sync.Mutex
	conns map[*connection]struct{}
}

// New creates a Gateway.
func New(cfg Config) *Gateway {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	return &Gateway{
		store:     cfg.Store,
		bus:       cfg.Bus,
		metrics:   cfg.Metrics,
		heartbeat: cfg.Heartbeat,
		buffer:    cfg.Buffer,
		logger:    slog.With("component", "stream"),
		conns:     make(map[*connection]struct{}),
	}
}

// connection is the state of one client stream. Bus callbacks only ever
// enqueue; the serving goroutine is the single writer.
type connection struct {
	jobID  string
	sig    job.Signal
	frames chan frame
	final  chan frame // terminal signal frame, at most one
	stop   chan struct{}

	stopOnce    sync.Once
	releaseOnce sync.Once
	ended       atomic.Bool // terminal frame queued; later events are ignored
	dropped     atomic.Int64
	subs        []logbus.Subscription
}

func (c *connection) close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *connection) enqueue(f frame) {
	select {
	case c.frames <- f:
	default:
		c.dropped.Add(1)
	}
}

func (c *connection) onLog(e job.LogEntry) {
	if c.ended.Load() {
		return
	}
	f, err := logFrame(e)
	if err != nil {
		c.dropped.Add(1)
		return
	}
	if c.sig.Matches(e) {
		c.ended.Store(true)
		select {
		case c.final <- f:
		default:
		}
		return
	}
	c.enqueue(f)
}

func (c *connection) onRaw(line string) {
	if c.ended.Load() {
		return
	}
	c.enqueue(rawFrame(line))
}

// Serve streams the job's log to w until the terminal signal selected by
// watch is written, a write fails, the client goes away, or the gateway
// shuts down. An unknown job yields a not-found error before anything is
// written.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, jobID string, watch Watch) error {
	snap, ok := g.store.Get(jobID)
	if !ok {
		return apperrors.NotFound("job", jobID)
	}

	sig := job.SignalFor(snap.Kind)
	// Monitoring may run repeatedly on one job, so only live entries can
	// end a monitoring watch.
	replayEnds := true
	if watch == WatchMonitoring {
		sig = job.MonitoringSignal
		replayEnds = false
	}

	c := &connection{
		jobID:  jobID,
		sig:    sig,
		frames: make(chan frame, g.buffer),
		final:  make(chan frame, 1),
		stop:   make(chan struct{}),
	}
	logger := g.logger.With("jobId", jobID, "watch", string(watch))

	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	g.track(c)
	defer g.release(r.Context(), c)
	logger.Debug("Stream opened", "replay", len(snap.Logs))

	write := func(f frame) error {
		if err := f.writeTo(w); err != nil {
			return err
		}
		return rc.Flush()
	}

	for _, e := range snap.Logs {
		f, err := logFrame(e)
		if err != nil {
			continue
		}
		if err := write(f); err != nil {
			logger.Debug("Stream write failed during replay", "error", err)
			return nil
		}
		if replayEnds && sig.Matches(e) {
			return nil
		}
	}
	if err := rc.Flush(); err != nil {
		return nil
	}

	c.subs = []logbus.Subscription{
		g.bus.SubscribeLog(jobID, c.onLog),
		g.bus.SubscribeRaw(jobID, c.onRaw),
	}

	// An entry appended before the snapshot may still be published after
	// the subscriptions, and entries appended in between were never
	// published to this connection. Both are tracked so each entry is
	// written once.
	seen := make(map[job.LogEntry]int)
	for _, e := range snap.Logs[max(0, len(snap.Logs)-replayOverlap):] {
		seen[e]++
	}
	if now, ok := g.store.Get(jobID); ok && len(now.Logs) > len(snap.Logs) {
		for _, e := range now.Logs[len(snap.Logs):] {
			seen[e]++
			f, err := logFrame(e)
			if err != nil {
				continue
			}
			if err := write(f); err != nil {
				return nil
			}
			if sig.Matches(e) {
				return nil
			}
		}
	}
	fresh := func(f frame) bool {
		if f.entry == nil {
			return true
		}
		n, dup := seen[*f.entry]
		if !dup {
			return true
		}
		if n == 1 {
			delete(seen, *f.entry)
		} else {
			seen[*f.entry] = n - 1
		}
		return false
	}

	ticker := time.NewTicker(g.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Debug("Stream client disconnected")
			return nil
		case <-c.stop:
			return nil
		case now := <-ticker.C:
			if err := write(heartbeatFrame(now)); err != nil {
				return nil
			}
		case f := <-c.frames:
			if !fresh(f) {
				continue
			}
			if err := write(f); err != nil {
				logger.Debug("Stream write failed", "error", err)
				return nil
			}
		case f := <-c.final:
			if err := g.drain(c, fresh, write); err != nil {
				return nil
			}
			// A terminal entry already written from the replay still ends
			// the stream but is not repeated.
			if fresh(f) {
				_ = write(f)
			}
			logger.Debug("Stream reached terminal signal")
			return nil
		}
	}
}

// drain writes the frames queued ahead of the terminal frame.
func (g *Gateway) drain(c *connection, fresh func(frame) bool, write func(frame) error) error {
	for {
		select {
		case f := <-c.frames:
			if !fresh(f) {
				continue
			}
			if err := write(f); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (g *Gateway) track(c *connection) {
	g.mu.Lock()
	g.conns[c] = struct{}{}
	g.mu.Unlock()
	if g.metrics != nil {
		g.metrics.RecordStreamOpened(context.Background())
	}
}

// release tears a connection down exactly once.
func (g *Gateway) release(ctx context.Context, c *connection) {
	c.releaseOnce.Do(func() {
		for _, sub := range c.subs {
			g.bus.Unsubscribe(sub)
		}
		c.close()

		g.mu.Lock()
		delete(g.conns, c)
		g.mu.Unlock()

		dropped := c.dropped.Load()
		if dropped > 0 {
			g.logger.Warn("Stream dropped frames", "jobId", c.jobID, "dropped", dropped)
		}
		if g.metrics != nil {
			g.metrics.RecordStreamClosed(context.WithoutCancel(ctx), dropped)
		}
	})
}

// Active returns the number of open streams.
func (g *Gateway) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Shutdown ends every open stream so the HTTP server can drain.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for c := range g.conns {
		c.close()
	}
}
