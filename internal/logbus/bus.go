// Package logbus fans job log events out to live subscribers.
//
// Two independent channels exist per job: structured entries and raw tool
// output lines. Delivery is synchronous in the publisher's goroutine and
// best-effort: a subscriber only sees events published while it is registered.
package logbus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Level is the severity of a structured log entry.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarn    Level = "warn"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
)

// Entry is a structured, immutable job log entry.
type Entry struct {
	Phase     string    `json:"phase"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type channel uint8

const (
	channelLog channel = iota + 1
	channelRaw
)

// Subscription identifies one registered callback. The zero value is not a
// valid subscription and unsubscribing it is a no-op.
type Subscription struct {
	jobID   string
	id      uint64
	channel channel
}

// JobID returns the job the subscription listens to.
func (s Subscription) JobID() string {
	return s.jobID
}

// Bus is an in-memory publish/subscribe registry keyed by job ID.
type Bus struct {
	nextID atomic.Uint64
	logs   topic[Entry]
	raw    topic[string]
	logger *slog.Logger
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		logger: slog.With("component", "logbus"),
	}
}

// SubscribeLog registers fn for structured entries of jobID.
func (b *Bus) SubscribeLog(jobID string, fn func(Entry)) Subscription {
	id := b.nextID.Add(1)
	b.logs.add(jobID, id, fn)
	return Subscription{jobID: jobID, id: id, channel: channelLog}
}

// SubscribeRaw registers fn for raw output lines of jobID.
func (b *Bus) SubscribeRaw(jobID string, fn func(string)) Subscription {
	id := b.nextID.Add(1)
	b.raw.add(jobID, id, fn)
	return Subscription{jobID: jobID, id: id, channel: channelRaw}
}

// Unsubscribe removes exactly the callback behind sub. Calling it more than
// once, or with a zero Subscription, is harmless.
func (b *Bus) Unsubscribe(sub Subscription) {
	switch sub.channel {
	case channelLog:
		b.logs.remove(sub.jobID, sub.id)
	case channelRaw:
		b.raw.remove(sub.jobID, sub.id)
	}
}

// PublishLog delivers entry to every structured subscriber of jobID.
func (b *Bus) PublishLog(jobID string, entry Entry) {
	b.logs.publish(jobID, entry, b.logger)
}

// PublishRaw delivers line to every raw subscriber of jobID.
func (b *Bus) PublishRaw(jobID, line string) {
	b.raw.publish(jobID, line, b.logger)
}

// Subscribers returns the number of live callbacks (both channels) for jobID.
func (b *Bus) Subscribers(jobID string) int {
	return b.logs.count(jobID) + b.raw.count(jobID)
}

// Jobs returns the number of job IDs with at least one subscriber.
func (b *Bus) Jobs() int {
	seen := make(map[string]struct{})
	for _, id := range b.logs.keys() {
		seen[id] = struct{}{}
	}
	for _, id := range b.raw.keys() {
		seen[id] = struct{}{}
	}
	return len(seen)
}

// topic maps job ID to the set of callbacks registered for it.
type topic[T any] struct {
	mu   sync.RWMutex
	subs map[string]map[uint64]func(T)
}

func (t *topic[T]) add(jobID string, id uint64, fn func(T)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.subs == nil {
		t.subs = make(map[string]map[uint64]func(T))
	}
	set, ok := t.subs[jobID]
	if !ok {
		set = make(map[uint64]func(T))
		t.subs[jobID] = set
	}
	set[id] = fn
}

func (t *topic[T]) remove(jobID string, id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.subs[jobID]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(t.subs, jobID)
	}
}

// publish snapshots the callbacks under the read lock and invokes them
// without holding it, so a callback may unsubscribe itself.
func (t *topic[T]) publish(jobID string, v T, logger *slog.Logger) {
	t.mu.RLock()
	set := t.subs[jobID]
	callbacks := make([]func(T), 0, len(set))
	for _, fn := range set {
		callbacks = append(callbacks, fn)
	}
	t.mu.RUnlock()

	for _, fn := range callbacks {
		deliver(fn, v, jobID, logger)
	}
}

func deliver[T any](fn func(T), v T, jobID string, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("Subscriber callback panicked", "jobId", jobID, "panic", r)
		}
	}()
	fn(v)
}

func (t *topic[T]) count(jobID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs[jobID])
}

func (t *topic[T]) keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	return ids
}
