// Package dispatcher delivers job lifecycle CloudEvents to a callback URL
// asynchronously, with buffering and retry.
package dispatcher

import (
	"context"
	"errors"

	"astraops/pkg/cloudevent"
)

var (
	// ErrBufferFull is returned when the buffer is full and the event is dropped.
	ErrBufferFull = errors.New("dispatcher buffer full, event dropped")

	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("dispatcher is closed")
)

// Dispatcher handles async delivery of events.
type Dispatcher interface {
	// Dispatch queues an event for async delivery. Non-blocking.
	Dispatch(event *Event) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close stops accepting events and drains the queue until ctx is done.
	Close(ctx context.Context) error
}

// Event is a CloudEvent bound for a destination.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // callback URL
	SigningKey  string // HMAC key, empty = unsigned
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth   int   // current queue size
	Queued       int64 // total events queued
	Delivered    int64 // successful deliveries
	Failed       int64 // failed after retries
	Dropped      int64 // dropped due to full buffer
	Rejected     int64 // skipped while the destination's breaker was open
	RetriesTotal int64 // total retry attempts
}
