package workflow

import (
	"fmt"
	"log/slog"
	"time"

	"astraops/internal/dispatcher"
	"astraops/internal/job"
	"astraops/pkg/cloudevent"
)

// Lifecycle event types delivered to the callback URL.
const (
	EventTypeStart = "astraops.job.start"
	EventTypePhase = "astraops.job.phase"
	EventTypeExit  = "astraops.job.exit"
)

// notifier turns job transitions into CloudEvents. A notifier without a
// destination drops everything.
type notifier struct {
	dispatcher dispatcher.Dispatcher
	url        string
	key        string
}

func (n *notifier) enabled() bool {
	return n != nil && n.dispatcher != nil && n.url != ""
}

func (n *notifier) build(j job.Job, eventType string, data map[string]any) *cloudevent.CloudEvent {
	data["jobId"] = j.ID
	data["kind"] = string(j.Kind)
	data["application"] = j.Request.ApplicationName()
	id := fmt.Sprintf("%s-%d", j.ID, time.Now().UnixNano())
	return cloudevent.New(eventType, "/astraops/"+string(j.Kind), j.ID, id, data)
}

func (n *notifier) send(logger *slog.Logger, event *cloudevent.CloudEvent) {
	err := n.dispatcher.Dispatch(&dispatcher.Event{
		Payload:     event,
		Destination: n.url,
		SigningKey:  n.key,
	})
	if err != nil {
		logger.Warn("Failed to dispatch lifecycle event", "type", event.Type, "error", err)
	}
}

func (n *notifier) started(logger *slog.Logger, j job.Job) {
	if !n.enabled() {
		return
	}
	n.send(logger, n.build(j, EventTypeStart, map[string]any{
		"accountId": j.Request.AccountID,
		"region":    j.Request.Region,
	}))
}

func (n *notifier) phase(logger *slog.Logger, j job.Job, phase job.Phase, status job.PhaseStatus, took time.Duration) {
	if !n.enabled() {
		return
	}
	n.send(logger, n.build(j, EventTypePhase, map[string]any{
		"phase":           string(phase),
		"status":          string(status),
		"durationSeconds": took.Seconds(),
	}))
}

func (n *notifier) exited(logger *slog.Logger, j job.Job, status job.Status, duration string) {
	if !n.enabled() {
		return
	}
	n.send(logger, n.build(j, EventTypeExit, map[string]any{
		"status":   string(status),
		"duration": duration,
	}))
}
