package job

import "strings"

// Signal is the structured entry pattern that marks the end of a workflow.
// Stream consumers close when they observe a matching entry.
type Signal struct {
	Phase   string
	Success string // message prefix of the success entry
	Failure string // message prefix of the failure entry
}

// Terminal signals per workflow.
var (
	DeploySignal     = Signal{Phase: "deploy", Success: "Deployment completed", Failure: "Deployment failed"}
	DestroySignal    = Signal{Phase: "destroy", Success: "Destroy completed", Failure: "Destroy failed"}
	MonitoringSignal = Signal{Phase: "monitoring", Success: "Monitoring setup completed", Failure: "Monitoring setup failed"}
)

// SignalFor returns the terminal signal of a job kind. Simulated jobs
// mimic deployments.
func SignalFor(kind Kind) Signal {
	if kind == KindDestroy {
		return DestroySignal
	}
	return DeploySignal
}

// Matches reports whether e is this signal's success or failure entry.
func (s Signal) Matches(e LogEntry) bool {
	if e.Phase != s.Phase {
		return false
	}
	switch e.Level {
	case LevelSuccess:
		return strings.HasPrefix(e.Message, s.Success)
	case LevelError:
		return strings.HasPrefix(e.Message, s.Failure)
	default:
		return false
	}
}

// Entry builds the terminal entry; detail is appended after the prefix.
func (s Signal) Entry(success bool, detail string) LogEntry {
	e := LogEntry{Phase: s.Phase, Level: LevelSuccess, Message: s.Success}
	if !success {
		e.Level = LevelError
		e.Message = s.Failure
	}
	if detail != "" {
		e.Message += ": " + detail
	}
	return e
}
