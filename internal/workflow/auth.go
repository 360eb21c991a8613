package workflow

import (
	"context"
	"fmt"
	"time"

	"astraops/internal/cloud"
	"astraops/internal/job"
	"astraops/internal/phase"
)

// authenticate assumes the job's role with the caller's credentials and
// vaults the session for the later phases. Without caller credentials the
// phase completes with a warning and the vault stays empty, so any phase
// that needs AWS access fails on its own precondition.
func (o *Orchestrator) authenticate(ctx context.Context, x *execution) phase.Outcome {
	id := x.job.ID
	logf := func(level job.Level, format string, args ...any) {
		o.store.AppendLog(id, job.LogEntry{
			Phase:   string(job.PhaseAuth),
			Level:   level,
			Message: fmt.Sprintf(format, args...),
		})
	}

	if x.creds == nil {
		logf(job.LevelWarn, "No AWS credentials supplied; continuing without an assumed-role session")
		return phase.Outcome{Success: true, Detail: "no credentials supplied"}
	}

	logf(job.LevelInfo, "Assuming role %s", x.job.Request.RoleArn)
	session, err := o.auth.Assume(ctx, x.job.Request, *x.creds, id)
	if err != nil {
		msg := "Authentication failed: " + cloud.Describe(err)
		logf(job.LevelError, "%s", msg)
		return phase.Outcome{Detail: msg}
	}

	o.vault.Put(id, session)
	if session.Expiration.IsZero() {
		logf(job.LevelSuccess, "Authenticated as %s", x.job.Request.RoleArn)
	} else {
		logf(job.LevelSuccess, "Authenticated as %s (session expires %s)",
			x.job.Request.RoleArn, session.Expiration.UTC().Format(time.RFC3339))
	}
	return phase.Outcome{Success: true}
}
