package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// Local runs tools as child processes of the service.
type Local struct {
	sink   RawSink
	tools  []string
	logger *slog.Logger
}

// NewLocal creates a local runner. tools are the executables Ready checks for.
func NewLocal(sink RawSink, tools ...string) *Local {
	return &Local{
		sink:   sink,
		tools:  tools,
		logger: slog.With("component", "runner", "backend", "local"),
	}
}

// Run starts cmd and waits for it to exit.
func (l *Local) Run(ctx context.Context, cmd Command) (Result, error) {
	rl := newRelay(cmd, l.sink)
	stdout, stderr := rl.stdout(), rl.stderr()

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = environ(os.Environ(), cmd.Env)
	c.Stdout = stdout
	c.Stderr = stderr
	c.WaitDelay = 5 * time.Second

	start := time.Now()
	err := c.Run()
	stdout.Flush()
	stderr.Flush()

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		return rl.result(-1), fmt.Errorf("%s interrupted: %w", cmd.Name, ctx.Err())
	case errors.As(err, &exitErr):
		l.logger.Debug("Command exited", "jobId", cmd.JobID, "tool", cmd.Name, "exitCode", exitErr.ExitCode(), "duration", time.Since(start))
		return rl.result(exitErr.ExitCode()), nil
	case err != nil:
		return Result{ExitCode: -1}, fmt.Errorf("failed to start %s: %w", cmd.Name, err)
	}

	l.logger.Debug("Command exited", "jobId", cmd.JobID, "tool", cmd.Name, "exitCode", 0, "duration", time.Since(start))
	return rl.result(0), nil
}

// Ready checks that every configured tool is on PATH.
func (l *Local) Ready(_ context.Context) error {
	var missing []error
	for _, tool := range l.tools {
		if _, err := exec.LookPath(tool); err != nil {
			missing = append(missing, fmt.Errorf("%s not found on PATH", tool))
		}
	}
	return errors.Join(missing...)
}
