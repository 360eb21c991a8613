// Package phase implements the deployment phase executors. Each executor
// drives one family of external tools through the runner, narrates its
// milestones as structured job log entries and reports an Outcome.
package phase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"astraops/internal/job"
	"astraops/internal/runner"
)

// Outcome is the result of one executor run.
type Outcome struct {
	Success bool
	Skipped bool   // no work was needed
	Detail  string // short human-readable summary of the result or failure
}

func succeeded(detail string) Outcome { return Outcome{Success: true, Detail: detail} }
func skipped(detail string) Outcome   { return Outcome{Success: true, Skipped: true, Detail: detail} }
func failed(detail string) Outcome    { return Outcome{Detail: detail} }

// LogSink receives structured entries. *job.Store implements it.
type LogSink interface {
	AppendLog(jobID string, entry job.LogEntry)
}

// CredentialSource yields the session credentials of a job. *job.Vault
// implements it.
type CredentialSource interface {
	Get(jobID string) (job.Credentials, bool)
}

// StateBackend manages the remote state bucket. *cloud.StateStore
// implements it.
type StateBackend interface {
	Ensure(ctx context.Context, creds job.Credentials, region, accountID string) (bool, error)
	Purge(ctx context.Context, creds job.Credentials, region, accountID string) (int, error)
}

// ToolObserver records tool invocations.
type ToolObserver interface {
	RecordToolInvocation(ctx context.Context, tool string, exitCode int, duration time.Duration)
}

// Timing holds every wait and retry bound used by the executors.
type Timing struct {
	UpdateWaitAttempts    int
	UpdateWaitInterval    time.Duration
	ClusterActiveAttempts int
	ClusterActiveInterval time.Duration
	NodeGroupAttempts     int
	NodeGroupInterval     time.Duration
	KubeconfigAttempts    int
	KubeconfigInterval    time.Duration
	PropagationDelay      time.Duration
	ApplyAttempts         int
	ApplyInterval         time.Duration
	RolloutTimeout        time.Duration
	EndpointAttempts      int
	EndpointInterval      time.Duration
	MonitoringTimeout     time.Duration
}

// DefaultTiming returns production timings.
func DefaultTiming() Timing {
	return Timing{
		UpdateWaitAttempts:    20,
		UpdateWaitInterval:    30 * time.Second,
		ClusterActiveAttempts: 40,
		ClusterActiveInterval: 30 * time.Second,
		NodeGroupAttempts:     20,
		NodeGroupInterval:     30 * time.Second,
		KubeconfigAttempts:    3,
		KubeconfigInterval:    15 * time.Second,
		PropagationDelay:      30 * time.Second,
		ApplyAttempts:         3,
		ApplyInterval:         20 * time.Second,
		RolloutTimeout:        5 * time.Minute,
		EndpointAttempts:      20,
		EndpointInterval:      15 * time.Second,
		MonitoringTimeout:     10 * time.Minute,
	}
}

// Config configures an Executor.
type Config struct {
	Runner       runner.Runner
	Logs         LogSink
	Credentials  CredentialSource
	State        StateBackend
	Observer     ToolObserver // optional
	TerraformDir string
	WorkDir      string // per-job scratch space lives under here
	Timing       Timing
}

// Executor runs the phase workflows.
type Executor struct {
	runner       runner.Runner
	logs         LogSink
	creds        CredentialSource
	state        StateBackend
	observer     ToolObserver
	terraformDir string
	workDir      string
	timing       Timing
}

// NewExecutor creates an Executor.
func NewExecutor(cfg Config) *Executor {
	return &Executor{
		runner:       cfg.Runner,
		logs:         cfg.Logs,
		creds:        cfg.Credentials,
		state:        cfg.State,
		observer:     cfg.Observer,
		terraformDir: cfg.TerraformDir,
		workDir:      cfg.WorkDir,
		timing:       cfg.Timing,
	}
}

// step narrates one executor run for one job.
type step struct {
	e      *Executor
	job    job.Job
	phase  string
	creds  job.Credentials
	logger *slog.Logger
}

func (e *Executor) newStep(j job.Job, phase string) *step {
	return &step{
		e:      e,
		job:    j,
		phase:  phase,
		logger: slog.With("component", "phase", "jobId", j.ID, "phase", phase),
	}
}

func (s *step) log(level job.Level, format string, args ...any) {
	s.e.logs.AppendLog(s.job.ID, job.LogEntry{
		Phase:   s.phase,
		Level:   level,
		Message: fmt.Sprintf(format, args...),
	})
}

func (s *step) info(format string, args ...any) {
	s.log(job.LevelInfo, format, args...)
}

func (s *step) warn(format string, args ...any) {
	s.log(job.LevelWarn, format, args...)
}

func (s *step) success(format string, args ...any) {
	s.log(job.LevelSuccess, format, args...)
}

// fail logs an error entry and returns the failed outcome carrying msg.
func (s *step) fail(format string, args ...any) Outcome {
	msg := fmt.Sprintf(format, args...)
	s.log(job.LevelError, "%s", msg)
	s.logger.Warn("Phase failed", "reason", msg)
	return failed(msg)
}

// requireCredentials loads the job's session credentials.
func (s *step) requireCredentials() bool {
	c, ok := s.e.creds.Get(s.job.ID)
	if !ok {
		return false
	}
	s.creds = c
	return true
}

// bestEffort runs fn and downgrades any failure to a warning.
func (s *step) bestEffort(what string, fn func() error) bool {
	if err := fn(); err != nil {
		s.warn("%s skipped: %s", what, describe(err))
		return false
	}
	return true
}

// scratch creates a private directory <workDir>/<jobID>-<name>; the caller
// removes it. Nothing else is created under workDir.
func (s *step) scratch(name string) (string, func(), error) {
	dir := filepath.Join(s.e.workDir, s.job.ID+"-"+name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	return dir, func() {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("Failed to remove scratch dir", "error", err)
		}
	}, nil
}

func (s *step) env(extra map[string]string) map[string]string {
	env := s.creds.Environ(s.job.Request.Region)
	for k, v := range extra {
		env[k] = v
	}
	return env
}

// run invokes a tool. Non-zero exits are returned in the Result.
func (s *step) run(ctx context.Context, cmd runner.Command) (runner.Result, error) {
	cmd.JobID = s.job.ID
	start := time.Now()
	res, err := s.e.runner.Run(ctx, cmd)
	if s.e.observer != nil {
		s.e.observer.RecordToolInvocation(ctx, cmd.Name, res.ExitCode, time.Since(start))
	}
	return res, err
}

// exec invokes a tool and treats a non-zero exit as an error.
func (s *step) exec(ctx context.Context, cmd runner.Command) (runner.Result, error) {
	res, err := s.run(ctx, cmd)
	if err != nil {
		return res, err
	}
	if !res.Success() {
		return res, &exitError{tool: cmd.Name, code: res.ExitCode}
	}
	return res, nil
}

type exitError struct {
	tool string
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.tool, e.code)
}

func describe(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "interrupted"
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	default:
		return err.Error()
	}
}

// interrupted reports whether ctx ended, logging the failure if so.
func (s *step) interrupted(ctx context.Context) (Outcome, bool) {
	if ctx.Err() == nil {
		return Outcome{}, false
	}
	return s.fail("%s interrupted", phaseTitle(s.phase)), true
}

func phaseTitle(phase string) string {
	switch phase {
	case string(job.PhaseInfrastructure):
		return "Infrastructure setup"
	case string(job.PhaseApplication):
		return "Application deployment"
	case "monitoring":
		return "Monitoring setup"
	default:
		return phase
	}
}

func firstLine(res runner.Result) string {
	for _, l := range res.Stdout {
		if l = strings.TrimSpace(l); l != "" {
			return l
		}
	}
	return ""
}
