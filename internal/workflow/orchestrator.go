// Package workflow runs deployment jobs through their phases and exposes
// the job operations the HTTP layer needs.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"astraops/internal/dispatcher"
	"astraops/internal/job"
	"astraops/internal/phase"
)

// Authenticator exchanges caller credentials for a session on the job's
// role. *cloud.Authenticator implements it.
type Authenticator interface {
	Assume(ctx context.Context, req job.Request, creds job.AWSCredentials, sessionName string) (job.Credentials, error)
}

// Executors runs the tool-driven phases. *phase.Executor implements it.
type Executors interface {
	InfraApply(ctx context.Context, j job.Job) phase.Outcome
	InfraDestroy(ctx context.Context, j job.Job) phase.Outcome
	AppApply(ctx context.Context, j job.Job) phase.Outcome
	Monitoring(ctx context.Context, j job.Job) (phase.Dashboard, phase.Outcome)
}

// MetricsRecorder records job and phase metrics. *observability.Metrics
// implements it.
type MetricsRecorder interface {
	RecordJobStarted(ctx context.Context, kind string)
	RecordJobCompleted(ctx context.Context, kind string, success bool, duration time.Duration)
	RecordPhase(ctx context.Context, kind, phase, status string, duration time.Duration)
	RecordJobsSwept(ctx context.Context, n int)
}

// Config configures an Orchestrator.
type Config struct {
	Store       *job.Store
	Vault       *job.Vault
	Auth        Authenticator
	Phases      Executors
	Metrics     MetricsRecorder       // optional
	Dispatcher  dispatcher.Dispatcher // optional, used with CallbackURL
	CallbackURL string
	CallbackKey string
	SimStep     time.Duration // delay between scripted steps of simulated jobs
}

// Orchestrator owns the execution of every job: one goroutine per job,
// phases strictly in order, and the credential vault entry of the job.
type Orchestrator struct {
	store   *job.Store
	vault   *job.Vault
	auth    Authenticator
	phases  Executors
	metrics MetricsRecorder
	notify  *notifier
	simStep time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	simStep := cfg.SimStep
	if simStep < 0 {
		simStep = 0
	}
	return &Orchestrator{
		store:   cfg.Store,
		vault:   cfg.Vault,
		auth:    cfg.Auth,
		phases:  cfg.Phases,
		metrics: cfg.Metrics,
		notify:  &notifier{dispatcher: cfg.Dispatcher, url: cfg.CallbackURL, key: cfg.CallbackKey},
		simStep: simStep,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start creates a job for req and runs it in the background. The job's
// lifetime is independent of the caller's. Credentials in req are handed to
// the auth phase and never stored on the job.
func (o *Orchestrator) Start(kind job.Kind, req job.Request) job.Job {
	var creds *job.AWSCredentials
	if req.AWSCredentials != nil {
		c := *req.AWSCredentials
		creds = &c
	}

	j := o.store.Create(kind, req)
	o.wg.Go(func() {
		o.run(o.ctx, j, creds)
	})
	return j
}

// Close interrupts running jobs and waits for them to reach a terminal
// state, or for ctx to be done.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every started job is terminal.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// execution tracks one job run.
type execution struct {
	job     job.Job
	creds   *job.AWSCredentials
	logger  *slog.Logger
	current job.Phase // phase in RUNNING, if any
	failed  job.Phase // phase that ended FAILED, if any
}

type phaseFunc func(ctx context.Context, x *execution) phase.Outcome

type stage struct {
	phase job.Phase
	run   phaseFunc
}

func (o *Orchestrator) stages(kind job.Kind) []stage {
	switch kind {
	case job.KindDestroy:
		return []stage{
			{job.PhaseAuth, o.authenticate},
			{job.PhaseInfrastructure, o.executor(Executors.InfraDestroy)},
		}
	case job.KindSimulate:
		sim := o.simulation()
		return []stage{
			{job.PhaseAuth, sim.auth},
			{job.PhaseInfrastructure, sim.infrastructure},
			{job.PhaseApplication, sim.application},
		}
	default:
		return []stage{
			{job.PhaseAuth, o.authenticate},
			{job.PhaseInfrastructure, o.executor(Executors.InfraApply)},
			{job.PhaseApplication, o.executor(Executors.AppApply)},
		}
	}
}

func (o *Orchestrator) executor(fn func(Executors, context.Context, job.Job) phase.Outcome) phaseFunc {
	return func(ctx context.Context, x *execution) phase.Outcome {
		return fn(o.phases, ctx, x.job)
	}
}

func (o *Orchestrator) run(ctx context.Context, j job.Job, creds *job.AWSCredentials) {
	x := &execution{
		job:    j,
		creds:  creds,
		logger: slog.With("component", "workflow", "jobId", j.ID, "kind", j.Kind),
	}
	started := time.Now()
	success := false

	defer func() {
		if r := recover(); r != nil {
			x.logger.Error("Workflow panicked", "panic", r, "stack", string(debug.Stack()))
			if x.current != "" {
				o.store.UpdatePhase(j.ID, x.current, job.PhaseFailed)
				x.failed = x.current
			}
			success = false
		}
		o.finish(x, success, time.Since(started))
	}()

	o.store.UpdateStatus(j.ID, job.StatusRunning)
	if o.metrics != nil {
		o.metrics.RecordJobStarted(ctx, string(j.Kind))
	}
	o.notify.started(x.logger, j)
	x.logger.Info("Job started", "application", j.Request.ApplicationName())

	if j.Kind == job.KindDestroy {
		o.store.UpdatePhase(j.ID, job.PhaseApplication, job.PhaseSkipped)
	}
	o.store.AppendLog(j.ID, job.LogEntry{
		Phase:   job.SignalFor(j.Kind).Phase,
		Level:   job.LevelInfo,
		Message: openingMessage(j),
	})

	for _, st := range o.stages(j.Kind) {
		if !o.runPhase(ctx, x, st) {
			return
		}
	}
	success = true
}

// runPhase moves one phase through RUNNING to its outcome and reports
// whether the workflow may continue.
func (o *Orchestrator) runPhase(ctx context.Context, x *execution, st stage) bool {
	o.store.UpdatePhase(x.job.ID, st.phase, job.PhaseRunning)
	x.current = st.phase
	started := time.Now()

	out := st.run(ctx, x)

	status := job.PhaseCompleted
	switch {
	case !out.Success:
		status = job.PhaseFailed
		x.failed = st.phase
	case out.Skipped:
		status = job.PhaseSkipped
	}
	o.store.UpdatePhase(x.job.ID, st.phase, status)
	x.current = ""

	took := time.Since(started)
	if o.metrics != nil {
		o.metrics.RecordPhase(ctx, string(x.job.Kind), string(st.phase), string(status), took)
	}
	o.notify.phase(x.logger, x.job, st.phase, status, took)
	x.logger.Info("Phase finished", "phase", st.phase, "status", status, "duration", took, "detail", out.Detail)

	return out.Success
}

// finish is the single terminal transition of a job: the vault entry is
// erased, then the status and the terminal signal entry land together.
func (o *Orchestrator) finish(x *execution, success bool, took time.Duration) {
	id := x.job.ID
	o.vault.Erase(id)

	status := job.StatusCompleted
	if !success {
		status = job.StatusFailed
	}
	sig := job.SignalFor(x.job.Kind)
	duration := o.store.Finish(id, status, func(duration string) job.LogEntry {
		return sig.Entry(success, closingDetail(x, success, duration))
	})
	if duration == "" {
		duration = job.FormatDuration(took)
	}

	if o.metrics != nil {
		o.metrics.RecordJobCompleted(context.Background(), string(x.job.Kind), success, took)
	}
	o.notify.exited(x.logger, x.job, status, duration)
	x.logger.Info("Job finished", "status", status, "duration", duration)
}

func openingMessage(j job.Job) string {
	app := j.Request.ApplicationName()
	switch j.Kind {
	case job.KindDestroy:
		return fmt.Sprintf("Starting teardown of %s in %s", app, j.Request.Region)
	case job.KindSimulate:
		return fmt.Sprintf("Starting simulated deployment of %s in %s", app, j.Request.Region)
	default:
		return fmt.Sprintf("Starting deployment of %s in %s", app, j.Request.Region)
	}
}

func closingDetail(x *execution, success bool, duration string) string {
	if success {
		return fmt.Sprintf("%s in %s", x.job.Request.ApplicationName(), duration)
	}
	if x.failed != "" {
		return fmt.Sprintf("%s failed after %s", x.failed, duration)
	}
	return "after " + duration
}
