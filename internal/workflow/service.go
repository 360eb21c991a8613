package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"astraops/internal/apperrors"
	"astraops/internal/cloud"
	"astraops/internal/job"
	"astraops/internal/phase"
)

// DefaultCleanupHours is the age threshold of a manual cleanup without an
// explicit hours value.
const DefaultCleanupHours = 24

// Service is the job API used by the HTTP layer.
type Service struct {
	store   *job.Store
	vault   *job.Vault
	orch    *Orchestrator
	auth    Authenticator
	phases  Executors
	metrics MetricsRecorder

	mu         sync.Mutex
	monitoring map[string]struct{} // jobs with a monitoring setup in flight
}

// NewService creates a Service over the orchestrator's collaborators.
func NewService(o *Orchestrator) *Service {
	return &Service{
		store:      o.store,
		vault:      o.vault,
		orch:       o,
		auth:       o.auth,
		phases:     o.phases,
		metrics:    o.metrics,
		monitoring: make(map[string]struct{}),
	}
}

// CreateDeploy validates req and starts a deployment.
func (s *Service) CreateDeploy(req job.Request) (job.Job, error) {
	return s.create(job.KindDeploy, req)
}

// CreateDestroy validates req and starts a teardown.
func (s *Service) CreateDestroy(req job.Request) (job.Job, error) {
	return s.create(job.KindDestroy, req)
}

// CreateSimulate validates req and starts a scripted deployment that runs
// no tools.
func (s *Service) CreateSimulate(req job.Request) (job.Job, error) {
	return s.create(job.KindSimulate, req)
}

func (s *Service) create(kind job.Kind, req job.Request) (job.Job, error) {
	if err := job.Validate(&req); err != nil {
		return job.Job{}, err
	}
	j := s.orch.Start(kind, req)
	slog.Info("Job created", "jobId", j.ID, "kind", kind, "application", req.ApplicationName())
	return j, nil
}

// Status returns a snapshot of the job.
func (s *Service) Status(id string) (job.Job, error) {
	j, ok := s.store.Get(id)
	if !ok {
		return job.Job{}, apperrors.NotFound("job", id)
	}
	return j, nil
}

// List returns snapshots of every job, oldest first.
func (s *Service) List() []job.Job {
	return s.store.List()
}

// Duration returns the formatted elapsed time of a job snapshot.
func (s *Service) Duration(j job.Job) string {
	return job.FormatDuration(s.store.Elapsed(j))
}

// Cleanup removes jobs started at least hours ago and returns how many
// were removed. Non-positive hours use DefaultCleanupHours.
func (s *Service) Cleanup(ctx context.Context, hours int) int {
	if hours <= 0 {
		hours = DefaultCleanupHours
	}
	return s.sweep(ctx, time.Duration(hours)*time.Hour)
}

func (s *Service) sweep(ctx context.Context, maxAge time.Duration) int {
	n := s.store.SweepOlderThan(maxAge)
	if s.metrics != nil && n > 0 {
		s.metrics.RecordJobsSwept(ctx, n)
	}
	return n
}

// SetupMonitoring installs the monitoring stack on a completed deployment
// and returns the dashboard access. It runs synchronously. Session
// credentials are vaulted for the duration of the setup and erased after.
func (s *Service) SetupMonitoring(ctx context.Context, id string, creds *job.AWSCredentials) (phase.Dashboard, error) {
	j, ok := s.store.Get(id)
	if !ok {
		return phase.Dashboard{}, apperrors.NotFound("job", id)
	}
	if j.Status != job.StatusCompleted {
		return phase.Dashboard{}, apperrors.Conflict("job", fmt.Sprintf("job %s is %s; monitoring requires a COMPLETED job", id, j.Status))
	}
	if j.Kind == job.KindDestroy {
		return phase.Dashboard{}, apperrors.Conflict("job", "monitoring cannot be set up on a destroy job")
	}
	if !s.claimMonitoring(id) {
		return phase.Dashboard{}, apperrors.Conflict("job", "monitoring setup already in progress")
	}
	defer s.releaseMonitoring(id)
	defer s.vault.Erase(id)

	logger := slog.With("component", "workflow", "jobId", id)
	sig := job.MonitoringSignal
	s.store.AppendLog(id, job.LogEntry{
		Phase:   sig.Phase,
		Level:   job.LevelInfo,
		Message: "Setting up monitoring for " + j.Request.ApplicationName(),
	})

	fail := func(detail string) (phase.Dashboard, error) {
		s.store.AppendLog(id, sig.Entry(false, detail))
		logger.Warn("Monitoring setup failed", "reason", detail)
		return phase.Dashboard{}, apperrors.Unavailable("monitoring.setup", "monitoring setup failed: "+detail)
	}

	var (
		dash phase.Dashboard
		out  phase.Outcome
	)
	if j.Kind == job.KindSimulate {
		dash, out = s.orch.simulation().monitoring(ctx, j)
	} else {
		if creds != nil {
			session, err := s.auth.Assume(ctx, j.Request, *creds, id+"-monitoring")
			if err != nil {
				return fail("authentication failed: " + cloud.Describe(err))
			}
			s.vault.Put(id, session)
		}
		dash, out = s.phases.Monitoring(ctx, j)
	}
	if !out.Success {
		return fail(out.Detail)
	}

	s.store.SetMonitoring(id, job.Monitoring{URL: dash.URL, Username: dash.Username, ConfiguredAt: time.Now()})
	s.store.AppendLog(id, sig.Entry(true, dash.URL))
	logger.Info("Monitoring setup completed", "url", dash.URL)
	return dash, nil
}

func (s *Service) claimMonitoring(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.monitoring[id]; busy {
		return false
	}
	s.monitoring[id] = struct{}{}
	return true
}

func (s *Service) releaseMonitoring(id string) {
	s.mu.Lock()
	delete(s.monitoring, id)
	s.mu.Unlock()
}
