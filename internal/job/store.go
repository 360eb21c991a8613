package job

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"astraops/internal/logbus"
)

// record guards one job. The store-level lock only protects the map, so
// writers on one job never block readers of another.
type record struct {
	mu  sync.RWMutex
	job Job
}

// Store is the authoritative in-memory registry of jobs.
//
// Every mutation on an unknown job ID is a logged no-op: a job may be swept
// while its workflow is still running, and the workflow must not care.
type Store struct {
	mu     sync.RWMutex
	jobs   map[string]*record
	bus    *logbus.Bus
	now    func() time.Time
	logger *slog.Logger
}

// NewStore creates an empty store publishing through bus.
func NewStore(bus *logbus.Bus) *Store {
	return &Store{
		jobs:   make(map[string]*record),
		bus:    bus,
		now:    time.Now,
		logger: slog.With("component", "jobstore"),
	}
}

// Create registers a new PENDING job for req and returns a snapshot of it.
func (s *Store) Create(kind Kind, req Request) Job {
	j := Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    StatusPending,
		Phases:    pendingPhases(),
		Request:   cloneRequest(req.WithoutCredentials()),
		StartTime: s.now(),
		Logs:      []LogEntry{},
	}

	s.mu.Lock()
	s.jobs[j.ID] = &record{job: j}
	s.mu.Unlock()

	return j.clone()
}

// Get returns a snapshot of the job.
func (s *Store) Get(id string) (Job, bool) {
	r, ok := s.lookup(id)
	if !ok {
		return Job{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.job.clone(), true
}

// List returns snapshots of every job, oldest first.
func (s *Store) List() []Job {
	s.mu.RLock()
	records := slices.Collect(maps.Values(s.jobs))
	s.mu.RUnlock()

	jobs := make([]Job, 0, len(records))
	for _, r := range records {
		r.mu.RLock()
		jobs = append(jobs, r.job.clone())
		r.mu.RUnlock()
	}
	slices.SortFunc(jobs, func(a, b Job) int {
		return a.StartTime.Compare(b.StartTime)
	})
	return jobs
}

// UpdateStatus sets the job status. A job enters RUNNING from PENDING and
// only a running job may finish. The first terminal status stamps EndTime;
// terminal statuses are sticky.
func (s *Store) UpdateStatus(id string, status Status) {
	r, ok := s.lookup(id)
	if !ok {
		s.logger.Warn("Status update for unknown job", "jobId", id, "status", status)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s.transition(r, status)
}

// Finish moves a running job to its terminal status and appends the entry
// built from the final duration, under one lock, so a reader that sees the
// terminal status also sees the entry. It returns the formatted duration,
// or "" if the transition was refused and nothing was appended.
func (s *Store) Finish(id string, status Status, entry func(duration string) LogEntry) string {
	r, ok := s.lookup(id)
	if !ok {
		s.logger.Warn("Finish for unknown job", "jobId", id, "status", status)
		return ""
	}
	if !status.IsTerminal() {
		s.logger.Warn("Finish with non-terminal status", "jobId", id, "status", status)
		return ""
	}

	r.mu.Lock()
	if !s.transition(r, status) {
		r.mu.Unlock()
		return ""
	}
	duration := FormatDuration(r.job.EndTime.Sub(r.job.StartTime))
	e := entry(duration)
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	r.job.Logs = append(r.job.Logs, e)
	r.mu.Unlock()

	s.bus.PublishLog(id, e)
	return duration
}

// transition applies status to r if it is legal. r.mu must be held.
func (s *Store) transition(r *record, status Status) bool {
	id, current := r.job.ID, r.job.Status
	switch {
	case current.IsTerminal():
		if current != status {
			s.logger.Warn("Ignoring status change on finished job", "jobId", id, "from", current, "to", status)
		}
		return false
	case current == StatusPending && status != StatusRunning:
		if status != StatusPending {
			s.logger.Warn("Ignoring status change on a job that never ran", "jobId", id, "from", current, "to", status)
		}
		return false
	case status == StatusPending:
		s.logger.Warn("Ignoring backward status change", "jobId", id, "from", current, "to", status)
		return false
	}

	r.job.Status = status
	if status.IsTerminal() && r.job.EndTime == nil {
		end := s.now()
		r.job.EndTime = &end
	}
	return true
}

// UpdatePhase sets one phase status, allowing only forward transitions.
func (s *Store) UpdatePhase(id string, phase Phase, status PhaseStatus) {
	r, ok := s.lookup(id)
	if !ok {
		s.logger.Warn("Phase update for unknown job", "jobId", id, "phase", phase, "status", status)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, known := r.job.Phases.Get(phase)
	if !known {
		s.logger.Warn("Phase update for unknown phase", "jobId", id, "phase", phase)
		return
	}
	if !current.canTransition(status) {
		s.logger.Warn("Ignoring illegal phase transition", "jobId", id, "phase", phase, "from", current, "to", status)
		return
	}
	r.job.Phases.set(phase, status)
}

// AppendLog appends entry to the job history and then publishes it, so
// anything a subscriber has seen is already in the replay buffer.
func (s *Store) AppendLog(id string, entry LogEntry) {
	r, ok := s.lookup(id)
	if !ok {
		s.logger.Warn("Log append for unknown job", "jobId", id, "message", entry.Message)
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}

	r.mu.Lock()
	r.job.Logs = append(r.job.Logs, entry)
	r.mu.Unlock()

	s.bus.PublishLog(id, entry)
}

// AppendRaw forwards a raw tool output line to live subscribers. Raw lines
// are not kept in the job history.
func (s *Store) AppendRaw(id, line string) {
	s.bus.PublishRaw(id, line)
}

// SetMonitoring records the dashboard a monitoring setup produced.
func (s *Store) SetMonitoring(id string, m Monitoring) {
	r, ok := s.lookup(id)
	if !ok {
		s.logger.Warn("Monitoring update for unknown job", "jobId", id)
		return
	}
	r.mu.Lock()
	r.job.Monitoring = &m
	r.mu.Unlock()
}

// Duration returns the elapsed time of the job formatted as "<m>m <s>s".
// Running jobs are measured up to now. Unknown jobs yield "".
func (s *Store) Duration(id string) string {
	j, ok := s.Get(id)
	if !ok {
		return ""
	}
	return FormatDuration(s.Elapsed(j))
}

// Elapsed returns the elapsed time of a job snapshot.
func (s *Store) Elapsed(j Job) time.Duration {
	end := s.now()
	if j.EndTime != nil {
		end = *j.EndTime
	}
	return end.Sub(j.StartTime)
}

// SweepOlderThan deletes every job started at or before now-maxAge and
// returns how many were removed.
func (s *Store) SweepOlderThan(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, r := range s.jobs {
		r.mu.RLock()
		started := r.job.StartTime
		r.mu.RUnlock()

		if !started.After(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("Swept old jobs", "removed", removed, "maxAge", maxAge)
	}
	return removed
}

// Len returns the number of jobs held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

func (s *Store) lookup(id string) (*record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.jobs[id]
	return r, ok
}

// FormatDuration renders d as whole minutes and seconds, e.g. "3m 25s".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Seconds())
	return fmt.Sprintf("%dm %ds", total/60, total%60)
}

func cloneRequest(req Request) Request {
	if req.AstraopsConfig == nil {
		return req
	}
	cfg := *req.AstraopsConfig
	cfg.Services = make([]ServiceSpec, len(req.AstraopsConfig.Services))
	for i, svc := range req.AstraopsConfig.Services {
		svc.Environment = maps.Clone(svc.Environment)
		if svc.Storage != nil {
			st := *svc.Storage
			svc.Storage = &st
		}
		cfg.Services[i] = svc
	}
	req.AstraopsConfig = &cfg
	return req
}
