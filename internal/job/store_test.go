package job

import (
	"sync"
	"testing"
	"time"

	"astraops/internal/logbus"
)

func testRequest() Request {
	return Request{
		AccountID: "123456789012",
		Region:    "us-east-1",
		RoleArn:   "arn:aws:iam::123456789012:role/deployer",
		AWSCredentials: &AWSCredentials{
			AccessKeyID:     "AKIAEXAMPLE",
			SecretAccessKey: "secret",
		},
		AstraopsConfig: &AppConfig{
			ApplicationName: "shop",
			Services: []ServiceSpec{
				{Name: "web", Image: "nginx:1.27", Port: 80, Environment: map[string]string{"A": "1"}},
			},
		},
	}
}

func newTestStore(t *testing.T) (*Store, *logbus.Bus, *time.Time) {
	t.Helper()
	bus := logbus.New()
	s := NewStore(bus)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, bus, &now
}

func TestStore_CreateStripsCredentials(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestStore(t)

	req := testRequest()
	j := s.Create(KindDeploy, req)

	if j.ID == "" {
		t.Fatal("expected job ID")
	}
	if j.Status != StatusPending {
		t.Errorf("expected PENDING, got %s", j.Status)
	}
	for _, p := range OrderedPhases {
		if st, _ := j.Phases.Get(p); st != PhasePending {
			t.Errorf("phase %s: expected PENDING, got %s", p, st)
		}
	}
	if j.Request.AWSCredentials != nil {
		t.Error("credentials must not be kept on the job")
	}
	if req.AWSCredentials == nil {
		t.Error("caller's request must not be mutated")
	}

	// Mutating the caller's config must not leak into the store.
	req.AstraopsConfig.Services[0].Environment["A"] = "2"
	got, _ := s.Get(j.ID)
	if got.Request.AstraopsConfig.Services[0].Environment["A"] != "1" {
		t.Error("stored request shares state with caller")
	}
}

func TestStore_GetReturnsSnapshot(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestStore(t)
	j := s.Create(KindDeploy, testRequest())
	s.AppendLog(j.ID, LogEntry{Phase: "auth", Level: LevelInfo, Message: "one"})

	snap, _ := s.Get(j.ID)
	snap.Logs[0].Message = "mutated"
	snap.Status = StatusFailed

	again, _ := s.Get(j.ID)
	if again.Logs[0].Message != "one" {
		t.Error("snapshot mutation leaked into store logs")
	}
	if again.Status != StatusPending {
		t.Error("snapshot mutation leaked into store status")
	}
}

func TestStore_GetUnknown(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestStore(t)
	if _, ok := s.Get("nope"); ok {
		t.Error("expected unknown job")
	}
}

func TestStore_ListOldestFirst(t *testing.T) {
	t.Parallel()
	s, _, now := newTestStore(t)

	first := s.Create(KindDeploy, testRequest())
	*now = now.Add(time.Minute)
	second := s.Create(KindDestroy, testRequest())

	jobs := s.List()
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != first.ID || jobs[1].ID != second.ID {
		t.Error("expected jobs ordered by start time")
	}
}

func TestStore_UpdateStatus_EndTimeSetOnce(t *testing.T) {
	t.Parallel()
	s, _, now := newTestStore(t)
	j := s.Create(KindDeploy, testRequest())

	s.UpdateStatus(j.ID, StatusRunning)
	got, _ := s.Get(j.ID)
	if got.EndTime != nil {
		t.Error("EndTime must be unset while running")
	}

	*now = now.Add(3*time.Minute + 25*time.Second)
	s.UpdateStatus(j.ID, StatusCompleted)
	got, _ = s.Get(j.ID)
	if got.EndTime == nil {
		t.Fatal("expected EndTime on terminal status")
	}
	end := *got.EndTime

	*now = now.Add(time.Hour)
	s.UpdateStatus(j.ID, StatusFailed)
	s.UpdateStatus(j.ID, StatusRunning)
	got, _ = s.Get(j.ID)
	if got.Status != StatusCompleted {
		t.Errorf("terminal status must be sticky, got %s", got.Status)
	}
	if !got.EndTime.Equal(end) {
		t.Error("EndTime must only be set once")
	}
	if d := s.Duration(j.ID); d != "3m 25s" {
		t.Errorf("expected 3m 25s, got %q", d)
	}
}

func TestStore_UpdateStatus_Transitions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		steps   []Status
		want    Status
		wantEnd bool
	}{
		{"pending to completed refused", []Status{StatusCompleted}, StatusPending, false},
		{"pending to failed refused", []Status{StatusFailed}, StatusPending, false},
		{"pending to running", []Status{StatusRunning}, StatusRunning, false},
		{"running back to pending refused", []Status{StatusRunning, StatusPending}, StatusRunning, false},
		{"running to failed", []Status{StatusRunning, StatusFailed}, StatusFailed, true},
		{"failed is sticky", []Status{StatusRunning, StatusFailed, StatusCompleted}, StatusFailed, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, _, _ := newTestStore(t)
			j := s.Create(KindDeploy, testRequest())
			for _, st := range tt.steps {
				s.UpdateStatus(j.ID, st)
			}
			got, _ := s.Get(j.ID)
			if got.Status != tt.want {
				t.Errorf("status = %s, want %s", got.Status, tt.want)
			}
			if (got.EndTime != nil) != tt.wantEnd {
				t.Errorf("EndTime set = %v, want %v", got.EndTime != nil, tt.wantEnd)
			}
		})
	}
}

func TestStore_Finish(t *testing.T) {
	t.Parallel()
	s, bus, now := newTestStore(t)
	j := s.Create(KindDeploy, testRequest())

	var mu sync.Mutex
	var statusAtPublish []Status
	sub := bus.SubscribeLog(j.ID, func(e logbus.Entry) {
		snap, _ := s.Get(j.ID)
		mu.Lock()
		statusAtPublish = append(statusAtPublish, snap.Status)
		mu.Unlock()
	})
	defer bus.Unsubscribe(sub)

	terminal := func(d string) LogEntry {
		return DeploySignal.Entry(true, "shop in "+d)
	}
	if d := s.Finish(j.ID, StatusCompleted, terminal); d != "" {
		t.Fatalf("Finish on a pending job = %q, want refusal", d)
	}

	s.UpdateStatus(j.ID, StatusRunning)
	*now = now.Add(2*time.Minute + 5*time.Second)
	if d := s.Finish(j.ID, StatusCompleted, terminal); d != "2m 5s" {
		t.Fatalf("Finish = %q, want 2m 5s", d)
	}
	if d := s.Finish(j.ID, StatusFailed, terminal); d != "" {
		t.Errorf("second Finish = %q, want refusal", d)
	}

	got, _ := s.Get(j.ID)
	if got.Status != StatusCompleted || got.EndTime == nil {
		t.Fatalf("status = %s, EndTime = %v", got.Status, got.EndTime)
	}
	if len(got.Logs) != 1 || !DeploySignal.Matches(got.Logs[0]) {
		t.Fatalf("logs = %+v, want the single terminal entry", got.Logs)
	}
	if got.Logs[0].Message != "Deployment completed: shop in 2m 5s" {
		t.Errorf("message = %q", got.Logs[0].Message)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(statusAtPublish) != 1 || statusAtPublish[0] != StatusCompleted {
		t.Errorf("status seen by subscribers = %v, want [COMPLETED]", statusAtPublish)
	}
}

func TestStore_UpdatePhase_ForwardOnly(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestStore(t)
	j := s.Create(KindDeploy, testRequest())

	tests := []struct {
		to   PhaseStatus
		want PhaseStatus
	}{
		{PhaseCompleted, PhasePending}, // cannot finish without running
		{PhaseRunning, PhaseRunning},
		{PhasePending, PhaseRunning},
		{PhaseFailed, PhaseFailed},
		{PhaseRunning, PhaseFailed},
		{PhaseCompleted, PhaseFailed},
	}
	for i, tc := range tests {
		s.UpdatePhase(j.ID, PhaseAuth, tc.to)
		got, _ := s.Get(j.ID)
		if got.Phases.Auth != tc.want {
			t.Errorf("step %d: after %s expected %s, got %s", i, tc.to, tc.want, got.Phases.Auth)
		}
	}

	s.UpdatePhase(j.ID, PhaseApplication, PhaseSkipped)
	got, _ := s.Get(j.ID)
	if got.Phases.ApplicationDeploy != PhaseSkipped {
		t.Errorf("PENDING -> SKIPPED should be allowed, got %s", got.Phases.ApplicationDeploy)
	}
}

func TestStore_UnknownJobIsNoop(t *testing.T) {
	t.Parallel()
	s, bus, _ := newTestStore(t)

	var got int
	sub := bus.SubscribeLog("ghost", func(logbus.Entry) { got++ })
	defer bus.Unsubscribe(sub)

	s.UpdateStatus("ghost", StatusRunning)
	s.UpdatePhase("ghost", PhaseAuth, PhaseRunning)
	s.AppendLog("ghost", LogEntry{Message: "x"})
	s.SetMonitoring("ghost", Monitoring{URL: "http://x"})

	if s.Len() != 0 {
		t.Error("unknown job updates must not create jobs")
	}
	if got != 0 {
		t.Error("logs for unknown jobs must not be published")
	}
	if d := s.Duration("ghost"); d != "" {
		t.Errorf("expected empty duration, got %q", d)
	}
}

func TestStore_AppendLog_PersistsBeforePublish(t *testing.T) {
	t.Parallel()
	s, bus, _ := newTestStore(t)
	j := s.Create(KindDeploy, testRequest())

	var mu sync.Mutex
	var seenInHistory []bool
	sub := bus.SubscribeLog(j.ID, func(e logbus.Entry) {
		snap, _ := s.Get(j.ID)
		found := false
		for _, l := range snap.Logs {
			if l.Message == e.Message {
				found = true
			}
		}
		mu.Lock()
		seenInHistory = append(seenInHistory, found)
		mu.Unlock()
	})
	defer bus.Unsubscribe(sub)

	for _, msg := range []string{"a", "b", "c"} {
		s.AppendLog(j.ID, LogEntry{Phase: "auth", Level: LevelInfo, Message: msg})
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seenInHistory) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(seenInHistory))
	}
	for i, ok := range seenInHistory {
		if !ok {
			t.Errorf("entry %d was published before it was persisted", i)
		}
	}

	got, _ := s.Get(j.ID)
	if got.Logs[0].Timestamp.IsZero() {
		t.Error("expected timestamp to be assigned")
	}
}

func TestStore_AppendRawNotPersisted(t *testing.T) {
	t.Parallel()
	s, bus, _ := newTestStore(t)
	j := s.Create(KindDeploy, testRequest())

	var lines []string
	sub := bus.SubscribeRaw(j.ID, func(l string) { lines = append(lines, l) })
	defer bus.Unsubscribe(sub)

	s.AppendRaw(j.ID, "[terraform] Plan: 3 to add")

	if len(lines) != 1 {
		t.Fatalf("expected 1 raw line, got %d", len(lines))
	}
	got, _ := s.Get(j.ID)
	if len(got.Logs) != 0 {
		t.Error("raw lines must not enter the history")
	}
}

func TestStore_SweepOlderThan(t *testing.T) {
	t.Parallel()
	s, _, now := newTestStore(t)

	s.Create(KindDeploy, testRequest())
	*now = now.Add(2 * time.Hour)
	young := s.Create(KindDeploy, testRequest())

	if n := s.SweepOlderThan(24 * 365 * time.Hour); n != 0 {
		t.Errorf("huge max age should remove nothing, removed %d", n)
	}
	if n := s.SweepOlderThan(time.Hour); n != 1 {
		t.Errorf("expected 1 removed, got %d", n)
	}
	if _, ok := s.Get(young.ID); !ok {
		t.Error("young job should survive")
	}
	if n := s.SweepOlderThan(0); n != 1 {
		t.Errorf("zero max age should remove every job, removed %d", n)
	}
	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d", s.Len())
	}
}

func TestStore_ConcurrentAppends(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestStore(t)
	j := s.Create(KindDeploy, testRequest())

	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() {
			for range 50 {
				s.AppendLog(j.ID, LogEntry{Phase: "auth", Level: LevelInfo, Message: "x"})
				_, _ = s.Get(j.ID)
			}
		})
	}
	wg.Wait()

	got, _ := s.Get(j.ID)
	if len(got.Logs) != 1000 {
		t.Errorf("expected 1000 entries, got %d", len(got.Logs))
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0m 0s"},
		{59 * time.Second, "0m 59s"},
		{205 * time.Second, "3m 25s"},
		{61*time.Minute + 1500*time.Millisecond, "61m 1s"},
		{-time.Second, "0m 0s"},
	}
	for _, tc := range tests {
		if got := FormatDuration(tc.in); got != tc.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
