package workflow

import (
	"strings"
	"sync"
	"testing"

	"astraops/internal/job"
	"astraops/internal/logbus"
)

func TestSimulate_CompletesWithoutTools(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	j := h.run(t, job.KindSimulate, validRequest("shop"))

	if j.Status != job.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", j.Status)
	}
	want := job.Phases{Auth: job.PhaseCompleted, InfrastructureSetup: job.PhaseCompleted, ApplicationDeploy: job.PhaseCompleted}
	if j.Phases != want {
		t.Errorf("phases = %+v", j.Phases)
	}
	if len(h.phases.names()) != 0 || h.auth.count() != 0 {
		t.Error("simulation invoked real collaborators")
	}
	if !hasEntry(j, "applicationDeploy", job.LevelSuccess, "Service web available at http://shop-sim.us-east-1.elb.amazonaws.com") {
		t.Error("missing simulated endpoint entry")
	}
	if last := lastEntry(j); !job.DeploySignal.Matches(last) || last.Level != job.LevelSuccess {
		t.Errorf("last entry = %+v", last)
	}
}

func TestSimulate_JobsDoNotInterleave(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.orch.simStep = 0

	// Raw subscriptions can only be made once the job IDs exist, so early
	// lines may be missed; they are checked for cross-talk only.
	var (
		mu  sync.Mutex
		raw = map[string][]string{}
		sub []logbus.Subscription
	)
	a := h.orch.Start(job.KindSimulate, validRequest("alpha"))
	b := h.orch.Start(job.KindSimulate, validRequest("beta"))
	for _, id := range []string{a.ID, b.ID} {
		sub = append(sub, h.bus.SubscribeRaw(id, func(line string) {
			mu.Lock()
			raw[id] = append(raw[id], line)
			mu.Unlock()
		}))
	}
	h.orch.Wait()
	for _, s := range sub {
		h.bus.Unsubscribe(s)
	}

	ja, _ := h.store.Get(a.ID)
	jb, _ := h.store.Get(b.ID)
	if ja.Status != job.StatusCompleted || jb.Status != job.StatusCompleted {
		t.Fatalf("statuses = %s, %s", ja.Status, jb.Status)
	}
	if len(ja.Logs) != len(jb.Logs) {
		t.Errorf("log lengths differ: %d vs %d", len(ja.Logs), len(jb.Logs))
	}
	for _, e := range ja.Logs {
		if strings.Contains(e.Message, "beta") {
			t.Errorf("alpha log contains beta entry: %q", e.Message)
		}
	}
	for _, e := range jb.Logs {
		if strings.Contains(e.Message, "alpha") {
			t.Errorf("beta log contains alpha entry: %q", e.Message)
		}
	}
	for i := range ja.Logs {
		if ja.Logs[i].Phase != jb.Logs[i].Phase {
			t.Errorf("entry %d phase differs: %s vs %s", i, ja.Logs[i].Phase, jb.Logs[i].Phase)
		}
		if i > 0 && ja.Logs[i].Timestamp.Before(ja.Logs[i-1].Timestamp) {
			t.Errorf("alpha entries out of order at %d", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for _, line := range raw[a.ID] {
		if strings.Contains(line, "beta") {
			t.Errorf("alpha raw stream carried %q", line)
		}
	}
	for _, line := range raw[b.ID] {
		if strings.Contains(line, "alpha") {
			t.Errorf("beta raw stream carried %q", line)
		}
	}
}
