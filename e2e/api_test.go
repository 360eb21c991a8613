//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"astraops/internal/api"
	"astraops/internal/cloud"
	"astraops/internal/dispatcher"
	"astraops/internal/health"
	"astraops/internal/job"
	"astraops/internal/logbus"
	"astraops/internal/observability"
	"astraops/internal/phase"
	"astraops/internal/runner"
	"astraops/internal/stream"
	"astraops/internal/testutil"
	"astraops/internal/workflow"
	"astraops/pkg/cloudevent"
)

const (
	testAPIKey      = "e2e-key"
	testCallbackKey = "e2e-callback-key"
)

// stackOptions tune the in-process service.
type stackOptions struct {
	callbackURL string
	simStep     time.Duration
}

// getTestURL returns the base URL for e2e tests.
// If E2E_API_URL is set, tests run against that instance (E2E_API_KEY
// carries its key). Otherwise the full stack is started in-process.
func getTestURL(t testing.TB, opts stackOptions) (string, func()) {
	if url := os.Getenv("E2E_API_URL"); url != "" {
		t.Logf("Using external API: %s", url)
		return url, func() {}
	}
	return createTestServer(t, opts)
}

// createTestServer wires the service the way cmd/deploy-service does, with
// a local runner and real metrics.
func createTestServer(tb testing.TB, opts stackOptions) (string, func()) {
	ctx := context.Background()
	metrics, _, err := observability.NewMetrics(ctx)
	if err != nil {
		tb.Fatalf("Failed to create metrics: %v", err)
	}

	bus := logbus.New()
	store := job.NewStore(bus)
	vault := job.NewVault()
	local := runner.NewLocal(store)

	executor := phase.NewExecutor(phase.Config{
		Runner:       local,
		Logs:         store,
		Credentials:  vault,
		State:        cloud.NewStateStore(),
		Observer:     metrics,
		TerraformDir: "terraform",
		WorkDir:      tb.TempDir(),
		Timing:       phase.DefaultTiming(),
	})

	cfg := workflow.Config{
		Store:   store,
		Vault:   vault,
		Auth:    cloud.NewAuthenticator(),
		Phases:  executor,
		Metrics: metrics,
		SimStep: opts.simStep,
	}
	var d *dispatcher.MemoryDispatcher
	if opts.callbackURL != "" {
		d = dispatcher.NewMemory(dispatcher.MemoryConfig{BufferSize: 10000, Workers: 8}, metrics)
		cfg.Dispatcher = d
		cfg.CallbackURL = opts.callbackURL
		cfg.CallbackKey = testCallbackKey
	}

	orchestrator := workflow.New(cfg)
	streams := stream.New(stream.Config{Store: store, Bus: bus, Metrics: metrics, Heartbeat: time.Second})

	router := api.NewRouter(api.RouterConfig{
		Service:       workflow.NewService(orchestrator),
		Streams:       streams,
		Metrics:       metrics,
		HealthChecker: health.NewChecker(health.Check{Name: "runner", Probe: local}),
		APIKey:        testAPIKey,
		Version:       "e2e",
	})
	server := httptest.NewServer(router)

	cleanup := func() {
		streams.Shutdown()
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		orchestrator.Close(ctx)
		// Drain the dispatcher last so exit events of interrupted jobs go out
		if d != nil {
			d.Close(ctx)
		}
	}
	return server.URL, cleanup
}

func apiKey() string {
	if k := os.Getenv("E2E_API_KEY"); k != "" {
		return k
	}
	return testAPIKey
}

func call(t testing.TB, method, url string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.APIKeyHeader, apiKey())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func deployRequest(app string) map[string]any {
	return map[string]any{
		"accountId": "123456789012",
		"region":    "eu-west-1",
		"roleArn":   "arn:aws:iam::123456789012:role/astraops",
		"astraopsConfig": map[string]any{
			"applicationName": app,
			"services": []map[string]any{
				{"name": "web", "image": "nginx:1.27", "port": 80},
				{"name": "worker", "image": "ghcr.io/acme/worker:2", "port": 9000, "environment": map[string]string{"QUEUE": "jobs"}},
			},
		},
	}
}

func createSimulation(t testing.TB, baseURL, app string) string {
	t.Helper()
	resp := call(t, http.MethodPost, baseURL+"/v1/deploy/simulate", deployRequest(app))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", resp.StatusCode)
	}
	var created struct {
		JobID  string `json:"jobId"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.Status != string(job.StatusPending) {
		t.Errorf("Expected PENDING, got %s", created.Status)
	}
	return created.JobID
}

// streamLog reads a job's log stream to the end and returns the structured
// entries and the raw lines.
func streamLog(t testing.TB, baseURL, jobID string) ([]job.LogEntry, []string) {
	t.Helper()
	entries, raw, err := readLog(baseURL, jobID)
	if err != nil {
		t.Fatalf("stream %s: %v", jobID, err)
	}
	return entries, raw
}

func readLog(baseURL, jobID string) ([]job.LogEntry, []string, error) {
	req, err := http.NewRequest(http.MethodGet, baseURL+"/v1/deploy/"+jobID+"/logs", nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set(api.APIKeyHeader, apiKey())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	events, err := testutil.NewSSEReader(resp.Body).All()
	if err != nil {
		return nil, nil, err
	}
	var (
		entries []job.LogEntry
		raw     []string
	)
	for _, ev := range events {
		switch ev.Event {
		case stream.EventLog:
			var e job.LogEntry
			if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
				return nil, nil, fmt.Errorf("decode entry: %w", err)
			}
			entries = append(entries, e)
		case stream.EventRaw:
			raw = append(raw, ev.Data)
		}
	}
	return entries, raw, nil
}

func TestAPI_Readyz(t *testing.T) {
	baseURL, cleanup := getTestURL(t, stackOptions{})
	defer cleanup()

	resp, err := http.Get(baseURL + "/readyz")
	if err != nil {
		t.Fatalf("Readyz request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}

func TestAPI_SimulationLifecycle(t *testing.T) {
	baseURL, cleanup := getTestURL(t, stackOptions{simStep: 20 * time.Millisecond})
	defer cleanup()

	jobID := createSimulation(t, baseURL, "e2e-shop")
	entries, raw := streamLog(t, baseURL, jobID)

	if len(entries) == 0 {
		t.Fatal("Expected log entries")
	}
	last := entries[len(entries)-1]
	if !job.DeploySignal.Matches(last) || last.Level != job.LevelSuccess {
		t.Errorf("Expected deploy success signal last, got %+v", last)
	}
	if len(raw) == 0 {
		t.Error("Expected raw tool lines from the simulated timeline")
	}

	resp := call(t, http.MethodGet, baseURL+"/v1/deploy/"+jobID+"/status", nil)
	defer resp.Body.Close()
	var status struct {
		Status   string     `json:"status"`
		Phases   job.Phases `json:"phases"`
		Duration string     `json:"duration"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Status != string(job.StatusCompleted) || status.Phases.ApplicationDeploy != job.PhaseCompleted {
		t.Errorf("Unexpected final status: %+v", status)
	}

	resp = call(t, http.MethodPost, baseURL+"/v1/deploy/"+jobID+"/monitoring", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 from simulated monitoring, got %d", resp.StatusCode)
	}
}

func TestAPI_SimulationWithCallbacks(t *testing.T) {
	var mu sync.Mutex
	var received []string
	var count atomic.Int64

	callbackServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !cloudevent.Verify(body, testCallbackKey, r.Header.Get(cloudevent.SignatureHeader)) {
			t.Errorf("Callback signature did not verify")
		}
		var event cloudevent.CloudEvent
		if err := json.Unmarshal(body, &event); err == nil {
			mu.Lock()
			received = append(received, event.Type)
			mu.Unlock()
			count.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer callbackServer.Close()

	baseURL, cleanup := createTestServer(t, stackOptions{callbackURL: callbackServer.URL})
	defer cleanup()

	jobID := createSimulation(t, baseURL, "e2e-hooks")
	streamLog(t, baseURL, jobID)

	// start, one per phase, exit
	testutil.MustWaitForCount(t, &count, 5, testutil.WithTimeout(10*time.Second))

	mu.Lock()
	defer mu.Unlock()
	for _, want := range []string{workflow.EventTypeStart, workflow.EventTypePhase, workflow.EventTypeExit} {
		if !slices.Contains(received, want) {
			t.Errorf("Expected a %s event, got %v", want, received)
		}
	}
}

func TestAPI_InvalidDeployRequest(t *testing.T) {
	baseURL, cleanup := getTestURL(t, stackOptions{})
	defer cleanup()

	req := deployRequest("e2e-invalid")
	delete(req["astraopsConfig"].(map[string]any), "services")

	resp := call(t, http.MethodPost, baseURL+"/v1/deploy", req)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestAPI_ConcurrentSimulationsAndStreams(t *testing.T) {
	baseURL, cleanup := getTestURL(t, stackOptions{simStep: 5 * time.Millisecond})
	defer cleanup()

	const (
		jobs             = 10
		streamsPerJob    = 3
		expectedTerminal = jobs * streamsPerJob
	)

	var terminal atomic.Int64
	var wg sync.WaitGroup
	for i := range jobs {
		app := fmt.Sprintf("e2e-app-%d", i)
		jobID := createSimulation(t, baseURL, app)
		for range streamsPerJob {
			wg.Go(func() {
				entries, _, err := readLog(baseURL, jobID)
				if err != nil {
					t.Errorf("stream %s: %v", jobID, err)
					return
				}
				for _, e := range entries {
					if strings.Contains(e.Message, "e2e-app-") && !strings.Contains(e.Message, app) {
						t.Errorf("Job %s streamed another job's entry: %q", jobID, e.Message)
					}
				}
				if len(entries) > 0 && job.DeploySignal.Matches(entries[len(entries)-1]) {
					terminal.Add(1)
				}
			})
		}
	}
	wg.Wait()

	if got := terminal.Load(); got != expectedTerminal {
		t.Errorf("Expected %d streams to end on the terminal entry, got %d", expectedTerminal, got)
	}
}
