package api

import (
	"net/http"

	"astraops/internal/health"
	"astraops/internal/stream"
	"astraops/internal/workflow"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Service       *workflow.Service
	Streams       *stream.Gateway
	Metrics       MetricsRecorder // optional
	HealthChecker *health.Checker
	APIKey        string
	Version       string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Service, cfg.Streams, cfg.HealthChecker, cfg.Version)

	mux := http.NewServeMux()

	// Banner and probes - no auth required
	mux.HandleFunc("GET /{$}", handler.Root)
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	auth := AuthMiddleware(cfg.APIKey)
	protect := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, auth(fn))
	}

	protect("POST /v1/deploy", handler.Deploy)
	protect("POST /v1/destroy", handler.Destroy)
	protect("POST /v1/deploy/simulate", handler.Simulate)
	protect("GET /v1/deploy/{jobId}/status", handler.Status)
	protect("GET /v1/deploy/{jobId}/logs", handler.Logs)
	protect("POST /v1/deploy/{jobId}/monitoring", handler.Monitoring)

	protect("POST /v1/debug/jobs/cleanup", handler.Cleanup)
	protect("GET /v1/debug/jobs", handler.ListJobs)

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
