// Package api provides the HTTP handlers and routing of the deploy service.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"astraops/internal/apperrors"
	"astraops/internal/health"
	"astraops/internal/job"
	"astraops/internal/stream"
	"astraops/internal/workflow"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// ServiceName is reported by the root banner.
const ServiceName = "astraops"

// Handler contains the HTTP handlers of the deploy API.
type Handler struct {
	svc     *workflow.Service
	streams *stream.Gateway
	health  *health.Checker
	version string
}

// NewHandler creates a new API handler
func NewHandler(svc *workflow.Service, streams *stream.Gateway, healthChecker *health.Checker, version string) *Handler {
	return &Handler{
		svc:     svc,
		streams: streams,
		health:  healthChecker,
		version: version,
	}
}

type errorResponse struct {
	Error  string   `json:"error"`
	Errors []string `json:"errors,omitempty"`
}

type createResponse struct {
	JobID   string     `json:"jobId"`
	Status  job.Status `json:"status"`
	Phases  job.Phases `json:"phases"`
	Message string     `json:"message"`
}

type statusResponse struct {
	JobID       string          `json:"jobId"`
	Kind        job.Kind        `json:"kind"`
	Status      job.Status      `json:"status"`
	Phases      job.Phases      `json:"phases"`
	Application string          `json:"applicationName"`
	Region      string          `json:"region"`
	StartTime   time.Time       `json:"startTime"`
	EndTime     *time.Time      `json:"endTime,omitempty"`
	Duration    string          `json:"duration"`
	Monitoring  *job.Monitoring `json:"monitoring,omitempty"`
	Logs        []job.LogEntry  `json:"logs,omitempty"`
}

type listResponse struct {
	Jobs  []statusResponse `json:"jobs"`
	Count int              `json:"count"`
}

type cleanupResponse struct {
	Removed int `json:"removed"`
	Hours   int `json:"hours"`
}

type monitoringRequest struct {
	AWSCredentials *job.AWSCredentials `json:"awsCredentials,omitempty"`
}

type bannerResponse struct {
	Service string `json:"service"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

// Deploy handles POST /v1/deploy
func (h *Handler) Deploy(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, h.svc.CreateDeploy, "Deployment of %s started")
}

// Destroy handles POST /v1/destroy
func (h *Handler) Destroy(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, h.svc.CreateDestroy, "Destroy of %s started")
}

// Simulate handles POST /v1/deploy/simulate
func (h *Handler) Simulate(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, h.svc.CreateSimulate, "Simulated deployment of %s started")
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request, start func(job.Request) (job.Job, error), message string) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, decodeStatus(err), errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	j, err := start(req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, createResponse{
		JobID:   j.ID,
		Status:  j.Status,
		Phases:  j.Phases,
		Message: fmt.Sprintf(message, j.Request.ApplicationName()),
	})
}

// Status handles GET /v1/deploy/{jobId}/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.Status(r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	resp := h.summary(j)
	resp.Logs = j.Logs
	writeJSON(w, http.StatusOK, resp)
}

// Logs handles GET /v1/deploy/{jobId}/logs. It streams until the job's
// terminal entry, or the monitoring one with ?watch=monitoring.
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	watch := stream.Watch(r.URL.Query().Get("watch"))
	if watch != stream.WatchJob && watch != stream.WatchMonitoring {
		h.handleError(w, r, apperrors.Validation("watch", "watch must be empty or \"monitoring\""))
		return
	}

	if err := h.streams.Serve(w, r, r.PathValue("jobId"), watch); err != nil {
		h.handleError(w, r, err)
	}
}

// Monitoring handles POST /v1/deploy/{jobId}/monitoring. The body is
// optional and may carry awsCredentials.
func (h *Handler) Monitoring(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req monitoringRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, decodeStatus(err), errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	dash, err := h.svc.SetupMonitoring(r.Context(), r.PathValue("jobId"), req.AWSCredentials)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, dash)
}

// Cleanup handles POST /v1/debug/jobs/cleanup?hours=N
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	hours := workflow.DefaultCleanupHours
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.handleError(w, r, apperrors.Validation("hours", "hours must be a non-negative integer"))
			return
		}
		if n > 0 {
			hours = n
		}
	}

	removed := h.svc.Cleanup(r.Context(), hours)
	slog.InfoContext(r.Context(), "Jobs cleaned up", "removed", removed, "hours", hours)
	writeJSON(w, http.StatusOK, cleanupResponse{Removed: removed, Hours: hours})
}

// ListJobs handles GET /v1/debug/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.svc.List()
	resp := listResponse{Jobs: make([]statusResponse, 0, len(jobs)), Count: len(jobs)}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, h.summary(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Root handles GET /
func (h *Handler) Root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, bannerResponse{Service: ServiceName, Version: h.version, Status: "ok"})
}

// Livez handles GET /livez - liveness probe.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 when a required dependency (the tool runner) is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, response)
}

func (h *Handler) summary(j job.Job) statusResponse {
	return statusResponse{
		JobID:       j.ID,
		Kind:        j.Kind,
		Status:      j.Status,
		Phases:      j.Phases,
		Application: j.Request.ApplicationName(),
		Region:      j.Request.Region,
		StartTime:   j.StartTime,
		EndTime:     j.EndTime,
		Duration:    h.svc.Duration(j),
		Monitoring:  j.Monitoring,
	}
}

// handleError maps service errors to HTTP responses. Validation failures
// list every message.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Request failed", "error", err, "path", r.URL.Path, "status", status)
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}

	var verrs *apperrors.ValidationErrors
	if errors.As(err, &verrs) {
		writeJSON(w, status, errorResponse{Error: "validation failed", Errors: verrs.Messages()})
		return
	}
	var aerr *apperrors.Error
	if errors.As(err, &aerr) && errors.Is(err, apperrors.ErrValidation) {
		writeJSON(w, status, errorResponse{Error: "validation failed", Errors: []string{aerr.Message}})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// decodeStatus is 413 for an oversized body and 400 for anything else the
// decoder rejects.
func decodeStatus(err error) int {
	if status := apperrors.HTTPStatus(err); status == http.StatusRequestEntityTooLarge {
		return status
	}
	return http.StatusBadRequest
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
