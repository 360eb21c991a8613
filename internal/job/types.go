// Package job defines the deployment job model and its in-memory store.
package job

import (
	"time"

	"astraops/internal/logbus"
)

// Kind is the workflow a job runs.
type Kind string

const (
	KindDeploy   Kind = "deploy"
	KindDestroy  Kind = "destroy"
	KindSimulate Kind = "simulate"
)

// Status is the overall job status.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// PhaseStatus is the status of a single workflow phase.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "PENDING"
	PhaseRunning   PhaseStatus = "RUNNING"
	PhaseCompleted PhaseStatus = "COMPLETED"
	PhaseFailed    PhaseStatus = "FAILED"
	PhaseSkipped   PhaseStatus = "SKIPPED"
)

// IsDone reports whether the phase finished, successfully or not.
func (p PhaseStatus) IsDone() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseSkipped
}

// canTransition enforces the forward-only phase lifecycle:
// PENDING -> RUNNING -> {COMPLETED, FAILED, SKIPPED}, or PENDING -> SKIPPED
// for phases a workflow never runs.
func (p PhaseStatus) canTransition(to PhaseStatus) bool {
	switch p {
	case PhasePending:
		return to == PhaseRunning || to == PhaseSkipped
	case PhaseRunning:
		return to.IsDone()
	default:
		return false
	}
}

// Phase names a workflow stage.
type Phase string

const (
	PhaseAuth           Phase = "auth"
	PhaseInfrastructure Phase = "infrastructureSetup"
	PhaseApplication    Phase = "applicationDeploy"
)

// OrderedPhases lists phases in execution order.
var OrderedPhases = []Phase{PhaseAuth, PhaseInfrastructure, PhaseApplication}

// Phases holds one status per workflow phase.
type Phases struct {
	Auth                PhaseStatus `json:"auth"`
	InfrastructureSetup PhaseStatus `json:"infrastructureSetup"`
	ApplicationDeploy   PhaseStatus `json:"applicationDeploy"`
}

func pendingPhases() Phases {
	return Phases{
		Auth:                PhasePending,
		InfrastructureSetup: PhasePending,
		ApplicationDeploy:   PhasePending,
	}
}

// Get returns the status of the named phase.
func (p Phases) Get(name Phase) (PhaseStatus, bool) {
	switch name {
	case PhaseAuth:
		return p.Auth, true
	case PhaseInfrastructure:
		return p.InfrastructureSetup, true
	case PhaseApplication:
		return p.ApplicationDeploy, true
	default:
		return "", false
	}
}

func (p *Phases) set(name Phase, status PhaseStatus) {
	switch name {
	case PhaseAuth:
		p.Auth = status
	case PhaseInfrastructure:
		p.InfrastructureSetup = status
	case PhaseApplication:
		p.ApplicationDeploy = status
	}
}

// LogEntry is a structured job log entry.
type LogEntry = logbus.Entry

// Level is the severity of a LogEntry.
type Level = logbus.Level

// Level aliases for callers that only import job.
const (
	LevelInfo    = logbus.LevelInfo
	LevelWarn    = logbus.LevelWarn
	LevelError   = logbus.LevelError
	LevelSuccess = logbus.LevelSuccess
)

// AWSCredentials are caller-supplied credentials used to assume the target role.
type AWSCredentials struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	SessionToken    string `json:"sessionToken,omitempty"`
}

// StorageSpec requests a persistent volume for a service.
type StorageSpec struct {
	Size      string `json:"size"`
	MountPath string `json:"mountPath"`
}

// ServiceSpec describes one workload of the application.
type ServiceSpec struct {
	Name        string            `json:"name"`
	Image       string            `json:"image"`
	Port        int               `json:"port"`
	Environment map[string]string `json:"environment,omitempty"`
	Storage     *StorageSpec      `json:"storage,omitempty"`
}

// AppConfig is the desired application topology.
type AppConfig struct {
	ApplicationName string        `json:"applicationName"`
	Services        []ServiceSpec `json:"services"`
}

// Request is the payload that spawns a deploy, destroy or simulate job.
type Request struct {
	AccountID      string          `json:"accountId"`
	Region         string          `json:"region"`
	RoleArn        string          `json:"roleArn"`
	AWSCredentials *AWSCredentials `json:"awsCredentials,omitempty"`
	AstraopsConfig *AppConfig      `json:"astraopsConfig"`
}

// WithoutCredentials returns a copy safe to keep on the job record.
func (r Request) WithoutCredentials() Request {
	r.AWSCredentials = nil
	return r
}

// ApplicationName returns the application name, or "" if no config was given.
func (r Request) ApplicationName() string {
	if r.AstraopsConfig == nil {
		return ""
	}
	return r.AstraopsConfig.ApplicationName
}

// ClusterName is the name of the cluster provisioned for the application.
func (r Request) ClusterName() string {
	return r.ApplicationName() + "-cluster"
}

// Namespace is the cluster namespace the application is deployed into.
func (r Request) Namespace() string {
	return r.ApplicationName()
}

// Monitoring records the last successful monitoring setup for a job.
// The dashboard password is never stored.
type Monitoring struct {
	URL          string    `json:"url"`
	Username     string    `json:"username"`
	ConfiguredAt time.Time `json:"configuredAt"`
}

// Job is one deployment or teardown lifecycle record.
type Job struct {
	ID         string      `json:"id"`
	Kind       Kind        `json:"kind"`
	Status     Status      `json:"status"`
	Phases     Phases      `json:"phases"`
	Request    Request     `json:"request"`
	StartTime  time.Time   `json:"startTime"`
	EndTime    *time.Time  `json:"endTime,omitempty"`
	Logs       []LogEntry  `json:"logs"`
	Monitoring *Monitoring `json:"monitoring,omitempty"`
}

// clone returns a deep enough copy that callers cannot mutate store state.
func (j Job) clone() Job {
	j.Logs = append([]LogEntry(nil), j.Logs...)
	if j.EndTime != nil {
		end := *j.EndTime
		j.EndTime = &end
	}
	if j.Monitoring != nil {
		m := *j.Monitoring
		j.Monitoring = &m
	}
	return j
}
