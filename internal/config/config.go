// Package config provides configuration loading from environment variables.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// ServiceConfig holds configuration for the deploy service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string        // Shared secret expected in the X-API-Key header
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	JobMaxAge         time.Duration // Jobs started longer ago than this are swept
	SweepInterval     time.Duration // How often the sweeper runs (0 disables it)
	HeartbeatInterval time.Duration // Idle heartbeat on log streams
	WorkDir           string        // Scratch space for manifests and kubeconfigs
	TerraformDir      string        // Terraform project directory
	ToolRunner        string        // "local" or "docker"
	ToolImages        map[string]string
	ToolAlwaysPull    bool          // Docker runner pulls images before every run
	SimulationStep    time.Duration // Delay between scripted steps of simulated jobs
	CallbackURL       string        // Optional lifecycle webhook destination
	CallbackKey       string        // HMAC key for lifecycle webhooks
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecret("API_KEY", "API_KEY_FILE"),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		JobMaxAge:         GetDurationEnv("JOB_MAX_AGE", 24*time.Hour),
		SweepInterval:     GetDurationEnv("SWEEP_INTERVAL", time.Hour),
		HeartbeatInterval: GetDurationEnv("HEARTBEAT_INTERVAL", 15*time.Second),
		WorkDir:           GetEnv("WORK_DIR", filepath.Join(os.TempDir(), "astraops")),
		TerraformDir:      GetEnv("TERRAFORM_DIR", "terraform"),
		ToolRunner:        GetEnv("TOOL_RUNNER", "local"),
		ToolImages:        GetMapEnv("TOOL_IMAGES"),
		ToolAlwaysPull:    GetBoolEnv("TOOL_ALWAYS_PULL", false),
		SimulationStep:    GetDurationEnv("SIMULATION_STEP", 2*time.Second),
		CallbackURL:       GetEnv("CALLBACK_URL", ""),
		CallbackKey:       GetSecret("CALLBACK_KEY", "CALLBACK_KEY_FILE"),
	}
}
