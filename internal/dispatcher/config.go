package dispatcher

import (
	"time"

	"astraops/internal/config"
	"astraops/pkg/backoff"
	"astraops/pkg/circuitbreaker"
)

const (
	defaultBufferSize  = 1000
	defaultWorkers     = 4
	defaultHTTPTimeout = 10 * time.Second
	defaultMaxRetries  = 3
	deliveryTimeout    = 30 * time.Second
)

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize  int            // pending events buffer (default: 1000)
	Workers     int            // concurrent delivery goroutines (default: 4)
	HTTPTimeout time.Duration  // per-request timeout (default: 10s)
	MaxRetries  int            // retries after the first attempt (default: 3)
	Backoff     backoff.Config // delay between retries
	Breaker     circuitbreaker.Config
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() MemoryConfig {
	cfg := MemoryConfig{
		BufferSize:  config.GetIntEnv("DISPATCHER_BUFFER_SIZE", defaultBufferSize),
		Workers:     config.GetIntEnv("DISPATCHER_WORKERS", defaultWorkers),
		HTTPTimeout: config.GetDurationEnv("DISPATCHER_HTTP_TIMEOUT", defaultHTTPTimeout),
		MaxRetries:  config.GetIntEnv("DISPATCHER_MAX_RETRIES", defaultMaxRetries),
		Backoff: backoff.Config{
			Initial: config.GetDurationEnv("DISPATCHER_BACKOFF_INITIAL", 100*time.Millisecond),
			Max:     config.GetDurationEnv("DISPATCHER_BACKOFF_MAX", 5*time.Second),
		},
		Breaker: circuitbreaker.Config{
			Threshold: config.GetIntEnv("DISPATCHER_BREAKER_THRESHOLD", 5),
			Cooldown:  config.GetDurationEnv("DISPATCHER_BREAKER_COOLDOWN", 30*time.Second),
		},
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	return c
}
