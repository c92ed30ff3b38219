package oasis

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for every tunable. The YAML config and CLI flags override them.
const (
	DefaultBind                   = ":8765"
	DefaultLocalTicksPerControl   = 10
	DefaultControlTickPeriodMs    = 100
	DefaultRouterCapacity         = 10000
	DefaultReplayBufferSize       = 5000
	DefaultOutboundQueueSize      = 1024
	DefaultEngineAdvanceTimeoutMs = 200
	DefaultMaxEngineFailures      = 3
	DefaultHandlerTimeoutMs       = 5000
	DefaultSessionRateLimit       = 200
	DefaultSessionRateBurst       = 400
)

// Config carries every orchestrator tunable. A zero Bind or numeric value
// means "use the default"; Normalize fills them in. Normalize leaves
// ParallelInstances, AdminToken and SnapshotPath as they are.
type Config struct {
	Bind string `yaml:"bind"`

	// Scheduler.
	LocalTicksPerControlTick int  `yaml:"control_tick_interval_ticks"`
	ControlTickPeriodMs      int  `yaml:"control_tick_period_ms"`
	ParallelInstances        bool `yaml:"parallel_instances"`
	ParallelInstancesLimit   int  `yaml:"parallel_instances_limit"`
	EngineAdvanceTimeoutMs   int  `yaml:"engine_advance_timeout_ms"`
	MaxEngineFailures        int  `yaml:"max_consecutive_engine_failures"`

	// Router and gateway bounds.
	RouterCapacity    int `yaml:"router_capacity"`
	ReplayBufferSize  int `yaml:"replay_buffer_size"`
	OutboundQueueSize int `yaml:"outbound_queue_size"`
	HandlerTimeoutMs  int `yaml:"handler_timeout_ms"`
	SessionRateLimit  int `yaml:"session_rate_limit"`
	SessionRateBurst  int `yaml:"session_rate_burst"`

	// Collaborator surfaces.
	AdminToken   string `yaml:"admin_token"`
	SnapshotPath string `yaml:"snapshot_path"`
}

// DefaultConfig returns a fully populated config.
func DefaultConfig() Config {
	cfg := Config{ParallelInstances: true}
	cfg.Normalize()
	return cfg
}

// Normalize fills zero values with defaults.
func (c *Config) Normalize() {
	if c.Bind == "" {
		c.Bind = DefaultBind
	}
	if c.LocalTicksPerControlTick <= 0 {
		c.LocalTicksPerControlTick = DefaultLocalTicksPerControl
	}
	if c.ControlTickPeriodMs <= 0 {
		c.ControlTickPeriodMs = DefaultControlTickPeriodMs
	}
	if c.ParallelInstancesLimit <= 0 {
		c.ParallelInstancesLimit = runtime.NumCPU()
	}
	if c.EngineAdvanceTimeoutMs <= 0 {
		c.EngineAdvanceTimeoutMs = DefaultEngineAdvanceTimeoutMs
	}
	if c.MaxEngineFailures <= 0 {
		c.MaxEngineFailures = DefaultMaxEngineFailures
	}
	if c.RouterCapacity <= 0 {
		c.RouterCapacity = DefaultRouterCapacity
	}
	if c.ReplayBufferSize <= 0 {
		c.ReplayBufferSize = DefaultReplayBufferSize
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = DefaultOutboundQueueSize
	}
	if c.HandlerTimeoutMs <= 0 {
		c.HandlerTimeoutMs = DefaultHandlerTimeoutMs
	}
	if c.SessionRateLimit <= 0 {
		c.SessionRateLimit = DefaultSessionRateLimit
	}
	if c.SessionRateBurst <= 0 {
		c.SessionRateBurst = DefaultSessionRateBurst
	}
}

// ControlTickPeriod returns the scheduler timer period.
func (c Config) ControlTickPeriod() time.Duration {
	return time.Duration(c.ControlTickPeriodMs) * time.Millisecond
}

// EngineAdvanceTimeout returns the per-engine soft deadline for one
// Advance call.
func (c Config) EngineAdvanceTimeout() time.Duration {
	return time.Duration(c.EngineAdvanceTimeoutMs) * time.Millisecond
}

// ShutdownGrace returns how long Stop waits for the in-flight tick.
func (c Config) ShutdownGrace() time.Duration {
	return 2 * c.ControlTickPeriod()
}

// HandlerTimeout returns the per-action deadline in the gateway.
func (c Config) HandlerTimeout() time.Duration {
	return time.Duration(c.HandlerTimeoutMs) * time.Millisecond
}

// LoadConfig reads a YAML config file and normalizes it. An empty path
// yields the defaults; a file that cannot be read is an error.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	cfg.ParallelInstances = true
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	cfg.Normalize()
	return cfg, nil
}
