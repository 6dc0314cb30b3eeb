package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Queue       QueueConfig     `toml:"queue"`
	Jobs        JobsConfig      `toml:"jobs"`
	Hardware    HardwareConfig  `toml:"hardware"`
	Workers     WorkersConfig   `toml:"workers"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	WebSocket   WebSocketConfig `toml:"websocket"`
	Logging     LoggingConfig   `toml:"logging"`
	Tracing     TracingConfig   `toml:"tracing"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// QueueConfig mirrors the retry and retention options of the generation queue
type QueueConfig struct {
	Name               string `toml:"name"`                 // Queue name prefix in Badger
	Attempts           int    `toml:"attempts"`             // Deliveries before a job is dead-lettered
	Backoff            string `toml:"backoff"`              // Base delay for exponential backoff, e.g. "5s"
	VisibilityTimeout  string `toml:"visibility_timeout"`   // Lease duration for a received job
	KeepCompletedAge   string `toml:"keep_completed_age"`   // e.g. "1h"
	KeepCompletedCount int    `toml:"keep_completed_count"` // e.g. 100
	KeepFailedAge      string `toml:"keep_failed_age"`      // e.g. "24h"
	KeepFailedCount    int    `toml:"keep_failed_count"`    // e.g. 1000
}

// JobsConfig contains submission and result-delivery defaults
type JobsConfig struct {
	StatusTTL          string `toml:"status_ttl"`           // Lifetime of a job status record
	ReadyTimeout       string `toml:"ready_timeout"`        // Default wait-for-ready timeout on submit
	ResultTimeout      string `toml:"result_timeout"`       // Default await-result timeout
	AverageServiceTime string `toml:"average_service_time"` // Per-job service time used for wait estimates
}

// HardwareConfig controls accelerator detection
type HardwareConfig struct {
	MemoryOverrideMB int    `toml:"memory_override_mb"` // Replaces detected total accelerator memory when > 0
	CacheTTL         string `toml:"cache_ttl"`          // Snapshot cache lifetime
	ProbeTimeout     string `toml:"probe_timeout"`      // Timeout for each probe command
}

// WorkerOverride holds per-worker connection overrides
type WorkerOverride struct {
	URL  string `toml:"url"`
	Port int    `toml:"port"`
}

// WorkersConfig contains lifecycle manager settings
type WorkersConfig struct {
	Python           string                    `toml:"python"`             // Interpreter used to launch worker scripts
	ScriptsDir       string                    `toml:"scripts_dir"`        // Base directory for worker scripts
	MaxStartAttempts int                       `toml:"max_start_attempts"` // Consecutive failed starts before the error state
	PollInterval     string                    `toml:"poll_interval"`      // Health poll interval while starting
	HealthTimeout    string                    `toml:"health_timeout"`     // Timeout for a single health probe
	StopGracePeriod  string                    `toml:"stop_grace_period"`  // SIGTERM to SIGKILL delay
	Overrides        map[string]WorkerOverride `toml:"overrides"`          // Keyed by worker id
}

// SchedulerConfig contains cron schedules for maintenance tasks
type SchedulerConfig struct {
	Enabled        bool   `toml:"enabled"`
	HealthSchedule string `toml:"health_schedule"` // Health sweep over ready workers
	PruneSchedule  string `toml:"prune_schedule"`  // Queue retention pruning
}

// WebSocketConfig contains configuration for progress streaming
type WebSocketConfig struct {
	ProgressThrottle string `toml:"progress_throttle"` // Minimum interval between progress frames per client
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs
}

// TracingConfig controls the OpenTelemetry stdout exporter
type TracingConfig struct {
	Enabled bool   `toml:"enabled"`
	Output  string `toml:"output"` // File path; empty writes to stdout
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8090,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Queue: QueueConfig{
			Name:               "batch-generation-queue",
			Attempts:           3,
			Backoff:            "5s",
			VisibilityTimeout:  "10m",
			KeepCompletedAge:   "1h",
			KeepCompletedCount: 100,
			KeepFailedAge:      "24h",
			KeepFailedCount:    1000,
		},
		Jobs: JobsConfig{
			StatusTTL:          "1h",
			ReadyTimeout:       "30s",
			ResultTimeout:      "5m",
			AverageServiceTime: "5s",
		},
		Hardware: HardwareConfig{
			MemoryOverrideMB: 0,
			CacheTTL:         "30s",
			ProbeTimeout:     "5s",
		},
		Workers: WorkersConfig{
			Python:           "python3",
			ScriptsDir:       ".",
			MaxStartAttempts: 3,
			PollInterval:     "2s",
			HealthTimeout:    "5s",
			StopGracePeriod:  "5s",
			Overrides:        map[string]WorkerOverride{},
		},
		Scheduler: SchedulerConfig{
			Enabled:        true,
			HealthSchedule: "@every 30s",
			PruneSchedule:  "@every 5m",
		},
		WebSocket: WebSocketConfig{
			ProgressThrottle: "250ms",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05.000",
		},
		Tracing: TracingConfig{
			Enabled: false,
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> env
// Later files override earlier files. CLI flags are applied by the caller via ApplyFlagOverrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("HEARTH_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("HEARTH_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("HEARTH_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage configuration
	if badgerPath := os.Getenv("HEARTH_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Queue configuration
	if name := os.Getenv("HEARTH_QUEUE_NAME"); name != "" {
		config.Queue.Name = name
	}
	if attempts := os.Getenv("HEARTH_QUEUE_ATTEMPTS"); attempts != "" {
		if a, err := strconv.Atoi(attempts); err == nil {
			config.Queue.Attempts = a
		}
	}

	// Hardware configuration
	if override := os.Getenv("HEARTH_MEMORY_OVERRIDE_MB"); override != "" {
		if mb, err := strconv.Atoi(override); err == nil {
			config.Hardware.MemoryOverrideMB = mb
		}
	}

	// Worker configuration
	if python := os.Getenv("HEARTH_PYTHON"); python != "" {
		config.Workers.Python = python
	}
	if scriptsDir := os.Getenv("HEARTH_SCRIPTS_DIR"); scriptsDir != "" {
		config.Workers.ScriptsDir = scriptsDir
	}

	// Per-worker URL overrides: HEARTH_WORKER_QWEN_TTS_URL=http://gpu-box:8003
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		if !strings.HasPrefix(key, "HEARTH_WORKER_") || !strings.HasSuffix(key, "_URL") {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(key, "HEARTH_WORKER_"), "_URL")
		if name == "" {
			continue
		}
		id := strings.ToLower(strings.ReplaceAll(name, "_", "-"))
		if config.Workers.Overrides == nil {
			config.Workers.Overrides = make(map[string]WorkerOverride)
		}
		override := config.Workers.Overrides[id]
		override.URL = value
		config.Workers.Overrides[id] = override
	}

	// Logging configuration
	if level := os.Getenv("HEARTH_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("HEARTH_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string, memoryOverrideMB int) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
	if memoryOverrideMB > 0 {
		config.Hardware.MemoryOverrideMB = memoryOverrideMB
	}
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ParseDuration parses a duration string, falling back to def when empty or invalid
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
