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
	Temporal    TemporalConfig  `toml:"temporal"`
	Storage     StorageConfig   `toml:"storage"`
	Artifacts   ArtifactsConfig `toml:"artifacts"`
	Templates   TemplatesConfig `toml:"templates"`
	Backends    BackendsConfig  `toml:"backends"`
	Approval    ApprovalConfig  `toml:"approval"`
	Logging     LoggingConfig   `toml:"logging"`
	Sweep       SweepConfig     `toml:"sweep"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
	// BaseURL is the externally reachable address used when building approval
	// links; defaults to http://<host>:<port> when empty.
	BaseURL string `toml:"base_url"`
}

// TemporalConfig holds the durable-engine connection settings
type TemporalConfig struct {
	HostPort  string `toml:"host_port"` // e.g. "localhost:7233"
	Namespace string `toml:"namespace"`
	TaskQueue string `toml:"task_queue"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// ArtifactsConfig controls where downloaded render outputs are kept
type ArtifactsConfig struct {
	Dir            string `toml:"dir"`              // Root directory for artifact files
	SweepRetention string `toml:"sweep_retention"`  // e.g. "720h" - delete files older than this
	MaxServeSize   int64  `toml:"max_serve_size"`   // Max bytes served inline (0 = unlimited)
	DownloadChunkKB int   `toml:"download_chunk_kb"` // Streaming copy buffer size
}

// TemplatesConfig controls workflow template discovery and overrides
type TemplatesConfig struct {
	Dir          string `toml:"dir"`           // Directory containing workflow template JSON files
	OverridesDir string `toml:"overrides_dir"` // Directory for generated override files (default: same as Dir)
}

// BackendsConfig controls backend registration and health polling
type BackendsConfig struct {
	File            string        `toml:"file"`             // YAML file listing backend addresses
	Addresses       []string      `toml:"addresses"`        // Inline backend addresses (merged with File)
	Strategy        string        `toml:"strategy"`         // "least_loaded", "round_robin", or "random"
	RefreshInterval time.Duration `toml:"refresh_interval"` // Health snapshot refresh cadence
	RequestTimeout  time.Duration `toml:"request_timeout"`  // Per-backend HTTP timeout
	RefreshRate     float64       `toml:"refresh_rate"`     // Max health refreshes per second across the pool
}

// ApprovalConfig controls human-approval gates on chain steps
type ApprovalConfig struct {
	DefaultTimeoutHours int    `toml:"default_timeout_hours"` // Hours before a gate times out (default: 24)
	LinkTTL             string `toml:"link_ttl"`              // Approval link validity as a duration string
	TimeoutAction       string `toml:"timeout_action"`        // "auto_approve" or "auto_reject"
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05.000")
}

// SweepConfig controls the scheduled artifact-file sweep
type SweepConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"` // Cron schedule format
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in fresco.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Temporal: TemporalConfig{
			HostPort:  "localhost:7233",
			Namespace: "default",
			TaskQueue: "fresco-render",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Artifacts: ArtifactsConfig{
			Dir:             "./data/artifacts",
			SweepRetention:  "720h", // 30 days
			DownloadChunkKB: 256,
		},
		Templates: TemplatesConfig{
			Dir: "./workflows",
		},
		Backends: BackendsConfig{
			File:            "./backends.yaml",
			Strategy:        "least_loaded",
			RefreshInterval: 10 * time.Second,
			RequestTimeout:  5 * time.Second,
			RefreshRate:     5, // health refreshes per second across the pool
		},
		Approval: ApprovalConfig{
			DefaultTimeoutHours: 24,
			LinkTTL:             "48h",
			TimeoutAction:       "auto_reject",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
		Sweep: SweepConfig{
			Enabled:  true,
			Schedule: "0 0 3 * * *", // daily at 03:00
		},
	}
}

// LoadFromFile loads configuration with priority: defaults -> file -> env
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files; later files override
// earlier files, environment variables override all files.
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

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects settings the rest of the stack cannot work with
func (c *Config) Validate() error {
	switch c.Backends.Strategy {
	case "least_loaded", "round_robin", "random":
	default:
		return fmt.Errorf("invalid backends.strategy %q (want least_loaded, round_robin, or random)", c.Backends.Strategy)
	}
	switch c.Approval.TimeoutAction {
	case "auto_approve", "auto_reject":
	default:
		return fmt.Errorf("invalid approval.timeout_action %q (want auto_approve or auto_reject)", c.Approval.TimeoutAction)
	}
	if c.Approval.LinkTTL != "" {
		if _, err := time.ParseDuration(c.Approval.LinkTTL); err != nil {
			return fmt.Errorf("invalid approval.link_ttl %q: %w", c.Approval.LinkTTL, err)
		}
	}
	if c.Artifacts.SweepRetention != "" {
		if _, err := time.ParseDuration(c.Artifacts.SweepRetention); err != nil {
			return fmt.Errorf("invalid artifacts.sweep_retention %q: %w", c.Artifacts.SweepRetention, err)
		}
	}
	return nil
}

// BaseURL returns the externally reachable server address
func (c *Config) BaseURL() string {
	if c.Server.BaseURL != "" {
		return strings.TrimRight(c.Server.BaseURL, "/")
	}
	return fmt.Sprintf("http://%s:%d", c.Server.Host, c.Server.Port)
}

// ApprovalLinkTTL returns the parsed approval link lifetime
func (c *Config) ApprovalLinkTTL() time.Duration {
	if c.Approval.LinkTTL == "" {
		return 48 * time.Hour
	}
	d, err := time.ParseDuration(c.Approval.LinkTTL)
	if err != nil {
		return 48 * time.Hour
	}
	return d
}

// SweepRetention returns the parsed artifact retention window
func (c *Config) SweepRetention() time.Duration {
	if c.Artifacts.SweepRetention == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Artifacts.SweepRetention)
	if err != nil {
		return 0
	}
	return d
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("FRESCO_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("FRESCO_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("FRESCO_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if baseURL := os.Getenv("FRESCO_SERVER_BASE_URL"); baseURL != "" {
		config.Server.BaseURL = baseURL
	}

	// Temporal configuration
	if hostPort := os.Getenv("FRESCO_TEMPORAL_HOST_PORT"); hostPort != "" {
		config.Temporal.HostPort = hostPort
	}
	if namespace := os.Getenv("FRESCO_TEMPORAL_NAMESPACE"); namespace != "" {
		config.Temporal.Namespace = namespace
	}
	if taskQueue := os.Getenv("FRESCO_TEMPORAL_TASK_QUEUE"); taskQueue != "" {
		config.Temporal.TaskQueue = taskQueue
	}

	// Storage configuration
	if badgerPath := os.Getenv("FRESCO_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Artifacts configuration
	if dir := os.Getenv("FRESCO_ARTIFACTS_DIR"); dir != "" {
		config.Artifacts.Dir = dir
	}

	// Templates configuration
	if dir := os.Getenv("FRESCO_TEMPLATES_DIR"); dir != "" {
		config.Templates.Dir = dir
	}

	// Backends configuration
	if file := os.Getenv("FRESCO_BACKENDS_FILE"); file != "" {
		config.Backends.File = file
	}
	if addrs := os.Getenv("FRESCO_BACKENDS_ADDRESSES"); addrs != "" {
		parsed := []string{}
		for _, a := range strings.Split(addrs, ",") {
			if trimmed := strings.TrimSpace(a); trimmed != "" {
				parsed = append(parsed, trimmed)
			}
		}
		if len(parsed) > 0 {
			config.Backends.Addresses = parsed
		}
	}
	if strategy := os.Getenv("FRESCO_BACKENDS_STRATEGY"); strategy != "" {
		config.Backends.Strategy = strategy
	}
	if interval := os.Getenv("FRESCO_BACKENDS_REFRESH_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			config.Backends.RefreshInterval = d
		}
	}

	// Logging configuration
	if level := os.Getenv("FRESCO_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("FRESCO_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("FRESCO_LOG_OUTPUT"); output != "" {
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
