package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment" validate:"omitempty,oneof=development production dev prod test"`
	Server      ServerConfig    `toml:"server"`
	Engine      EngineConfig    `toml:"engine"`
	Polling     PollingConfig   `toml:"polling"`
	Batch       BatchConfig     `toml:"batch"`
	Scans       ScansConfig     `toml:"scans"`
	Logging     LoggingConfig   `toml:"logging"`
	WebSocket   WebSocketConfig `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"gte=1,lte=65535"`
	Host string `toml:"host" validate:"required"`
}

// EngineConfig describes the remote job engine that runs the scoring analyses
type EngineConfig struct {
	BaseURL   string `toml:"base_url" validate:"required,url"` // e.g. "http://localhost:8000/api"
	Domain    string `toml:"domain" validate:"required"`       // Submission path segment: POST /{domain}/analyze
	Timeout   string `toml:"timeout"`                          // Per-request HTTP timeout (default: "30s")
	RateLimit int    `toml:"rate_limit" validate:"gte=0"`      // Requests per second across all calls (0 = unlimited)
}

// PollingConfig controls each job's status polling loop
type PollingConfig struct {
	Interval         string `toml:"interval"`                           // Fixed delay between polls (default: "2s")
	MaxPolls         int    `toml:"max_polls" validate:"gte=0"`         // Give up after N polls (0 = unlimited)
	JobTimeout       string `toml:"job_timeout"`                        // Give up after duration (empty = never)
	TransportRetries int    `toml:"transport_retries" validate:"gte=0"` // Consecutive transient errors tolerated (0 = fail on first)
	RetryBackoff     string `toml:"retry_backoff"`                      // Initial backoff for transient retries (default: "500ms")
}

// BatchConfig controls batch orchestration
type BatchConfig struct {
	Timeout           string `toml:"timeout"`                                                        // Overall batch deadline (empty = none)
	SubmitConcurrency int    `toml:"submit_concurrency" validate:"gte=1"`                            // Parallel submissions per batch
	ExpirySelection   string `toml:"expiry_selection" validate:"oneof=first_symbol first_completed"` // Representative expiry policy
	RetainFinished    int    `toml:"retain_finished" validate:"gte=0"`                               // Finished batches kept in memory (0 = default of 100)
}

// ScansConfig controls scheduled scans loaded from definition files
type ScansConfig struct {
	Enabled        bool   `toml:"enabled"`
	DefinitionsDir string `toml:"definitions_dir"` // Directory of *.toml / *.yaml scan definitions
}

type LoggingConfig struct {
	Level      string   `toml:"level" validate:"oneof=trace debug info warn error"` // "debug", "info", "warn", "error"
	Format     string   `toml:"format" validate:"oneof=text json"`                   // "json" or "text"
	Output     []string `toml:"output" validate:"dive,oneof=stdout console file"`    // "stdout", "file"
	TimeFormat string   `toml:"time_format"`                                         // Time format for logs (default: "15:04:05.000")
}

// WebSocketConfig contains configuration for WebSocket progress streaming
type WebSocketConfig struct {
	ProgressThrottle string `toml:"progress_throttle"` // Max rate of job_progress broadcasts per job (e.g. "250ms", empty = no throttle)
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8090,
			Host: "localhost",
		},
		Engine: EngineConfig{
			BaseURL:   "http://localhost:8000/api",
			Domain:    "options",
			Timeout:   "30s",
			RateLimit: 10,
		},
		Polling: PollingConfig{
			Interval:         "2s",    // Fixed interval, no backoff or jitter
			MaxPolls:         0,       // Poll until terminal
			JobTimeout:       "",      // No per-job deadline
			TransportRetries: 0,       // A transport error fails the task
			RetryBackoff:     "500ms", // Only used when transport_retries > 0
		},
		Batch: BatchConfig{
			Timeout:           "",
			SubmitConcurrency: 4,
			ExpirySelection:   "first_symbol",
			RetainFinished:    100,
		},
		Scans: ScansConfig{
			Enabled:        false,
			DefinitionsDir: "./scans",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05.000",
		},
		WebSocket: WebSocketConfig{
			ProgressThrottle: "250ms",
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> env
// Later files override earlier files. CLI flags are applied afterwards with ApplyFlagOverrides.
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

		// Unmarshal into config (merges with existing values, later values override)
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

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("OPTIONSCAN_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("OPTIONSCAN_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("OPTIONSCAN_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Engine configuration
	if baseURL := os.Getenv("OPTIONSCAN_ENGINE_BASE_URL"); baseURL != "" {
		config.Engine.BaseURL = baseURL
	}
	if domain := os.Getenv("OPTIONSCAN_ENGINE_DOMAIN"); domain != "" {
		config.Engine.Domain = domain
	}
	if timeout := os.Getenv("OPTIONSCAN_ENGINE_TIMEOUT"); timeout != "" {
		config.Engine.Timeout = timeout
	}
	if rateLimit := os.Getenv("OPTIONSCAN_ENGINE_RATE_LIMIT"); rateLimit != "" {
		if r, err := strconv.Atoi(rateLimit); err == nil {
			config.Engine.RateLimit = r
		}
	}

	// Polling configuration
	if interval := os.Getenv("OPTIONSCAN_POLLING_INTERVAL"); interval != "" {
		config.Polling.Interval = interval
	}
	if maxPolls := os.Getenv("OPTIONSCAN_POLLING_MAX_POLLS"); maxPolls != "" {
		if m, err := strconv.Atoi(maxPolls); err == nil {
			config.Polling.MaxPolls = m
		}
	}
	if jobTimeout := os.Getenv("OPTIONSCAN_POLLING_JOB_TIMEOUT"); jobTimeout != "" {
		config.Polling.JobTimeout = jobTimeout
	}
	if retries := os.Getenv("OPTIONSCAN_POLLING_TRANSPORT_RETRIES"); retries != "" {
		if r, err := strconv.Atoi(retries); err == nil {
			config.Polling.TransportRetries = r
		}
	}
	if backoff := os.Getenv("OPTIONSCAN_POLLING_RETRY_BACKOFF"); backoff != "" {
		config.Polling.RetryBackoff = backoff
	}

	// Batch configuration
	if timeout := os.Getenv("OPTIONSCAN_BATCH_TIMEOUT"); timeout != "" {
		config.Batch.Timeout = timeout
	}
	if concurrency := os.Getenv("OPTIONSCAN_BATCH_SUBMIT_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Batch.SubmitConcurrency = c
		}
	}
	if selection := os.Getenv("OPTIONSCAN_BATCH_EXPIRY_SELECTION"); selection != "" {
		config.Batch.ExpirySelection = selection
	}
	if retain := os.Getenv("OPTIONSCAN_BATCH_RETAIN_FINISHED"); retain != "" {
		if r, err := strconv.Atoi(retain); err == nil {
			config.Batch.RetainFinished = r
		}
	}

	// Scans configuration
	if enabled := os.Getenv("OPTIONSCAN_SCANS_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Scans.Enabled = e
		}
	}
	if dir := os.Getenv("OPTIONSCAN_SCANS_DEFINITIONS_DIR"); dir != "" {
		config.Scans.DefinitionsDir = dir
	}

	// Logging configuration
	if level := os.Getenv("OPTIONSCAN_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("OPTIONSCAN_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("OPTIONSCAN_LOG_OUTPUT"); output != "" {
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

	// WebSocket configuration
	if throttle := os.Getenv("OPTIONSCAN_WEBSOCKET_PROGRESS_THROTTLE"); throttle != "" {
		config.WebSocket.ProgressThrottle = throttle
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks struct constraints and that every duration string parses
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	durations := map[string]string{
		"engine.timeout":              c.Engine.Timeout,
		"polling.interval":            c.Polling.Interval,
		"polling.job_timeout":         c.Polling.JobTimeout,
		"polling.retry_backoff":       c.Polling.RetryBackoff,
		"batch.timeout":               c.Batch.Timeout,
		"websocket.progress_throttle": c.WebSocket.ProgressThrottle,
	}
	for name, value := range durations {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid configuration: %s: %w", name, err)
		}
		if d < 0 {
			return fmt.Errorf("invalid configuration: %s must not be negative", name)
		}
	}

	if c.Polling.Interval != "" && ParseDurationOr(c.Polling.Interval, 0) == 0 {
		return fmt.Errorf("invalid configuration: polling.interval must be positive")
	}

	return nil
}

// ParseDurationOr parses a duration string, returning fallback when empty or invalid
func ParseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
