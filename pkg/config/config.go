package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the pool service and the scrape worker.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Database  DatabaseConfig  `yaml:"database" json:"database"`
	Dispatch  DispatchConfig  `yaml:"dispatch" json:"dispatch"`
	Validator ValidatorConfig `yaml:"validator" json:"validator"`
	Worker    WorkerConfig    `yaml:"worker" json:"worker"`
	Proxy     ProxyConfig     `yaml:"proxy" json:"proxy"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// ServerConfig holds listen addresses for the two HTTP surfaces.
type ServerConfig struct {
	ListenAddr       string        `yaml:"listen_addr" json:"listen_addr"`
	WorkerListenAddr string        `yaml:"worker_listen_addr" json:"worker_listen_addr"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DatabaseConfig selects and tunes the session registry backend.
type DatabaseConfig struct {
	// Backend is "postgres" or "memory".
	Backend        string        `yaml:"backend" json:"backend"`
	URL            string        `yaml:"url" json:"url"`
	MaxConns       int32         `yaml:"max_conns" json:"max_conns"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// DispatchConfig tunes the job dispatcher.
type DispatchConfig struct {
	// WorkerURL is the scrape worker's /scrape endpoint.
	WorkerURL string `yaml:"worker_url" json:"worker_url"`
	// TriggerJobURL is this service's own /trigger-job endpoint, handed to
	// the worker so it can resubmit jobs for retry tiers.
	TriggerJobURL string `yaml:"trigger_job_url" json:"trigger_job_url"`
	// CallbackBaseURL is this service's base URL used to derive the
	// cookie release endpoint handed to workers.
	ReleaseURL string `yaml:"release_url" json:"release_url"`
	// AllocationRetryDelay is the sleep between allocation attempts when
	// the pool is exhausted. The platform queue blocks for its duration.
	AllocationRetryDelay time.Duration `yaml:"allocation_retry_delay" json:"allocation_retry_delay"`
	QueueSize            int           `yaml:"queue_size" json:"queue_size"`
	// Handoff timeouts: the worker is expected to outlive the caller, so a
	// read timeout on the handoff call is treated as success.
	HandoffConnectTimeout time.Duration `yaml:"handoff_connect_timeout" json:"handoff_connect_timeout"`
	HandoffReadTimeout    time.Duration `yaml:"handoff_read_timeout" json:"handoff_read_timeout"`
}

// ValidatorConfig tunes the session validator probes.
type ValidatorConfig struct {
	BaseURL     string        `yaml:"base_url" json:"base_url"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
	UserAgent   string        `yaml:"user_agent" json:"user_agent"`
}

// WorkerConfig tunes the scrape worker engine.
type WorkerConfig struct {
	PrimaryBaseURL  string `yaml:"primary_base_url" json:"primary_base_url"`
	FallbackBaseURL string `yaml:"fallback_base_url" json:"fallback_base_url"`
	FallbackAPIKey  string `yaml:"fallback_api_key" json:"fallback_api_key"`
	// OracleURL returns the expected comment count for a post.
	OracleURL string `yaml:"oracle_url" json:"oracle_url"`

	MaxComments       int           `yaml:"max_comments" json:"max_comments"`
	FetchAttempts     int           `yaml:"fetch_attempts" json:"fetch_attempts"`
	FetchBaseDelay    time.Duration `yaml:"fetch_base_delay" json:"fetch_base_delay"`
	RequestTimeout    time.Duration `yaml:"request_timeout" json:"request_timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute" json:"requests_per_minute"`
	UserAgent         string        `yaml:"user_agent" json:"user_agent"`
}

// ProxyConfig configures the sticky egress proxy shared by validator and
// worker. The effective proxy username is keyed by session id.
type ProxyConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Enabled reports whether a proxy host is configured.
func (p ProxyConfig) Enabled() bool {
	return p.Host != ""
}

// StickyURL builds the proxy URL for a session. The username suffix pins
// the egress IP to the session, so every request a session makes leaves
// from the same address.
func (p ProxyConfig) StickyURL(sessionID int64) *url.URL {
	return &url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
		User:   url.UserPassword(fmt.Sprintf("%s-cookie-%d", p.Username, sessionID), p.Password),
	}
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	File   string `yaml:"file" json:"file"`
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:       ":8080",
			WorkerListenAddr: ":8081",
			ShutdownTimeout:  15 * time.Second,
		},
		Database: DatabaseConfig{
			Backend:        "postgres",
			MaxConns:       8,
			ConnectTimeout: 10 * time.Second,
		},
		Dispatch: DispatchConfig{
			AllocationRetryDelay:  10 * time.Second,
			QueueSize:             256,
			HandoffConnectTimeout: 5 * time.Second,
			HandoffReadTimeout:    3 * time.Second,
		},
		Validator: ValidatorConfig{
			BaseURL:     "https://www.instagram.com",
			Timeout:     15 * time.Second,
			MaxAttempts: 4,
			BaseDelay:   2 * time.Second,
			MaxDelay:    8 * time.Second,
			UserAgent:   "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
		},
		Worker: WorkerConfig{
			PrimaryBaseURL:    "https://www.instagram.com",
			FallbackBaseURL:   "https://api.instagrapi.com",
			MaxComments:       0, // no cap
			FetchAttempts:     3,
			FetchBaseDelay:    time.Second,
			RequestTimeout:    60 * time.Second,
			RequestsPerMinute: 60,
			UserAgent:         "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFromEnv overrides configuration from COOKIEPOOL_* environment variables.
func (c *Config) LoadFromEnv() error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setString("COOKIEPOOL_LISTEN_ADDR", &c.Server.ListenAddr)
	setString("COOKIEPOOL_WORKER_LISTEN_ADDR", &c.Server.WorkerListenAddr)

	setString("COOKIEPOOL_DB_BACKEND", &c.Database.Backend)
	setString("COOKIEPOOL_DB_URL", &c.Database.URL)

	setString("COOKIEPOOL_WORKER_URL", &c.Dispatch.WorkerURL)
	setString("COOKIEPOOL_TRIGGER_JOB_URL", &c.Dispatch.TriggerJobURL)
	setString("COOKIEPOOL_RELEASE_URL", &c.Dispatch.ReleaseURL)
	setDuration("COOKIEPOOL_ALLOCATION_RETRY_DELAY", &c.Dispatch.AllocationRetryDelay)

	setString("COOKIEPOOL_VALIDATOR_BASE_URL", &c.Validator.BaseURL)

	setString("COOKIEPOOL_PRIMARY_BASE_URL", &c.Worker.PrimaryBaseURL)
	setString("COOKIEPOOL_FALLBACK_BASE_URL", &c.Worker.FallbackBaseURL)
	setString("COOKIEPOOL_FALLBACK_API_KEY", &c.Worker.FallbackAPIKey)
	setString("COOKIEPOOL_ORACLE_URL", &c.Worker.OracleURL)
	setInt("COOKIEPOOL_MAX_COMMENTS", &c.Worker.MaxComments)
	setInt("COOKIEPOOL_REQUESTS_PER_MINUTE", &c.Worker.RequestsPerMinute)

	setString("COOKIEPOOL_PROXY_HOST", &c.Proxy.Host)
	setInt("COOKIEPOOL_PROXY_PORT", &c.Proxy.Port)
	setString("COOKIEPOOL_PROXY_USERNAME", &c.Proxy.Username)
	setString("COOKIEPOOL_PROXY_PASSWORD", &c.Proxy.Password)

	setString("COOKIEPOOL_LOG_LEVEL", &c.Logging.Level)
	setString("COOKIEPOOL_LOG_FORMAT", &c.Logging.Format)
	setString("COOKIEPOOL_LOG_FILE", &c.Logging.File)

	return nil
}

// LoadFromFile merges configuration from a YAML file. An empty path falls
// back to the standard locations; a missing file is not an error.
func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		path = findConfigFile()
		if path == "" {
			return nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func findConfigFile() string {
	locations := []string{
		".cookiepool.yaml",
		".cookiepool.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "cookiepool", "config.yaml"),
		filepath.Join(os.Getenv("HOME"), ".config", "cookiepool", "config.yml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// Validate checks the configuration for a runnable service.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Backend {
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database URL is required for the postgres backend"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown database backend: %q", c.Database.Backend))
	}

	if c.Dispatch.AllocationRetryDelay <= 0 {
		errs = append(errs, errors.New("allocation retry delay must be positive"))
	}
	if c.Dispatch.QueueSize <= 0 {
		errs = append(errs, errors.New("queue size must be positive"))
	}

	if c.Validator.MaxAttempts <= 0 {
		errs = append(errs, errors.New("validator max attempts must be positive"))
	}
	if c.Validator.Timeout <= 0 {
		errs = append(errs, errors.New("validator timeout must be positive"))
	}

	if c.Worker.FetchAttempts <= 0 {
		errs = append(errs, errors.New("worker fetch attempts must be positive"))
	}
	if c.Worker.RequestsPerMinute <= 0 {
		errs = append(errs, errors.New("worker requests per minute must be positive"))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, errors.New("log format must be json or console"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Load builds the configuration from all sources.
// Precedence: environment variables > .env file > config file > defaults.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := DefaultConfig()

	if err := cfg.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}
