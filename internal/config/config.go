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

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	ServerURL      string        `yaml:"server_url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	CompletedGrace time.Duration `yaml:"completed_grace"`
	ErrorGrace     time.Duration `yaml:"error_grace"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	StatusAddr    string `yaml:"status_addr"`  // empty disables the status server
	JournalPath   string `yaml:"journal_path"` // empty disables the journal
	RetentionDays int    `yaml:"retention_days"`

	LogLevel    string  `yaml:"log_level"`
	LogFormat   string  `yaml:"log_format"`
	ConsoleRate float64 `yaml:"console_rate"` // lines per second, 0 = unlimited

	AllowedPaths []string `yaml:"allowed_paths"` // roots scheduled jobs may scan; empty = any

	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ServerURL:      "http://localhost:8080",
		ReconnectDelay: 2 * time.Second,
		DialTimeout:    10 * time.Second,
		CompletedGrace: 2 * time.Second,
		ErrorGrace:     3 * time.Second,
		RequestTimeout: 10 * time.Second,
		StatusAddr:     "127.0.0.1:8090",
		JournalPath:    "./data/kuron-watch.db",
		RetentionDays:  30,
		LogLevel:       "info",
		LogFormat:      "text",
		ConsoleRate:    4,
		OTLPInsecure:   true,
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by KURON_WATCH_CONFIG, then environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := getEnv("KURON_WATCH_CONFIG", ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	cfg.JournalPath = ExpandPath(cfg.JournalPath)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFile reads a YAML file over the defaults. Environment variables are
// expanded in the file but do not override it.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.JournalPath = ExpandPath(cfg.JournalPath)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	for i, p := range c.AllowedPaths {
		c.AllowedPaths[i] = ExpandPath(p)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ServerURL = getEnv("KURON_SERVER_URL", c.ServerURL)
	c.ReconnectDelay = getEnvDuration("KURON_RECONNECT_DELAY", c.ReconnectDelay)
	c.DialTimeout = getEnvDuration("KURON_DIAL_TIMEOUT", c.DialTimeout)
	c.CompletedGrace = getEnvDuration("KURON_COMPLETED_GRACE", c.CompletedGrace)
	c.ErrorGrace = getEnvDuration("KURON_ERROR_GRACE", c.ErrorGrace)
	c.RequestTimeout = getEnvDuration("KURON_REQUEST_TIMEOUT", c.RequestTimeout)
	c.StatusAddr = lookupEnv("KURON_STATUS_ADDR", c.StatusAddr)
	c.JournalPath = lookupEnv("KURON_JOURNAL_PATH", c.JournalPath)
	c.RetentionDays = getEnvInt("KURON_RETENTION_DAYS", c.RetentionDays)
	c.LogLevel = getEnv("KURON_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("KURON_LOG_FORMAT", c.LogFormat)
	c.ConsoleRate = getEnvFloat("KURON_CONSOLE_RATE", c.ConsoleRate)
	c.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTLPEndpoint)

	if paths := getEnvPaths("KURON_ALLOWED_PATHS"); paths != nil {
		c.AllowedPaths = paths
	}
}

// Validate checks the configuration for values the watcher cannot run with.
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("server_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server_url: scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("server_url: missing host")
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"reconnect_delay", c.ReconnectDelay},
		{"dial_timeout", c.DialTimeout},
		{"completed_grace", c.CompletedGrace},
		{"error_grace", c.ErrorGrace},
		{"request_timeout", c.RequestTimeout},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.d)
		}
	}

	if c.RetentionDays < 0 {
		return fmt.Errorf("retention_days must not be negative, got %d", c.RetentionDays)
	}
	if c.ConsoleRate < 0 {
		return fmt.Errorf("console_rate must not be negative, got %v", c.ConsoleRate)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// IsPathAllowed reports whether path lies under one of the allowed roots.
// An empty allow list permits everything.
func (c *Config) IsPathAllowed(path string) bool {
	if len(c.AllowedPaths) == 0 {
		return true
	}

	path = filepath.Clean(path)
	for _, allowed := range c.AllowedPaths {
		allowed = filepath.Clean(allowed)
		if allowed == string(filepath.Separator) || path == allowed {
			return true
		}
		if strings.HasPrefix(path, allowed+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// ExpandPath expands a leading ~ to the home directory and cleans the path.
func ExpandPath(path string) string {
	if path == "" {
		return ""
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return filepath.Clean(path)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// lookupEnv is getEnv but an explicitly empty variable wins.
func lookupEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(val)
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvPaths(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}

	var paths []string
	for _, p := range strings.Split(val, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			paths = append(paths, ExpandPath(p))
		}
	}
	return paths
}
