package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("failed to get home dir: %v", err)
	}

	tests := []struct {
		name  string
		input string
		want  string
	}{
		// Empty path
		{"empty", "", ""},

		// Absolute paths (unchanged except for cleaning)
		{"absolute path", "/usr/local/bin", "/usr/local/bin"},
		{"absolute with trailing slash", "/usr/local/bin/", "/usr/local/bin"},

		// Home expansion
		{"tilde only", "~", home},
		{"tilde with path", "~/documents", filepath.Join(home, "documents")},
		{"tilde nested", "~/a/b/c", filepath.Join(home, "a/b/c")},

		// Relative paths (cleaned but not made absolute)
		{"relative", "foo/bar", "foo/bar"},
		{"relative with dots", "foo/../bar", "bar"},
		{"relative with double dots", "./foo/./bar", "foo/bar"},

		// Path cleaning
		{"redundant slashes", "/usr//local///bin", "/usr/local/bin"},
		{"dot segments", "/usr/./local/../bin", "/usr/bin"},

		// Edge cases
		{"tilde in middle (not expanded)", "/home/~user", "/home/~user"},
		{"tilde not at start (not expanded)", "foo/~/bar", "foo/~/bar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExpandPath(tt.input)
			if got != tt.want {
				t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestIsPathAllowed(t *testing.T) {
	tests := []struct {
		name         string
		allowedPaths []string
		checkPath    string
		want         bool
	}{
		// Empty allowed paths = unrestricted
		{"empty allowed - any path allowed", nil, "/mnt/usb", true},
		{"empty slice - any path allowed", []string{}, "/mnt/usb", true},

		// Exact matches
		{"exact match", []string{"/srv/media"}, "/srv/media", true},
		{"exact match root", []string{"/"}, "/", true},

		// Subdirectory matches
		{"subdirectory allowed", []string{"/srv/media"}, "/srv/media/photos", true},
		{"deep subdirectory", []string{"/srv/media"}, "/srv/media/a/b/c/d", true},

		// Non-matches
		{"parent not allowed", []string{"/srv/media/photos"}, "/srv/media", false},
		{"sibling not allowed", []string{"/srv/media"}, "/srv/backups", false},
		{"unrelated path", []string{"/srv/media"}, "/etc/shadow", false},

		// Multiple allowed paths
		{"first of multiple", []string{"/srv/media", "/mnt/nas"}, "/srv/media/file", true},
		{"second of multiple", []string{"/srv/media", "/mnt/nas"}, "/mnt/nas/file", true},
		{"none of multiple", []string{"/srv/media", "/mnt/nas"}, "/etc/shadow", false},

		// Traversal is resolved before matching
		{"traversal attempt", []string{"/srv/media"}, "/srv/media/../etc/shadow", false},
		{"traversal normalized", []string{"/srv/media"}, "/srv/media/./documents/../files", true},

		// Edge cases with trailing slashes
		{"allowed has trailing slash", []string{"/srv/media/"}, "/srv/media/file", true},
		{"check has trailing slash", []string{"/srv/media"}, "/srv/media/", true},

		// Prefix attack - /srv/media must not match /srv/mediaserver
		{"prefix attack prevented", []string{"/srv/media"}, "/srv/mediaserver", false},
		{"prefix attack with file", []string{"/srv/media"}, "/srv/media.txt", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{AllowedPaths: tt.allowedPaths}
			got := cfg.IsPathAllowed(tt.checkPath)
			if got != tt.want {
				t.Errorf("IsPathAllowed(%q) with allowed=%v = %v, want %v",
					tt.checkPath, tt.allowedPaths, got, tt.want)
			}
		})
	}
}

func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		name       string
		envValue   string
		defaultVal int
		want       int
	}{
		{"empty env", "", 42, 42},
		{"valid int", "123", 42, 123},
		{"invalid int", "not-a-number", 42, 42},
		{"negative int", "-5", 42, -5},
		{"zero", "0", 42, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_INT", tt.envValue)

			got := getEnvInt("TEST_INT", tt.defaultVal)
			if got != tt.want {
				t.Errorf("getEnvInt(%q) = %d, want %d", tt.envValue, got, tt.want)
			}
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		envValue string
		want     time.Duration
	}{
		{"", 2 * time.Second},
		{"500ms", 500 * time.Millisecond},
		{"1m", time.Minute},
		{"5", 2 * time.Second}, // unitless values are ignored
		{"soon", 2 * time.Second},
	}

	for _, tt := range tests {
		t.Setenv("TEST_DURATION", tt.envValue)
		if got := getEnvDuration("TEST_DURATION", 2*time.Second); got != tt.want {
			t.Errorf("getEnvDuration(%q) = %v, want %v", tt.envValue, got, tt.want)
		}
	}
}

func TestGetEnvPaths(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		name     string
		envKey   string
		envValue string
		want     []string
	}{
		{"empty env", "TEST_PATHS_EMPTY", "", nil},
		{"single path", "TEST_PATHS_SINGLE", "/home/user", []string{"/home/user"}},
		{"multiple paths", "TEST_PATHS_MULTI", "/home/user,/tmp", []string{"/home/user", "/tmp"}},
		{"with spaces", "TEST_PATHS_SPACES", "/home/user, /tmp , /var", []string{"/home/user", "/tmp", "/var"}},
		{"with tilde", "TEST_PATHS_TILDE", "~/documents,/tmp", []string{filepath.Join(home, "documents"), "/tmp"}},
		{"empty segments", "TEST_PATHS_EMPTSEG", "/home/user,,/tmp", []string{"/home/user", "/tmp"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.envKey, tt.envValue)

			got := getEnvPaths(tt.envKey)

			if tt.want == nil && got != nil {
				t.Errorf("getEnvPaths(%q) = %v, want nil", tt.envKey, got)
				return
			}
			if len(got) != len(tt.want) {
				t.Errorf("getEnvPaths(%q) = %v (len=%d), want %v (len=%d)",
					tt.envKey, got, len(got), tt.want, len(tt.want))
				return
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("getEnvPaths(%q)[%d] = %q, want %q", tt.envKey, i, got[i], tt.want[i])
				}
			}
		})
	}
}

// clearEnv unsets every variable Load reads for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"KURON_WATCH_CONFIG", "KURON_SERVER_URL", "KURON_RECONNECT_DELAY", "KURON_DIAL_TIMEOUT",
		"KURON_COMPLETED_GRACE", "KURON_ERROR_GRACE", "KURON_REQUEST_TIMEOUT", "KURON_STATUS_ADDR",
		"KURON_JOURNAL_PATH", "KURON_RETENTION_DAYS", "KURON_LOG_LEVEL", "KURON_LOG_FORMAT",
		"KURON_CONSOLE_RATE", "KURON_ALLOWED_PATHS", "OTEL_EXPORTER_OTLP_ENDPOINT",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ServerURL != "http://localhost:8080" {
		t.Errorf("ServerURL = %q", cfg.ServerURL)
	}
	if cfg.ReconnectDelay != 2*time.Second {
		t.Errorf("ReconnectDelay = %v, want 2s", cfg.ReconnectDelay)
	}
	if cfg.CompletedGrace != 2*time.Second || cfg.ErrorGrace != 3*time.Second {
		t.Errorf("grace periods = %v/%v, want 2s/3s", cfg.CompletedGrace, cfg.ErrorGrace)
	}
	if cfg.JournalPath != "data/kuron-watch.db" {
		t.Errorf("JournalPath = %q, want cleaned default", cfg.JournalPath)
	}
	if len(cfg.AllowedPaths) != 0 {
		t.Errorf("AllowedPaths = %v, want none", cfg.AllowedPaths)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("KURON_SERVER_URL", "https://kuron.example:9443")
	t.Setenv("KURON_RECONNECT_DELAY", "5s")
	t.Setenv("KURON_ERROR_GRACE", "10s")
	t.Setenv("KURON_STATUS_ADDR", "")
	t.Setenv("KURON_RETENTION_DAYS", "7")
	t.Setenv("KURON_LOG_FORMAT", "json")
	t.Setenv("KURON_CONSOLE_RATE", "0.5")
	t.Setenv("KURON_ALLOWED_PATHS", "/data, /media")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ServerURL != "https://kuron.example:9443" {
		t.Errorf("ServerURL = %q", cfg.ServerURL)
	}
	if cfg.ReconnectDelay != 5*time.Second || cfg.ErrorGrace != 10*time.Second {
		t.Errorf("durations not applied: %v %v", cfg.ReconnectDelay, cfg.ErrorGrace)
	}
	if cfg.StatusAddr != "" {
		t.Errorf("empty KURON_STATUS_ADDR should disable the status server, got %q", cfg.StatusAddr)
	}
	if cfg.RetentionDays != 7 || cfg.LogFormat != "json" || cfg.ConsoleRate != 0.5 {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if !cfg.IsPathAllowed("/data/photos") || cfg.IsPathAllowed("/etc") {
		t.Errorf("AllowedPaths = %v not applied", cfg.AllowedPaths)
	}
}

func TestLoadRejectsInvalidEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("KURON_SERVER_URL", "ftp://kuron.example")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-http server URL")
	}
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_KURON_HOST", "nas.local")

	path := filepath.Join(t.TempDir(), "watch.yaml")
	content := `
server_url: http://${TEST_KURON_HOST}:8080
reconnect_delay: 3s
completed_grace: 1500ms
journal_path: ""
log_level: debug
allowed_paths:
  - /srv/media/
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.ServerURL != "http://nas.local:8080" {
		t.Errorf("ServerURL = %q, env var not expanded", cfg.ServerURL)
	}
	if cfg.ReconnectDelay != 3*time.Second || cfg.CompletedGrace != 1500*time.Millisecond {
		t.Errorf("durations = %v/%v", cfg.ReconnectDelay, cfg.CompletedGrace)
	}
	if cfg.ErrorGrace != 3*time.Second {
		t.Errorf("unset fields should keep defaults, ErrorGrace = %v", cfg.ErrorGrace)
	}
	if cfg.JournalPath != "" {
		t.Errorf("JournalPath = %q, want disabled", cfg.JournalPath)
	}
	if len(cfg.AllowedPaths) != 1 || cfg.AllowedPaths[0] != "/srv/media" {
		t.Errorf("AllowedPaths = %v", cfg.AllowedPaths)
	}
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("server_url: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(bad); err == nil || !strings.Contains(err.Error(), "parse") {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"https server", func(c *Config) { c.ServerURL = "https://kuron.example" }, ""},
		{"websocket scheme", func(c *Config) { c.ServerURL = "ws://kuron.example" }, "scheme"},
		{"missing host", func(c *Config) { c.ServerURL = "http://" }, "missing host"},
		{"zero reconnect delay", func(c *Config) { c.ReconnectDelay = 0 }, "reconnect_delay"},
		{"negative error grace", func(c *Config) { c.ErrorGrace = -time.Second }, "error_grace"},
		{"negative retention", func(c *Config) { c.RetentionDays = -1 }, "retention_days"},
		{"negative console rate", func(c *Config) { c.ConsoleRate = -2 }, "console_rate"},
		{"unknown log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"uppercase log format", func(c *Config) { c.LogFormat = "JSON" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
