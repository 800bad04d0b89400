package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/mschirtzinger/filewatchd/internal/logging"
)

// TestDefaultConfig verifies that the defaults pass validation.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.URL != DefaultServerURL {
		t.Errorf("expected default server URL, got %s", cfg.Server.URL)
	}
	if !cfg.Sync.Direct || cfg.Sync.Tool != "cwctl" {
		t.Errorf("expected direct mode with cwctl, got %+v", cfg.Sync)
	}
	if cfg.Batch.Debounce != time.Second {
		t.Errorf("expected 1s debounce, got %v", cfg.Batch.Debounce)
	}
	if cfg.Delivery.Workers != 3 || cfg.Delivery.ChunkSize != 625 {
		t.Errorf("unexpected delivery defaults %+v", cfg.Delivery)
	}
	if cfg.Watchlist.PollInterval != 120*time.Second {
		t.Errorf("expected 120s poll interval, got %v", cfg.Watchlist.PollInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

// TestLoad_DefaultsWhenNoConfigFile verifies Load falls back to defaults without a config file.
func TestLoad_DefaultsWhenNoConfigFile(t *testing.T) {
	cfg, used, err := Load(LoadOptions{Dirs: []string{t.TempDir()}})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if used != "" {
		t.Errorf("expected no config file, got %s", used)
	}
	if cfg.Server.URL != DefaultServerURL || cfg.Log.Level != "info" {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

// TestLoad_FromYAMLFile verifies values are read from a YAML config file.
func TestLoad_FromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	content := `server:
  url: https://example.com
  insecure: true
sync:
  direct: false
batch:
  debounce: 250ms
delivery:
  workers: 5
`
	if err := os.WriteFile(filepath.Join(dir, "filewatchd.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, used, err := Load(LoadOptions{Dirs: []string{dir}})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if filepath.Base(used) != "filewatchd.yaml" {
		t.Errorf("unexpected config file %s", used)
	}
	if cfg.Server.URL != "https://example.com" || !cfg.Server.Insecure {
		t.Errorf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Sync.Direct {
		t.Error("expected queue mode from file")
	}
	if cfg.Batch.Debounce != 250*time.Millisecond {
		t.Errorf("expected 250ms debounce, got %v", cfg.Batch.Debounce)
	}
	if cfg.Delivery.Workers != 5 || cfg.Delivery.ChunkSize != 625 {
		t.Errorf("unexpected delivery config %+v", cfg.Delivery)
	}
}

// TestLoad_EnvOverridesFile verifies that FILEWATCHD_* variables take precedence over the file.
func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.toml")
	content := "[server]\nurl = \"https://file.example.com\"\n\n[log]\nlevel = \"warn\"\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	t.Setenv("FILEWATCHD_SERVER_URL", "https://env.example.com")
	t.Setenv("FILEWATCHD_DELIVERY_CHUNK_SIZE", "100")

	cfg, _, err := Load(LoadOptions{File: path})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.URL != "https://env.example.com" {
		t.Errorf("env should win over file, got %s", cfg.Server.URL)
	}
	if cfg.Delivery.ChunkSize != 100 {
		t.Errorf("expected chunk size 100 from env, got %d", cfg.Delivery.ChunkSize)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("expected log level from file, got %s", cfg.Log.Level)
	}
}

// TestLoad_FlagsOverrideEnv verifies that explicit flags win over environment variables.
func TestLoad_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("FILEWATCHD_SYNC_TOOL", "from-env")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("tool", "", "")
	flags.String("server", "", "")
	if err := flags.Parse([]string{"--tool", "from-flag"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	cfg, _, err := Load(LoadOptions{Dirs: []string{t.TempDir()}, Flags: flags})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sync.Tool != "from-flag" {
		t.Errorf("flag should win over env, got %s", cfg.Sync.Tool)
	}
	if cfg.Server.URL != DefaultServerURL {
		t.Errorf("unset flag should not override default, got %q", cfg.Server.URL)
	}
}

// TestLoad_MissingExplicitFile ensures a missing --config path is an error rather than a silent default.
func TestLoad_MissingExplicitFile(t *testing.T) {
	_, _, err := Load(LoadOptions{File: filepath.Join(t.TempDir(), "missing.yaml")})
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("unexpected error: %v", err)
	}
}

// TestLoad_InvalidValues ensures out-of-range values fail to load.
func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("FILEWATCHD_DELIVERY_WORKERS", "0")
	if _, _, err := Load(LoadOptions{Dirs: []string{t.TempDir()}}); err == nil {
		t.Error("expected validation error for zero workers")
	}
}

// TestValidate covers the validation rules for each section.
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"no server", func(c *Config) { c.Server.URL = "" }},
		{"direct without tool", func(c *Config) { c.Sync.Tool = "" }},
		{"zero debounce", func(c *Config) { c.Batch.Debounce = 0 }},
		{"zero chunk size", func(c *Config) { c.Delivery.ChunkSize = 0 }},
		{"zero poll interval", func(c *Config) { c.Watchlist.PollInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	cfg := DefaultConfig()
	cfg.Sync.Direct = false
	cfg.Sync.Tool = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("queue mode does not need a tool: %v", err)
	}
}

// TestWriteFile_LoadsBack verifies that a written config file loads back unchanged.
func TestWriteFile_LoadsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "filewatchd.yaml")

	cfg := DefaultConfig()
	cfg.Server.URL = "https://written.example.com"
	cfg.Batch.Debounce = 3 * time.Second
	if err := cfg.WriteFile(path, false); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	loaded, _, err := Load(LoadOptions{File: path})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Server.URL != "https://written.example.com" || loaded.Batch.Debounce != 3*time.Second {
		t.Errorf("unexpected loaded config %+v", loaded)
	}

	if err := cfg.WriteFile(path, false); err == nil {
		t.Error("expected error when file exists without force")
	}
	if err := cfg.WriteFile(path, true); err != nil {
		t.Errorf("WriteFile with force failed: %v", err)
	}
}

// TestEncode checks YAML and TOML output and rejects unknown formats.
func TestEncode(t *testing.T) {
	cfg := DefaultConfig()

	out, err := cfg.Encode("toml")
	if err != nil {
		t.Fatalf("Encode toml failed: %v", err)
	}
	if !strings.Contains(string(out), "[server]") {
		t.Errorf("toml output missing server table:\n%s", out)
	}

	out, err = cfg.Encode("yaml")
	if err != nil {
		t.Fatalf("Encode yaml failed: %v", err)
	}
	if !strings.Contains(string(out), "debounce: 1s") {
		t.Errorf("yaml output should render durations as strings:\n%s", out)
	}

	if _, err := cfg.Encode("ini"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
}

// TestDaemonConfig verifies the mapping from file config to daemon config.
func TestDaemonConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Token = "secret"
	cfg.Sync.Direct = false
	cfg.Delivery.Workers = 7

	dc := cfg.Daemon(logging.Discard())
	if dc.ServerURL != DefaultServerURL || dc.Direct {
		t.Errorf("unexpected daemon config %+v", dc)
	}
	if dc.Tokens == nil || dc.Tokens.Token() != "secret" {
		t.Error("expected static token provider")
	}
	if dc.Delivery.Workers != 7 || dc.Delivery.ChunkSize != 625 {
		t.Errorf("unexpected delivery config %+v", dc.Delivery)
	}
}
