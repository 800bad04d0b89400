package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	// Flag values persist across Execute calls.
	if err := rootCmd.PersistentFlags().Set("config", ""); err != nil {
		t.Fatalf("failed to reset --config: %v", err)
	}
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// TestVersionCommand verifies that the version command prints the build version.
func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.HasPrefix(out, "filewatchd dev") {
		t.Errorf("unexpected output %q", out)
	}
}

// TestConfigInitAndShow writes a starter config and checks that config show reports it along with env overrides.
func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filewatchd.toml")

	if _, err := execute(t, "config", "init", path); err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	t.Setenv("FILEWATCHD_SYNC_TOOL", "mytool")
	out, err := execute(t, "config", "show", "--config", path, "--format", "yaml")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out, "tool: mytool") {
		t.Errorf("expected env override in output:\n%s", out)
	}
	if !strings.Contains(out, path) {
		t.Errorf("expected config file path in output:\n%s", out)
	}
}

// TestStatusCommand verifies that status renders the JSON served by a running daemon.
func TestStatusCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"server":   "https://example.com",
			"direct":   true,
			"projects": []map[string]any{{"projectID": "p1", "path": "/work/p1"}},
		})
	}))
	defer server.Close()

	t.Setenv("FILEWATCHD_DASHBOARD_ADDR", strings.TrimPrefix(server.URL, "http://"))
	out, err := execute(t, "status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "p1") || !strings.Contains(out, "https://example.com") {
		t.Errorf("unexpected status output:\n%s", out)
	}
}

// TestWatchlistCommand fetches a watch list from a fake server and checks the rendered table.
func TestWatchlistCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"projects": []map[string]any{{"projectID": "a", "pathToMonitor": "/work/a"}},
		})
	}))
	defer server.Close()

	t.Setenv("FILEWATCHD_SERVER_URL", server.URL)
	out, err := execute(t, "watchlist")
	if err != nil {
		t.Fatalf("watchlist failed: %v", err)
	}
	if !strings.Contains(out, "/work/a") {
		t.Errorf("unexpected watch list output:\n%s", out)
	}
}
