// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "STREAMLOG_") {
			// Setenv registers the restore; Unsetenv makes the key absent.
			t.Setenv(key, "")
			os.Unsetenv(key)
		}
	}
}

func TestFromEnvDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.APIListenAddr != defaultAPIListenAddr || cfg.OpsListenAddr != defaultOpsListenAddr {
		t.Fatalf("unexpected listen addrs %q %q", cfg.APIListenAddr, cfg.OpsListenAddr)
	}
	if cfg.Source != SourceStdin || cfg.BacklogStore != BacklogMemory {
		t.Fatalf("unexpected source/backlog %q %q", cfg.Source, cfg.BacklogStore)
	}
	if cfg.BacklogSize != 0 || cfg.QueueSize != defaultQueueSize {
		t.Fatalf("unexpected sizes backlog=%d queue=%d", cfg.BacklogSize, cfg.QueueSize)
	}
	if cfg.Heartbeat != defaultHeartbeat || cfg.GracePeriod != defaultGracePeriod {
		t.Fatalf("unexpected durations %s %s", cfg.Heartbeat, cfg.GracePeriod)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("unexpected log level %s", cfg.LogLevel)
	}
	if !filepath.IsAbs(cfg.DatabasePath) {
		t.Fatalf("db path not expanded: %q", cfg.DatabasePath)
	}
}

func TestFromEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "streamlog.toml")
	content := `
api_listen = "0.0.0.0:9000"
source = "file"
source_path = "/var/log/app.log"
backlog = 50
queue_size = 64
heartbeat = "5s"
log_level = "debug"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("STREAMLOG_CONFIG", path)
	t.Setenv("STREAMLOG_QUEUE_SIZE", "32")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.APIListenAddr != "0.0.0.0:9000" {
		t.Fatalf("api listen from file not applied: %q", cfg.APIListenAddr)
	}
	if cfg.Source != SourceFile || cfg.SourcePath != "/var/log/app.log" {
		t.Fatalf("unexpected source %q %q", cfg.Source, cfg.SourcePath)
	}
	if cfg.BacklogSize != 50 {
		t.Fatalf("backlog = %d", cfg.BacklogSize)
	}
	if cfg.QueueSize != 32 {
		t.Fatalf("env should override file, queue = %d", cfg.QueueSize)
	}
	if cfg.Heartbeat != 5*time.Second || cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("unexpected heartbeat/level %s %s", cfg.Heartbeat, cfg.LogLevel)
	}
}

func TestEmptyOpsListenDisables(t *testing.T) {
	clearEnv(t)
	t.Setenv("STREAMLOG_OPS_LISTEN", "")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.OpsListenAddr != "" {
		t.Fatalf("expected ops listener disabled, got %q", cfg.OpsListenAddr)
	}
}

func TestFromEnvValidation(t *testing.T) {
	cases := map[string]map[string]string{
		"file source without path":  {"STREAMLOG_SOURCE": "file"},
		"command without command":   {"STREAMLOG_SOURCE": "command"},
		"unknown source":            {"STREAMLOG_SOURCE": "socket"},
		"unknown backlog store":     {"STREAMLOG_BACKLOG_STORE": "redis"},
		"negative backlog":          {"STREAMLOG_BACKLOG": "-1"},
		"tiny queue":                {"STREAMLOG_QUEUE_SIZE": "1"},
		"bad heartbeat":             {"STREAMLOG_HEARTBEAT": "soon"},
		"bad listen address":        {"STREAMLOG_API_LISTEN": "nope"},
		"bad log level":             {"STREAMLOG_LOG_LEVEL": "loud"},
		"non numeric backlog value": {"STREAMLOG_BACKLOG": "many"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := FromEnv(); err == nil {
				t.Fatalf("expected error for %v", env)
			}
		})
	}
}
