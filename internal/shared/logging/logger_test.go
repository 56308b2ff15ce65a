// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewTagsSubsystemAndHonoursLevel(t *testing.T) {
	if _, err := Configure(Options{Level: slog.LevelWarn}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stdout)
		level.Set(slog.LevelInfo)
	})

	logger := New("broadcaster")
	logger.Info("hidden")
	logger.Warn("shown", "session", "abc")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one record, got %q", buf.String())
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record["subsystem"] != "broadcaster" || record["session"] != "abc" {
		t.Fatalf("unexpected record %v", record)
	}
}

func TestConfigureWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "streamlogd.log")
	closer, err := Configure(Options{Level: slog.LevelInfo, File: path})
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
	t.Cleanup(func() {
		closer.Close()
		SetOutput(os.Stdout)
	})

	New("app").Info("started")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"started"`) {
		t.Fatalf("log file missing record: %s", data)
	}
}
