// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	defaultAPIListenAddr = "127.0.0.1:7780"
	defaultOpsListenAddr = "127.0.0.1:7781"
	defaultDBPath        = "~/.streamlog/backlog.db"
	defaultQueueSize     = 256
	defaultHeartbeat     = 15 * time.Second
	defaultWriteTimeout  = 10 * time.Second
	defaultGracePeriod   = 30 * time.Second
)

// Line source kinds.
const (
	SourceStdin   = "stdin"
	SourceFile    = "file"
	SourceCommand = "command"
)

// Backlog store kinds.
const (
	BacklogMemory = "memory"
	BacklogSQLite = "sqlite"
)

// ServerConfig captures the runtime configuration required by the daemon.
type ServerConfig struct {
	APIListenAddr string
	// OpsListenAddr serves metrics and pprof. Empty disables it.
	OpsListenAddr string
	APIKey        string

	Source        string
	SourcePath    string
	SourceCommand string

	BacklogSize  int
	BacklogStore string
	DatabasePath string

	QueueSize    int
	Heartbeat    time.Duration
	WriteTimeout time.Duration
	GracePeriod  time.Duration

	LogLevel slog.Level
	LogFile  string
}

// fileConfig mirrors ServerConfig in the optional TOML file.
type fileConfig struct {
	APIListen     *string `toml:"api_listen"`
	OpsListen     *string `toml:"ops_listen"`
	APIKey        *string `toml:"api_key"`
	Source        *string `toml:"source"`
	SourcePath    *string `toml:"source_path"`
	SourceCommand *string `toml:"source_command"`
	Backlog       *int    `toml:"backlog"`
	BacklogStore  *string `toml:"backlog_store"`
	DBPath        *string `toml:"db_path"`
	QueueSize     *int    `toml:"queue_size"`
	Heartbeat     *string `toml:"heartbeat"`
	WriteTimeout  *string `toml:"write_timeout"`
	GracePeriod   *string `toml:"grace_period"`
	LogLevel      *string `toml:"log_level"`
	LogFile       *string `toml:"log_file"`
}

// FromEnv loads server configuration. When STREAMLOG_CONFIG names a TOML
// file it is read first; environment variables override it.
func FromEnv() (ServerConfig, error) {
	values := map[string]string{}
	if path := strings.TrimSpace(os.Getenv("STREAMLOG_CONFIG")); path != "" {
		fromFile, err := loadFile(expandPath(path))
		if err != nil {
			return ServerConfig{}, err
		}
		values = fromFile
	}
	for _, key := range []string{
		"STREAMLOG_API_LISTEN", "STREAMLOG_API_KEY",
		"STREAMLOG_SOURCE", "STREAMLOG_SOURCE_PATH", "STREAMLOG_SOURCE_COMMAND",
		"STREAMLOG_BACKLOG", "STREAMLOG_BACKLOG_STORE", "STREAMLOG_DB_PATH",
		"STREAMLOG_QUEUE_SIZE", "STREAMLOG_HEARTBEAT", "STREAMLOG_WRITE_TIMEOUT",
		"STREAMLOG_GRACE_PERIOD", "STREAMLOG_LOG_LEVEL", "STREAMLOG_LOG_FILE",
	} {
		if v := os.Getenv(key); v != "" {
			values[key] = v
		}
	}
	// An explicitly empty ops address disables the ops listener.
	if v, ok := os.LookupEnv("STREAMLOG_OPS_LISTEN"); ok {
		values["STREAMLOG_OPS_LISTEN"] = v
	}
	return build(values)
}

func loadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var raw fileConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	values := map[string]string{}
	set := func(key string, v *string) {
		if v != nil {
			values[key] = *v
		}
	}
	setInt := func(key string, v *int) {
		if v != nil {
			values[key] = strconv.Itoa(*v)
		}
	}
	set("STREAMLOG_API_LISTEN", raw.APIListen)
	set("STREAMLOG_OPS_LISTEN", raw.OpsListen)
	set("STREAMLOG_API_KEY", raw.APIKey)
	set("STREAMLOG_SOURCE", raw.Source)
	set("STREAMLOG_SOURCE_PATH", raw.SourcePath)
	set("STREAMLOG_SOURCE_COMMAND", raw.SourceCommand)
	setInt("STREAMLOG_BACKLOG", raw.Backlog)
	set("STREAMLOG_BACKLOG_STORE", raw.BacklogStore)
	set("STREAMLOG_DB_PATH", raw.DBPath)
	setInt("STREAMLOG_QUEUE_SIZE", raw.QueueSize)
	set("STREAMLOG_HEARTBEAT", raw.Heartbeat)
	set("STREAMLOG_WRITE_TIMEOUT", raw.WriteTimeout)
	set("STREAMLOG_GRACE_PERIOD", raw.GracePeriod)
	set("STREAMLOG_LOG_LEVEL", raw.LogLevel)
	set("STREAMLOG_LOG_FILE", raw.LogFile)
	return values, nil
}

func build(values map[string]string) (ServerConfig, error) {
	get := func(key, fallback string) string {
		if v, ok := values[key]; ok {
			return strings.TrimSpace(v)
		}
		return fallback
	}

	cfg := ServerConfig{
		APIListenAddr: get("STREAMLOG_API_LISTEN", defaultAPIListenAddr),
		OpsListenAddr: get("STREAMLOG_OPS_LISTEN", defaultOpsListenAddr),
		APIKey:        get("STREAMLOG_API_KEY", ""),
		Source:        strings.ToLower(get("STREAMLOG_SOURCE", SourceStdin)),
		SourcePath:    expandPath(get("STREAMLOG_SOURCE_PATH", "")),
		SourceCommand: get("STREAMLOG_SOURCE_COMMAND", ""),
		BacklogStore:  strings.ToLower(get("STREAMLOG_BACKLOG_STORE", BacklogMemory)),
		DatabasePath:  expandPath(get("STREAMLOG_DB_PATH", defaultDBPath)),
		LogFile:       expandPath(get("STREAMLOG_LOG_FILE", "")),
	}

	var err error
	if cfg.BacklogSize, err = parseInt("STREAMLOG_BACKLOG", get("STREAMLOG_BACKLOG", "0")); err != nil {
		return ServerConfig{}, err
	}
	if cfg.QueueSize, err = parseInt("STREAMLOG_QUEUE_SIZE", get("STREAMLOG_QUEUE_SIZE", strconv.Itoa(defaultQueueSize))); err != nil {
		return ServerConfig{}, err
	}
	if cfg.Heartbeat, err = parseDuration("STREAMLOG_HEARTBEAT", get("STREAMLOG_HEARTBEAT", ""), defaultHeartbeat); err != nil {
		return ServerConfig{}, err
	}
	if cfg.WriteTimeout, err = parseDuration("STREAMLOG_WRITE_TIMEOUT", get("STREAMLOG_WRITE_TIMEOUT", ""), defaultWriteTimeout); err != nil {
		return ServerConfig{}, err
	}
	if cfg.GracePeriod, err = parseDuration("STREAMLOG_GRACE_PERIOD", get("STREAMLOG_GRACE_PERIOD", ""), defaultGracePeriod); err != nil {
		return ServerConfig{}, err
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(get("STREAMLOG_LOG_LEVEL", "info"))); err != nil {
		return ServerConfig{}, fmt.Errorf("invalid STREAMLOG_LOG_LEVEL: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func (c ServerConfig) validate() error {
	if c.APIListenAddr == "" {
		return errors.New("api listen address required")
	}
	if _, _, err := net.SplitHostPort(c.APIListenAddr); err != nil {
		return fmt.Errorf("invalid api listen address %q: %w", c.APIListenAddr, err)
	}
	if c.OpsListenAddr != "" {
		if _, _, err := net.SplitHostPort(c.OpsListenAddr); err != nil {
			return fmt.Errorf("invalid ops listen address %q: %w", c.OpsListenAddr, err)
		}
	}
	switch c.Source {
	case SourceStdin:
	case SourceFile:
		if c.SourcePath == "" {
			return errors.New("STREAMLOG_SOURCE_PATH required for file source")
		}
	case SourceCommand:
		if c.SourceCommand == "" {
			return errors.New("STREAMLOG_SOURCE_COMMAND required for command source")
		}
	default:
		return fmt.Errorf("unknown source %q", c.Source)
	}
	switch c.BacklogStore {
	case BacklogMemory, BacklogSQLite:
	default:
		return fmt.Errorf("unknown backlog store %q", c.BacklogStore)
	}
	if c.BacklogSize < 0 {
		return fmt.Errorf("backlog must not be negative, got %d", c.BacklogSize)
	}
	if c.QueueSize < 2 {
		return fmt.Errorf("queue size must be at least 2, got %d", c.QueueSize)
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("grace period must not be negative, got %s", c.GracePeriod)
	}
	return nil
}

func parseInt(key, raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func parseDuration(key, raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func expandPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return filepath.Clean(path)
}
