package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "callcored.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if got := cfg.BatteryPollInterval(); got != 30*time.Second {
		t.Fatalf("expected 30s poll interval, got %v", got)
	}
	if got := cfg.FastReconnectDeadline(); got != 5*time.Second {
		t.Fatalf("expected 5s fast reconnect deadline, got %v", got)
	}
}

func TestLoadConfigFile_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
ipc:
  socket_path: /run/callcored.sock
http:
  port: 0
battery:
  enabled: false
sdp:
  redundant_coding: true
call:
  join_retries: 5
  retry_delay_ms: 100
rtc:
  ice_servers: ["stun:a.example", "stun:b.example"]
`)

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.IPC.SocketPath != "/run/callcored.sock" {
		t.Fatalf("socket path = %q", cfg.IPC.SocketPath)
	}
	if cfg.HTTP.Port != 0 || cfg.Battery.Enabled {
		t.Fatalf("expected http and battery disabled, got port=%d battery=%v", cfg.HTTP.Port, cfg.Battery.Enabled)
	}
	// Untouched values keep their defaults.
	if !cfg.SDP.OpusDTX || !cfg.SDP.RedundantCoding {
		t.Fatalf("unexpected sdp config %+v", cfg.SDP)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("expected default log level, got %q", cfg.Logging.Level)
	}
	if len(cfg.RTC.ICEServers) != 2 {
		t.Fatalf("expected 2 ICE servers, got %v", cfg.RTC.ICEServers)
	}
	if got := cfg.RetryDelay(3); got != 300*time.Millisecond {
		t.Fatalf("RetryDelay(3) = %v, want 300ms", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadConfigFile_RejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "battery:\n  poll_every: 10\n")
	if _, err := LoadConfigFile(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadConfigFile_RejectsTrailingDocument(t *testing.T) {
	path := writeConfig(t, "http:\n  port: 1\n---\nhttp:\n  port: 2\n")
	_, err := LoadConfigFile(path)
	if err == nil || !strings.Contains(err.Error(), "trailing document") {
		t.Fatalf("expected trailing document error, got %v", err)
	}
}

func TestLoadConfigFile_Missing(t *testing.T) {
	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := LoadConfigFile(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestFlagOverrides_OnlySetValuesApply(t *testing.T) {
	cfg := DefaultConfig()
	port := 9000
	red := true
	FlagOverrides{HTTPPort: &port, RedundantCoding: &red}.Apply(&cfg)

	if cfg.HTTP.Port != 9000 || !cfg.SDP.RedundantCoding {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.IPC.SocketPath != DefaultConfig().IPC.SocketPath || !cfg.Battery.Enabled {
		t.Fatalf("unset overrides changed the config: %+v", cfg)
	}

	// A nil config is ignored.
	FlagOverrides{HTTPPort: &port}.Apply(nil)
}

func TestValidate_Errors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty socket", func(c *Config) { c.IPC.SocketPath = "" }, "ipc.socket_path"},
		{"bad port", func(c *Config) { c.HTTP.Port = 70000 }, "http.port"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"fast polling", func(c *Config) { c.Battery.PollIntervalMS = 10 }, "poll_interval_ms"},
		{"bad glob", func(c *Config) { c.Permissions.CameraGlob = "/dev/video[" }, "permissions.camera_glob"},
		{"no retries", func(c *Config) { c.Call.JoinRetries = 0 }, "join_retries"},
		{"no deadline", func(c *Config) { c.RTC.FastReconnectDeadlineMS = 0 }, "fast_reconnect_deadline_ms"},
		{"empty ice", func(c *Config) { c.RTC.ICEServers = []string{""} }, "ice_servers[0]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestValidate_DisabledBatterySkipsBatteryChecks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Battery.Enabled = false
	cfg.Battery.PollIntervalMS = 0
	cfg.Battery.SysfsRoot = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandPath("~/callcored.sock"); got != filepath.Join(home, "callcored.sock") {
		t.Fatalf("ExpandPath = %q", got)
	}
	if got := ExpandPath("~"); got != home {
		t.Fatalf("ExpandPath(~) = %q", got)
	}
	if got := ExpandPath("/tmp/x"); got != "/tmp/x" {
		t.Fatalf("absolute path changed: %q", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"error":   slog.LevelError,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"info":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
	} {
		got, err := parseLogLevel(in)
		if err != nil || got != want {
			t.Fatalf("parseLogLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unknown level")
	}

	var buf bytes.Buffer
	logger := setupLogger(&buf, slog.LevelWarn)
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected log output %q", buf.String())
	}
}
