package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"callcore/internal/battery"
	"callcore/internal/ipc"
	"callcore/internal/permissions"
)

// Config is the YAML configuration of callcored.
//
// The file is the primary configuration surface; flags override single
// values. DefaultConfig, LoadConfigFile, FlagOverrides.Apply and Validate
// run in that order.
type Config struct {
	IPC         IPCConfig         `yaml:"ipc"`
	HTTP        HTTPConfig        `yaml:"http"`
	Logging     LoggingConfig     `yaml:"logging"`
	Battery     BatteryConfig     `yaml:"battery"`
	Permissions PermissionsConfig `yaml:"permissions"`
	SDP         SDPConfig         `yaml:"sdp"`
	Call        CallConfig        `yaml:"call"`
	RTC         RTCConfig         `yaml:"rtc"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type HTTPConfig struct {
	// Port 0 disables the HTTP server.
	Port int `yaml:"port"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type BatteryConfig struct {
	Enabled        bool   `yaml:"enabled"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`
	SysfsRoot      string `yaml:"sysfs_root"`
}

type PermissionsConfig struct {
	MicrophoneGlob string `yaml:"microphone_glob"`
	CameraGlob     string `yaml:"camera_glob"`
}

type SDPConfig struct {
	OpusDTX         bool `yaml:"opus_dtx"`
	RedundantCoding bool `yaml:"redundant_coding"`
}

type CallConfig struct {
	JoinRetries  int `yaml:"join_retries"`
	RetryDelayMS int `yaml:"retry_delay_ms"`
}

type RTCConfig struct {
	FastReconnectDeadlineMS int      `yaml:"fast_reconnect_deadline_ms"`
	ICEServers              []string `yaml:"ice_servers"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns a fully populated Config.
func DefaultConfig() Config {
	return Config{
		IPC:     IPCConfig{SocketPath: ipc.DefaultSocketPath},
		HTTP:    HTTPConfig{Port: 3002},
		Logging: LoggingConfig{Level: "info"},
		Battery: BatteryConfig{
			Enabled:        true,
			PollIntervalMS: 30_000,
			SysfsRoot:      battery.DefaultSysfsRoot,
		},
		Permissions: PermissionsConfig{
			MicrophoneGlob: permissions.DefaultMicrophoneGlob,
			CameraGlob:     permissions.DefaultCameraGlob,
		},
		SDP:  SDPConfig{OpusDTX: true, RedundantCoding: false},
		Call: CallConfig{JoinRetries: 3, RetryDelayMS: 500},
		RTC: RTCConfig{
			FastReconnectDeadlineMS: 5_000,
			ICEServers:              []string{"stun:stun.l.google.com:19302"},
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// LoadConfigFile reads a YAML config on top of DefaultConfig. Unknown
// fields and trailing documents are rejected.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err == nil {
		return Config{}, errors.New("decode config yaml: unexpected trailing document")
	}
	return cfg, nil
}

// FlagOverrides holds values set on the command line. Nil pointers were not
// set and leave the config alone.
type FlagOverrides struct {
	IPCSocketPath *string
	HTTPPort      *int
	LogLevel      *string

	BatteryEnabled *bool
	MetricsEnabled *bool

	OpusDTX         *bool
	RedundantCoding *bool
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.HTTPPort != nil {
		cfg.HTTP.Port = *o.HTTPPort
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
	if o.BatteryEnabled != nil {
		cfg.Battery.Enabled = *o.BatteryEnabled
	}
	if o.MetricsEnabled != nil {
		cfg.Metrics.Enabled = *o.MetricsEnabled
	}
	if o.OpusDTX != nil {
		cfg.SDP.OpusDTX = *o.OpusDTX
	}
	if o.RedundantCoding != nil {
		cfg.SDP.RedundantCoding = *o.RedundantCoding
	}
}

// Validate checks the config after defaults, file and flags are merged.
func (c *Config) Validate() error {
	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return errors.New("http.port must be between 0 and 65535")
	}
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	if c.Battery.Enabled {
		if c.Battery.PollIntervalMS < 100 {
			return errors.New("battery.poll_interval_ms must be >= 100")
		}
		if c.Battery.SysfsRoot == "" {
			return errors.New("battery.sysfs_root must not be empty when battery.enabled is true")
		}
	}

	for name, pattern := range map[string]string{
		"permissions.microphone_glob": c.Permissions.MicrophoneGlob,
		"permissions.camera_glob":     c.Permissions.CameraGlob,
	} {
		if pattern == "" {
			return fmt.Errorf("%s must not be empty", name)
		}
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	if c.Call.JoinRetries < 1 {
		return errors.New("call.join_retries must be >= 1")
	}
	if c.Call.RetryDelayMS < 0 {
		return errors.New("call.retry_delay_ms must be >= 0")
	}
	if c.RTC.FastReconnectDeadlineMS <= 0 {
		return errors.New("rtc.fast_reconnect_deadline_ms must be > 0")
	}
	for i, s := range c.RTC.ICEServers {
		if s == "" {
			return fmt.Errorf("rtc.ice_servers[%d] is empty", i)
		}
	}
	return nil
}

func (c *Config) BatteryPollInterval() time.Duration {
	return time.Duration(c.Battery.PollIntervalMS) * time.Millisecond
}

// RetryDelay grows linearly with the retry number.
func (c *Config) RetryDelay(retry int) time.Duration {
	return time.Duration(retry*c.Call.RetryDelayMS) * time.Millisecond
}

func (c *Config) FastReconnectDeadline() time.Duration {
	return time.Duration(c.RTC.FastReconnectDeadlineMS) * time.Millisecond
}

// ExpandPath expands a leading "~" using the home directory.
func ExpandPath(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
