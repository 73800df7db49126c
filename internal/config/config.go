// Package config loads server settings from built-in defaults, an optional
// YAML file and SNIPPETD_* environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/hyperifyio/snippetd/internal/sandbox"
)

type Deadline struct {
	DefaultMs      int `yaml:"default_ms"`
	FloorMs        int `yaml:"floor_ms"`
	NetworkFloorMs int `yaml:"network_floor_ms"`
	MaxMs          int `yaml:"max_ms"`
}

type Output struct {
	MaxLogBytes  int  `yaml:"max_log_bytes"`
	InspectDepth int  `yaml:"inspect_depth"`
	MirrorLogs   bool `yaml:"mirror_logs"`
}

type Fetch struct {
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
	UserAgent    string `yaml:"user_agent"`
	TimeoutMs    int    `yaml:"timeout_ms"`
}

type Modules struct {
	// InstallDir is searched after the working directory. Empty means the
	// directory holding the executable.
	InstallDir string   `yaml:"install_dir"`
	Roots      []string `yaml:"roots"`
}

type Config struct {
	Deadline      Deadline `yaml:"deadline"`
	Output        Output   `yaml:"output"`
	Fetch         Fetch    `yaml:"fetch"`
	Modules       Modules  `yaml:"modules"`
	EnvAllowlist  []string `yaml:"env_allowlist"`
	ToolsManifest string   `yaml:"tools_manifest"`
	ToolTimeoutMs int      `yaml:"tool_timeout_ms"`
	AuditDir      string   `yaml:"audit_dir"`
	HistoryDB     string   `yaml:"history_db"`
	MetricsAddr   string   `yaml:"metrics_addr"`
	LogLevel      string   `yaml:"log_level"`
	LogFormat     string   `yaml:"log_format"`
	MaxLineBytes  int      `yaml:"max_line_bytes"`
}

// Default returns the built-in settings.
func Default() *Config {
	d := sandbox.DefaultDeadlines()
	return &Config{
		Deadline: Deadline{
			DefaultMs:      int(d.Default.Milliseconds()),
			FloorMs:        int(d.Floor.Milliseconds()),
			NetworkFloorMs: int(d.NetworkFloor.Milliseconds()),
			MaxMs:          int(d.Max.Milliseconds()),
		},
		Output: Output{
			MaxLogBytes:  1 << 20,
			InspectDepth: 2,
		},
		Fetch: Fetch{
			MaxBodyBytes: 10 << 20,
			UserAgent:    "snippetd-fetch/1.0",
			TimeoutMs:    30000,
		},
		ToolTimeoutMs: 30000,
		LogLevel:      "info",
		LogFormat:     "text",
		MaxLineBytes:  16 << 20,
	}
}

// Load reads yamlPath over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(yamlPath string) (*Config, error) {
	cfg := Default()
	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", yamlPath, err)
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	var errs []error
	intVar := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	strVar := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	intVar("SNIPPETD_DEADLINE_DEFAULT_MS", &cfg.Deadline.DefaultMs)
	intVar("SNIPPETD_DEADLINE_FLOOR_MS", &cfg.Deadline.FloorMs)
	intVar("SNIPPETD_DEADLINE_NETWORK_FLOOR_MS", &cfg.Deadline.NetworkFloorMs)
	intVar("SNIPPETD_DEADLINE_MAX_MS", &cfg.Deadline.MaxMs)
	intVar("SNIPPETD_MAX_LOG_BYTES", &cfg.Output.MaxLogBytes)
	intVar("SNIPPETD_INSPECT_DEPTH", &cfg.Output.InspectDepth)
	if v := os.Getenv("SNIPPETD_MIRROR_LOGS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SNIPPETD_MIRROR_LOGS: %w", err))
		} else {
			cfg.Output.MirrorLogs = b
		}
	}
	if v := os.Getenv("SNIPPETD_FETCH_MAX_BODY_BYTES"); v != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("SNIPPETD_FETCH_MAX_BODY_BYTES: %w", err))
		} else {
			cfg.Fetch.MaxBodyBytes = n
		}
	}
	strVar("SNIPPETD_FETCH_USER_AGENT", &cfg.Fetch.UserAgent)
	intVar("SNIPPETD_FETCH_TIMEOUT_MS", &cfg.Fetch.TimeoutMs)
	strVar("SNIPPETD_INSTALL_DIR", &cfg.Modules.InstallDir)
	if v := os.Getenv("SNIPPETD_MODULE_ROOTS"); v != "" {
		cfg.Modules.Roots = filepath.SplitList(v)
	}
	if v := os.Getenv("SNIPPETD_ENV_ALLOWLIST"); v != "" {
		cfg.EnvAllowlist = strings.Split(v, ",")
	}
	strVar("SNIPPETD_TOOLS_MANIFEST", &cfg.ToolsManifest)
	intVar("SNIPPETD_TOOL_TIMEOUT_MS", &cfg.ToolTimeoutMs)
	strVar("SNIPPETD_AUDIT_DIR", &cfg.AuditDir)
	strVar("SNIPPETD_HISTORY_DB", &cfg.HistoryDB)
	strVar("SNIPPETD_METRICS_ADDR", &cfg.MetricsAddr)
	strVar("SNIPPETD_LOG_LEVEL", &cfg.LogLevel)
	strVar("SNIPPETD_LOG_FORMAT", &cfg.LogFormat)
	intVar("SNIPPETD_MAX_LINE_BYTES", &cfg.MaxLineBytes)
	return errors.Join(errs...)
}

// Validate reports every inconsistent setting.
func (c *Config) Validate() error {
	var errs []error
	d := c.Deadline
	if d.FloorMs <= 0 {
		errs = append(errs, errors.New("deadline.floor_ms must be positive"))
	}
	if d.DefaultMs <= 0 {
		errs = append(errs, errors.New("deadline.default_ms must be positive"))
	}
	if d.MaxMs < d.FloorMs || d.MaxMs < d.NetworkFloorMs {
		errs = append(errs, errors.New("deadline.max_ms must not be below the floors"))
	}
	if c.Output.MaxLogBytes <= 0 {
		errs = append(errs, errors.New("output.max_log_bytes must be positive"))
	}
	if c.Output.InspectDepth < -1 {
		errs = append(errs, errors.New("output.inspect_depth must be -1 (unlimited) or more"))
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("fetch.max_body_bytes must be positive"))
	}
	if c.MaxLineBytes <= 0 {
		errs = append(errs, errors.New("max_line_bytes must be positive"))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q: want text or json", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Deadlines converts the deadline settings.
func (c *Config) Deadlines() sandbox.Deadlines {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return sandbox.Deadlines{
		Default:      ms(c.Deadline.DefaultMs),
		Floor:        ms(c.Deadline.FloorMs),
		NetworkFloor: ms(c.Deadline.NetworkFloorMs),
		Max:          ms(c.Deadline.MaxMs),
	}
}

// Logger builds the host logger writing to w, which is stderr when nil.
// Stdout stays reserved for protocol responses.
func (c *Config) Logger(w io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stderr
	}
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(level)
	if c.LogFormat == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	}
	return l, nil
}
