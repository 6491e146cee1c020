package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/entrhq/camou/pkg/logging"
)

const (
	// DefaultHostCommand is the browser host binary spawned per session.
	DefaultHostCommand = "camou-host"

	defaultProfilesFile = "profiles.json"
	defaultProfilesDir  = "camoufox_data"
	defaultCheckURL     = "https://httpbin.org/ip"
)

// Config holds the manager configuration. Zero values in a loaded file
// keep the defaults from DefaultConfig.
type Config struct {
	// Root directory holding the record file and profile data directories
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// Record file and data directory root, relative to DataDir unless absolute
	ProfilesFile string `yaml:"profiles_file" json:"profiles_file"`
	ProfilesDir  string `yaml:"profiles_dir" json:"profiles_dir"`

	// Argv prefix of the browser host; name, proxy and OS are appended
	HostCommand []string `yaml:"host_command" json:"host_command"`

	Session SessionConfig `yaml:"session" json:"session"`
	UI      UIConfig      `yaml:"ui" json:"ui"`
	Proxy   ProxyConfig   `yaml:"proxy" json:"proxy"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// SessionConfig tunes session supervision.
type SessionConfig struct {
	StopTimeout     time.Duration `yaml:"stop_timeout" json:"stop_timeout"`
	KillGrace       time.Duration `yaml:"kill_grace" json:"kill_grace"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	MaxLineLength   int           `yaml:"max_line_length" json:"max_line_length"`

	// Glob patterns for host output lines that are not worth surfacing
	NoisePatterns []string `yaml:"noise_patterns" json:"noise_patterns"`
}

// UIConfig tunes the reconciliation loop and log batching.
type UIConfig struct {
	ReconcileInterval time.Duration `yaml:"reconcile_interval" json:"reconcile_interval"`
	LogFlushInterval  time.Duration `yaml:"log_flush_interval" json:"log_flush_interval"`
	LogViewLines      int           `yaml:"log_view_lines" json:"log_view_lines"`
}

// ProxyConfig configures the proxy reachability probe.
type ProxyConfig struct {
	CheckURL string        `yaml:"check_url" json:"check_url"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Dir   string `yaml:"dir" json:"dir"`
	Level string `yaml:"level" json:"level"`
}

// DefaultNoisePatterns match engine chatter that would otherwise flood the
// activity log. Patterns use glob syntax, so literal brackets are escaped.
var DefaultNoisePatterns = []string{
	`*\[GFX1-\]*`,
	"*JavaScript warning*",
	"*console.warn*",
	"*Crash Annotation*",
	`*\[Parent *\] WARNING*`,
	"*ATTENTION: default value of option*",
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	dataDir := ".camou"
	if homeDir, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(homeDir, ".camou")
	}

	return &Config{
		DataDir:      dataDir,
		ProfilesFile: defaultProfilesFile,
		ProfilesDir:  defaultProfilesDir,
		HostCommand:  []string{DefaultHostCommand},
		Session: SessionConfig{
			StopTimeout:     2 * time.Second,
			KillGrace:       500 * time.Millisecond,
			ShutdownTimeout: time.Second,
			MaxLineLength:   400,
			NoisePatterns:   append([]string(nil), DefaultNoisePatterns...),
		},
		UI: UIConfig{
			ReconcileInterval: 120 * time.Millisecond,
			LogFlushInterval:  150 * time.Millisecond,
			LogViewLines:      50,
		},
		Proxy: ProxyConfig{
			CheckURL: defaultCheckURL,
			Timeout:  10 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns ~/.camou/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".camou", "config.yaml"), nil
}

// Load reads a YAML config file over the defaults. A missing file is not an
// error when path is the default location.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		defaultPath, err := DefaultPath()
		if err != nil {
			return cfg, nil
		}
		path = defaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

// fillDefaults restores defaults for fields a file explicitly emptied.
func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.ProfilesFile == "" {
		c.ProfilesFile = def.ProfilesFile
	}
	if c.ProfilesDir == "" {
		c.ProfilesDir = def.ProfilesDir
	}
	if len(c.HostCommand) == 0 {
		c.HostCommand = def.HostCommand
	}
	if c.Session.MaxLineLength == 0 {
		c.Session.MaxLineLength = def.Session.MaxLineLength
	}
	if c.UI.LogViewLines == 0 {
		c.UI.LogViewLines = def.UI.LogViewLines
	}
	if c.Proxy.CheckURL == "" {
		c.Proxy.CheckURL = def.Proxy.CheckURL
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if len(c.HostCommand) == 0 || strings.TrimSpace(c.HostCommand[0]) == "" {
		return fmt.Errorf("host_command is required")
	}

	durations := map[string]time.Duration{
		"session.stop_timeout":     c.Session.StopTimeout,
		"session.kill_grace":       c.Session.KillGrace,
		"session.shutdown_timeout": c.Session.ShutdownTimeout,
		"proxy.timeout":            c.Proxy.Timeout,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
	}

	if c.UI.ReconcileInterval <= 0 {
		return fmt.Errorf("ui.reconcile_interval must be positive")
	}
	if c.UI.LogFlushInterval < 0 {
		return fmt.Errorf("ui.log_flush_interval cannot be negative")
	}
	if c.Session.MaxLineLength < 0 {
		return fmt.Errorf("session.max_line_length cannot be negative")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid logging level: %s (must be 'debug', 'info', 'warn', or 'error')", c.Logging.Level)
	}

	return nil
}

// ProfilesPath returns the absolute-or-relative path of the record file.
func (c *Config) ProfilesPath() string {
	return c.resolve(c.ProfilesFile)
}

// ProfilesRoot returns the directory holding per-profile data directories.
func (c *Config) ProfilesRoot() string {
	return c.resolve(c.ProfilesDir)
}

// LogDir returns the configured log directory, or DataDir/logs.
func (c *Config) LogDir() string {
	if c.Logging.Dir != "" {
		return c.resolve(c.Logging.Dir)
	}
	return filepath.Join(c.DataDir, "logs")
}

// LogLevel returns the parsed logging level.
func (c *Config) LogLevel() logging.Level {
	return logging.ParseLevel(c.Logging.Level)
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}
