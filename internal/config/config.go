// Package config handles configuration loading for superagents.
// It supports XDG config paths, an explicit file, and SUPERAGENTS_
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/superagents/internal/audit"
	"github.com/ShayCichocki/superagents/internal/cortex"
	"github.com/ShayCichocki/superagents/internal/cortex/policy"
	"github.com/ShayCichocki/superagents/internal/memory"
	"github.com/ShayCichocki/superagents/internal/runtime"
	"github.com/ShayCichocki/superagents/pkg/models"
)

// EnvPrefix is prepended to environment overrides, e.g.
// SUPERAGENTS_SUPERVISOR_STUCK_TIMEOUT=90s.
const EnvPrefix = "SUPERAGENTS"

// ErrInvalid is wrapped by Validate.
var ErrInvalid = errors.New("invalid config")

// Config holds all configuration for superagents.
type Config struct {
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Memory     MemoryConfig     `mapstructure:"memory"`
	Health     HealthConfig     `mapstructure:"health"`
	Runtime    RuntimeConfig    `mapstructure:"runtime"`
	Log        LogConfig        `mapstructure:"log"`
}

// SupervisorConfig holds the Cortex loop intervals.
type SupervisorConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	StuckTimeout    time.Duration `mapstructure:"stuck_timeout"`
	ExportInterval  time.Duration `mapstructure:"export_interval"`
	ExportTimeout   time.Duration `mapstructure:"export_timeout"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
}

// RetryConfig holds the retry/kill policy.
type RetryConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	MaxStuck    time.Duration `mapstructure:"max_stuck"`
}

// AuditConfig locates the SQLite audit log.
type AuditConfig struct {
	Path string `mapstructure:"path"`
}

// MemoryConfig locates the memory store and its canonical export.
type MemoryConfig struct {
	Path      string `mapstructure:"path"`
	ExportDir string `mapstructure:"export_dir"`
}

// HealthConfig holds the health endpoint address.
type HealthConfig struct {
	Addr string `mapstructure:"addr"`
}

// RuntimeConfig holds worker runtime settings.
type RuntimeConfig struct {
	MainHeartbeat time.Duration `mapstructure:"main_heartbeat"`
	MainMaxTier   string        `mapstructure:"main_max_tier"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level"`
	// Format is text or json.
	Format string `mapstructure:"format"`
}

// Load reads the user config from the XDG path, then environment overrides.
// A missing file is not an error.
func Load() (*Config, error) {
	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(UserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}
	return decode(v)
}

// LoadFromPath reads configuration from path, then environment overrides.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return decode(v)
}

// LoadFile is LoadFromPath when path is set and Load otherwise.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		return Load()
	}
	return LoadFromPath(path)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Audit.Path = expandPath(cfg.Audit.Path)
	cfg.Memory.Path = expandPath(cfg.Memory.Path)
	cfg.Memory.ExportDir = expandPath(cfg.Memory.ExportDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults mirrors Default so unset keys decode to the same values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("supervisor.poll_interval", d.Supervisor.PollInterval.String())
	v.SetDefault("supervisor.stuck_timeout", d.Supervisor.StuckTimeout.String())
	v.SetDefault("supervisor.export_interval", d.Supervisor.ExportInterval.String())
	v.SetDefault("supervisor.export_timeout", d.Supervisor.ExportTimeout.String())
	v.SetDefault("supervisor.dispatch_timeout", d.Supervisor.DispatchTimeout.String())

	v.SetDefault("retry.base_delay", d.Retry.BaseDelay.String())
	v.SetDefault("retry.multiplier", d.Retry.Multiplier)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay.String())
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.max_stuck", d.Retry.MaxStuck.String())

	v.SetDefault("audit.path", d.Audit.Path)
	v.SetDefault("memory.path", d.Memory.Path)
	v.SetDefault("memory.export_dir", d.Memory.ExportDir)
	v.SetDefault("health.addr", d.Health.Addr)

	v.SetDefault("runtime.main_heartbeat", d.Runtime.MainHeartbeat.String())
	v.SetDefault("runtime.main_max_tier", d.Runtime.MainMaxTier)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Default returns a Config with default values.
func Default() *Config {
	s := cortex.DefaultSettings()
	rt := runtime.DefaultConfig()
	return &Config{
		Supervisor: SupervisorConfig{
			PollInterval:    s.PollInterval,
			StuckTimeout:    s.StuckTimeout,
			ExportInterval:  s.ExportInterval,
			ExportTimeout:   s.ExportTimeout,
			DispatchTimeout: s.DispatchTimeout,
		},
		Retry: RetryConfig{
			BaseDelay:   s.Policy.BaseDelay,
			Multiplier:  s.Policy.Multiplier,
			MaxDelay:    s.Policy.MaxDelay,
			MaxAttempts: s.Policy.MaxAttempts,
			MaxStuck:    s.Policy.MaxStuck,
		},
		Audit: AuditConfig{Path: audit.DefaultPath()},
		Memory: MemoryConfig{
			Path:      memory.DefaultPath(),
			ExportDir: filepath.Join(filepath.Dir(memory.DefaultPath()), "memory"),
		},
		Health: HealthConfig{Addr: "127.0.0.1:7787"},
		Runtime: RuntimeConfig{
			MainHeartbeat: rt.MainHeartbeat,
			MainMaxTier:   string(rt.MainMaxTier),
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Validate rejects values the supervisor cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Supervisor.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("supervisor.poll_interval must be positive, got %s", c.Supervisor.PollInterval))
	}
	if c.Supervisor.StuckTimeout <= 0 {
		errs = append(errs, fmt.Errorf("supervisor.stuck_timeout must be positive, got %s", c.Supervisor.StuckTimeout))
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must not be negative, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier must be at least 1, got %g", c.Retry.Multiplier))
	}
	if !models.Tier(c.Runtime.MainMaxTier).Valid() {
		errs = append(errs, fmt.Errorf("runtime.main_max_tier %q is not a tier", c.Runtime.MainMaxTier))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if c.Health.Addr == "" {
		errs = append(errs, errors.New("health.addr must be set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// CortexSettings converts the supervisor and retry sections.
func (c *Config) CortexSettings() cortex.Settings {
	return cortex.Settings{
		PollInterval:    c.Supervisor.PollInterval,
		StuckTimeout:    c.Supervisor.StuckTimeout,
		ExportInterval:  c.Supervisor.ExportInterval,
		ExportTimeout:   c.Supervisor.ExportTimeout,
		DispatchTimeout: c.Supervisor.DispatchTimeout,
		ExportDir:       c.Memory.ExportDir,
		Policy: policy.Config{
			BaseDelay:   c.Retry.BaseDelay,
			Multiplier:  c.Retry.Multiplier,
			MaxDelay:    c.Retry.MaxDelay,
			MaxAttempts: c.Retry.MaxAttempts,
			MaxStuck:    c.Retry.MaxStuck,
		},
	}
}

// RuntimeConfig converts the runtime section.
func (c *Config) RuntimeConfig() runtime.Config {
	rc := runtime.DefaultConfig()
	rc.MainHeartbeat = c.Runtime.MainHeartbeat
	rc.MainMaxTier = models.Tier(c.Runtime.MainMaxTier)
	return rc
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return level, nil
}

// UserConfigPath returns the path of the user config file.
func UserConfigPath() string {
	return filepath.Join(UserConfigDir(), "config.yaml")
}

// UserConfigDir returns the XDG config directory for superagents.
func UserConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "superagents")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "superagents")
	}
	return filepath.Join(home, ".config", "superagents")
}

func expandPath(p string) string {
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
