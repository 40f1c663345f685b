package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/fnemu/internal/env"
)

// EnvPrefix is the prefix of environment variables overriding config keys,
// e.g. FNEMU_PORT or FNEMU_LOG_FILE.
const EnvPrefix = "FNEMU"

// Config is the emulator configuration. Relative paths are resolved
// against Home.
type Config struct {
	Home          string        `toml:"home" mapstructure:"home"`
	Host          string        `toml:"host" mapstructure:"host"`
	Port          int           `toml:"port" mapstructure:"port"`
	ProjectID     string        `toml:"project_id" mapstructure:"project_id"`
	Debug         bool          `toml:"debug" mapstructure:"debug"`
	Timeout       time.Duration `toml:"timeout" mapstructure:"timeout"`
	PollInterval  time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	FunctionsFile string        `toml:"functions_file" mapstructure:"functions_file"`
	PIDFile       string        `toml:"pid_file" mapstructure:"pid_file"`
	Env           []string      `toml:"env" mapstructure:"env"`
	EnvFiles      []string      `toml:"env_files" mapstructure:"env_files"`

	Log        LogConfig        `toml:"log" mapstructure:"log"`
	Invocation InvocationConfig `toml:"invocation" mapstructure:"invocation"`
	Metrics    MetricsConfig    `toml:"metrics" mapstructure:"metrics"`
	History    HistoryConfig    `toml:"history" mapstructure:"history"`
	Schedules  []ScheduleConfig `toml:"schedules" mapstructure:"schedules"`
}

type LogConfig struct {
	File       string        `toml:"file" mapstructure:"file"`
	Level      string        `toml:"level" mapstructure:"level"`
	MaxSizeMB  int           `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int           `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int           `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool          `toml:"compress" mapstructure:"compress"`
	FlushGrace time.Duration `toml:"flush_grace" mapstructure:"flush_grace"`
}

type InvocationConfig struct {
	Timeout   time.Duration `toml:"timeout" mapstructure:"timeout"`
	Serialize bool          `toml:"serialize" mapstructure:"serialize"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

type HistoryConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	DSN     string `toml:"dsn" mapstructure:"dsn"`
}

// ScheduleConfig triggers a background function on a cron schedule.
type ScheduleConfig struct {
	Name     string `toml:"name" mapstructure:"name"`
	Function string `toml:"function" mapstructure:"function"`
	Schedule string `toml:"schedule" mapstructure:"schedule"`
	Data     string `toml:"data" mapstructure:"data"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("home", "")
	v.SetDefault("host", "localhost")
	v.SetDefault("port", 8008)
	v.SetDefault("project_id", "")
	v.SetDefault("debug", false)
	v.SetDefault("timeout", "10s")
	v.SetDefault("poll_interval", "500ms")
	v.SetDefault("functions_file", "functions.json")
	v.SetDefault("pid_file", "process.pid")
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("log.file", filepath.Join("logs", "emulator.log"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 1)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.compress", false)
	v.SetDefault("log.flush_grace", "1s")
	v.SetDefault("invocation.timeout", "60s")
	v.SetDefault("invocation.serialize", false)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9464")
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", "")
}

// Load reads the optional TOML file at path, applies FNEMU_* environment
// overrides and defaults, and resolves relative paths.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() (*Config, error) { return Load("") }

func (c *Config) resolvePaths() error {
	if c.Home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home: %w", err)
		}
		c.Home = filepath.Join(h, ".fnemu")
	}
	abs, err := filepath.Abs(c.Home)
	if err != nil {
		return err
	}
	c.Home = abs
	c.FunctionsFile = c.Resolve(c.FunctionsFile)
	c.PIDFile = c.Resolve(c.PIDFile)
	c.Log.File = c.Resolve(c.Log.File)
	for i, f := range c.EnvFiles {
		c.EnvFiles[i] = c.Resolve(f)
	}
	return nil
}

// Resolve returns p unchanged when absolute, otherwise joined with Home.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Home, p)
}

// Validate checks value ranges and required schedule fields.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if strings.TrimSpace(c.Host) == "" {
		errs = append(errs, errors.New("host required"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.Invocation.Timeout <= 0 {
		errs = append(errs, errors.New("invocation.timeout must be positive"))
	}
	if c.History.Enabled && strings.TrimSpace(c.History.DSN) == "" {
		errs = append(errs, errors.New("history.dsn required when history is enabled"))
	}
	seen := map[string]bool{}
	for i, s := range c.Schedules {
		if s.Name == "" || s.Function == "" || s.Schedule == "" {
			errs = append(errs, fmt.Errorf("schedules[%d] requires name, function and schedule", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate schedule %s", s.Name))
		}
		seen[s.Name] = true
	}
	return errors.Join(errs...)
}

// Addr is the dispatcher listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// BaseURL is the public URL prefix of the dispatcher.
func (c *Config) BaseURL() string {
	return "http://" + c.Addr()
}

// GlobalEnv composes the environment every invocation starts from: the OS
// environment, then env_files in order, then the env list.
func (c *Config) GlobalEnv() (env.Env, error) {
	e := env.FromOS()
	for _, f := range c.EnvFiles {
		var err error
		if e, err = e.WithFile(f); err != nil {
			return e, fmt.Errorf("env file %s: %w", f, err)
		}
	}
	return e.WithPairs(c.Env), nil
}
