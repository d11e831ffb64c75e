// Package config holds the versecache configuration: the yaml file read
// through viper, its defaults and validation, and the environment-only
// process settings.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dgnsrekt/versecache/internal/cache"
	"github.com/dgnsrekt/versecache/internal/ttypes"
	"github.com/mitchellh/go-homedir"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/viper"
)

// AppName scopes the config, cache and log directories.
const AppName = "versecache"

// Config is the complete application configuration.
type Config struct {
	Cache    CacheConfig    `mapstructure:"cache"`
	Prefetch PrefetchConfig `mapstructure:"prefetch"`
	Synth    SynthConfig    `mapstructure:"synth"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// CacheConfig configures the durable cache and the handle table.
type CacheConfig struct {
	Dir              string        `mapstructure:"dir"`
	Runtime          string        `mapstructure:"runtime"`    // auto, device or web
	DualWrite        bool          `mapstructure:"dual_write"` // also fill the byte store in device mode
	Encoding         string        `mapstructure:"encoding"`   // raw, base64 or zstd
	CompressionLevel int           `mapstructure:"compression_level"`
	HandleBudgetMB   int           `mapstructure:"handle_budget_mb"` // 0 for unbounded
	MaxSizeMB        int           `mapstructure:"max_size_mb"`      // 0 disables the size cap
	MaxAge           time.Duration `mapstructure:"max_age"`          // 0 disables age pruning
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
}

// PrefetchConfig configures the prefetch scheduler.
type PrefetchConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent"`
	Ahead         int `mapstructure:"ahead"`
}

// SynthConfig configures the remote generation service. An empty endpoint
// selects the built-in offline generator.
type SynthConfig struct {
	Endpoint          string        `mapstructure:"endpoint"`
	APIKey            string        `mapstructure:"api_key"`
	Voice             string        `mapstructure:"voice"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
}

// CatalogConfig locates the verse and commentary text.
type CatalogConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

// LoggingConfig configures the log output.
type LoggingConfig struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

// Env holds settings read only from the environment.
type Env struct {
	ConfigHome    string `env:"VERSECACHE_CONFIG_HOME"`
	XDGConfigHome string `env:"XDG_CONFIG_HOME"`
	APIKey        string `env:"VERSECACHE_API_KEY"`
	Debug         bool   `env:"VERSECACHE_DEBUG" envDefault:"false"`
}

// ParseEnv reads Env from the process environment.
func ParseEnv() (Env, error) {
	e, err := env.ParseAs[Env]()
	if err != nil {
		return Env{}, fmt.Errorf("error parsing environment: %w", err)
	}
	return e, nil
}

// Default returns the default configuration.
func Default() Config {
	cacheDir := filepath.Join(".", "."+AppName)
	if dir, err := gap.NewScope(gap.User, AppName).CacheDir(); err == nil {
		cacheDir = dir
	}

	return Config{
		Cache: CacheConfig{
			Dir:              cacheDir,
			Runtime:          string(cache.RuntimeAuto),
			DualWrite:        true,
			Encoding:         string(ttypes.EncodingRaw),
			CompressionLevel: 3,
			HandleBudgetMB:   64,
			MaxSizeMB:        500,
			MaxAge:           30 * 24 * time.Hour,
			CleanupInterval:  time.Hour,
		},
		Prefetch: PrefetchConfig{
			MaxConcurrent: 2,
			Ahead:         3,
		},
		Synth: SynthConfig{
			Voice:             "default",
			Timeout:           30 * time.Second,
			RequestsPerMinute: 60,
		},
		Catalog: CatalogConfig{
			Dir: filepath.Join(cacheDir, "catalog"),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// SetDefaults registers every default with v so that environment
// variables override nested keys too.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("cache.dir", d.Cache.Dir)
	v.SetDefault("cache.runtime", d.Cache.Runtime)
	v.SetDefault("cache.dual_write", d.Cache.DualWrite)
	v.SetDefault("cache.encoding", d.Cache.Encoding)
	v.SetDefault("cache.compression_level", d.Cache.CompressionLevel)
	v.SetDefault("cache.handle_budget_mb", d.Cache.HandleBudgetMB)
	v.SetDefault("cache.max_size_mb", d.Cache.MaxSizeMB)
	v.SetDefault("cache.max_age", d.Cache.MaxAge)
	v.SetDefault("cache.cleanup_interval", d.Cache.CleanupInterval)

	v.SetDefault("prefetch.max_concurrent", d.Prefetch.MaxConcurrent)
	v.SetDefault("prefetch.ahead", d.Prefetch.Ahead)

	v.SetDefault("synth.endpoint", d.Synth.Endpoint)
	v.SetDefault("synth.api_key", d.Synth.APIKey)
	v.SetDefault("synth.voice", d.Synth.Voice)
	v.SetDefault("synth.timeout", d.Synth.Timeout)
	v.SetDefault("synth.requests_per_minute", d.Synth.RequestsPerMinute)

	v.SetDefault("catalog.dir", d.Catalog.Dir)
	v.SetDefault("catalog.watch", d.Catalog.Watch)

	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.level", d.Logging.Level)
}

// ConfigDirs returns the directories searched for versecache.yml, most
// specific first.
func ConfigDirs(e Env) ([]string, error) {
	dirs, err := gap.NewScope(gap.User, AppName).ConfigDirs()
	if err != nil {
		return nil, fmt.Errorf("could not find configuration directory: %w", err)
	}
	if e.XDGConfigHome != "" {
		dirs = append([]string{filepath.Join(e.XDGConfigHome, AppName)}, dirs...)
	}
	if e.ConfigHome != "" {
		dirs = append([]string{e.ConfigHome}, dirs...)
	}
	return dirs, nil
}

// Prepare points v at the config search path and the environment.
func Prepare(v *viper.Viper, dirs []string) {
	for _, dir := range dirs {
		v.AddConfigPath(dir)
	}
	v.SetConfigName(AppName)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(AppName)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
}

// Load decodes the configuration held by v, applies environment-only
// overrides from e, expands paths and validates the result.
func Load(v *viper.Viper, e Env) (Config, error) {
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("error parsing config: %w", err)
	}

	if e.APIKey != "" {
		cfg.Synth.APIKey = e.APIKey
	}
	if e.Debug {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.expandPaths(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Cache.Dir, &c.Catalog.Dir, &c.Logging.File} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("unable to expand %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration and normalizes enumerated values.
func (c *Config) Validate() error {
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache dir cannot be empty")
	}

	runtime, err := cache.ParseRuntime(c.Cache.Runtime)
	if err != nil {
		return err
	}
	c.Cache.Runtime = string(runtime)

	encoding, err := ttypes.ParseEncoding(c.Cache.Encoding)
	if err != nil {
		return err
	}
	c.Cache.Encoding = string(encoding)

	if c.Cache.CompressionLevel < 1 || c.Cache.CompressionLevel > 22 {
		return fmt.Errorf("compression_level must be between 1 and 22, got %d", c.Cache.CompressionLevel)
	}
	if c.Cache.HandleBudgetMB < 0 {
		return fmt.Errorf("handle_budget_mb cannot be negative, got %d", c.Cache.HandleBudgetMB)
	}
	if c.Cache.MaxSizeMB < 0 || c.Cache.MaxSizeMB > 100000 {
		return fmt.Errorf("max_size_mb must be between 0 and 100000, got %d", c.Cache.MaxSizeMB)
	}
	if c.Cache.MaxAge < 0 {
		return fmt.Errorf("max_age cannot be negative, got %v", c.Cache.MaxAge)
	}
	if (c.Cache.MaxAge > 0 || c.Cache.MaxSizeMB > 0) && c.Cache.CleanupInterval < time.Minute {
		return fmt.Errorf("cleanup_interval must be at least 1 minute, got %v", c.Cache.CleanupInterval)
	}

	if c.Prefetch.MaxConcurrent < 1 || c.Prefetch.MaxConcurrent > 16 {
		return fmt.Errorf("max_concurrent must be between 1 and 16, got %d", c.Prefetch.MaxConcurrent)
	}
	if c.Prefetch.Ahead < 0 || c.Prefetch.Ahead > 50 {
		return fmt.Errorf("ahead must be between 0 and 50, got %d", c.Prefetch.Ahead)
	}

	if c.Synth.Voice == "" {
		return fmt.Errorf("synth voice cannot be empty")
	}
	if c.Synth.Endpoint != "" {
		if !strings.HasPrefix(c.Synth.Endpoint, "http://") && !strings.HasPrefix(c.Synth.Endpoint, "https://") {
			return fmt.Errorf("synth endpoint must be an http(s) URL, got %q", c.Synth.Endpoint)
		}
		if c.Synth.Timeout < time.Second {
			return fmt.Errorf("synth timeout must be at least 1 second, got %v", c.Synth.Timeout)
		}
	}
	if c.Synth.RequestsPerMinute < 0 {
		return fmt.Errorf("requests_per_minute cannot be negative, got %d", c.Synth.RequestsPerMinute)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
		c.Logging.Level = strings.ToLower(c.Logging.Level)
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// Offline reports whether audio is generated in-process.
func (c Config) Offline() bool {
	return c.Synth.Endpoint == ""
}

// HandleBudget returns the handle table budget in bytes.
func (c Config) HandleBudget() int64 {
	return int64(c.Cache.HandleBudgetMB) << 20
}

// MaxSize returns the durable cache size cap in bytes.
func (c Config) MaxSize() int64 {
	return int64(c.Cache.MaxSizeMB) << 20
}

// CacheOptions returns the options for cache.Open.
func (c Config) CacheOptions() cache.Options {
	return cache.Options{
		Dir:              c.Cache.Dir,
		Runtime:          cache.Runtime(c.Cache.Runtime),
		DualWrite:        c.Cache.DualWrite,
		Encoding:         ttypes.Encoding(c.Cache.Encoding),
		CompressionLevel: c.Cache.CompressionLevel,
	}
}

// CleanupPolicy returns the resolver cleanup policy.
func (c Config) CleanupPolicy() cache.CleanupPolicy {
	return cache.CleanupPolicy{
		Interval: c.Cache.CleanupInterval,
		MaxAge:   c.Cache.MaxAge,
		MaxBytes: c.MaxSize(),
	}
}
