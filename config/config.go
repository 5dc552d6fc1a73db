// Package config loads procmon settings from file, environment and flags.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jnesss/procmon/control"
)

// EnvPrefix prefixes environment overrides, e.g. PROCMON_HTTP_LISTEN
const EnvPrefix = "PROCMON"

// Lifecycle source kinds
const (
	SourcePoll = "poll"
	SourceEBPF = "ebpf"
	SourceNone = "none"
)

// Configuration store kinds
const (
	StoreRegistry = "registry"
	StoreYAML     = "yaml"
	StoreSQLite   = "sqlite"
	StoreNone     = "none"
)

// Config is the complete daemon configuration
type Config struct {
	Socket          string        `mapstructure:"socket"`
	MaxRequestBytes uint32        `mapstructure:"max_request_bytes"`
	Source          string        `mapstructure:"source"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	BPFObject       string        `mapstructure:"bpf_object"`
	Store           string        `mapstructure:"store"`
	SystemRoot      string        `mapstructure:"system_root"`
	HashCacheSize   int           `mapstructure:"hash_cache_size"`
	RulesDir        string        `mapstructure:"rules_dir"`
	Database        string        `mapstructure:"database"`

	HTTP HTTPConfig `mapstructure:"http"`
	Log  LogConfig  `mapstructure:"log"`
}

// HTTPConfig configures the web API
type HTTPConfig struct {
	Listen       string `mapstructure:"listen"`
	DefaultLimit int    `mapstructure:"default_limit"`
}

// LogConfig configures logging
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// DefaultSocket is the control socket path for this platform
func DefaultSocket() string {
	if runtime.GOOS == "windows" {
		return "procmon.sock"
	}
	return "/run/procmon.sock"
}

func defaultStore() string {
	if runtime.GOOS == "windows" {
		return StoreRegistry
	}
	return StoreNone
}

// SetDefaults registers every key's default on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("socket", DefaultSocket())
	v.SetDefault("max_request_bytes", control.DefaultMaxRequest)
	v.SetDefault("source", SourcePoll)
	v.SetDefault("poll_interval", 250*time.Millisecond)
	v.SetDefault("bpf_object", "bpf/procmon.o")
	v.SetDefault("store", defaultStore())
	v.SetDefault("system_root", `C:\Windows`)
	v.SetDefault("hash_cache_size", 1024)
	v.SetDefault("rules_dir", "")
	v.SetDefault("database", "")
	v.SetDefault("http.listen", "")
	v.SetDefault("http.default_limit", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads file (if not empty) and environment overrides into a Config.
// Flags bound to v beforehand take precedence.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and enumerations
func (c *Config) Validate() error {
	var errs []error

	switch c.Source {
	case SourcePoll, SourceEBPF, SourceNone:
	default:
		errs = append(errs, fmt.Errorf("source must be one of %s, %s, %s: got %q", SourcePoll, SourceEBPF, SourceNone, c.Source))
	}
	if c.Source == SourcePoll && c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive: got %s", c.PollInterval))
	}
	if _, _, err := ParseStore(c.Store); err != nil {
		errs = append(errs, err)
	}
	if c.MaxRequestBytes < control.EnumHeaderSize {
		errs = append(errs, fmt.Errorf("max_request_bytes must be at least %d", control.EnumHeaderSize))
	}
	if c.HashCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("hash_cache_size must be positive: got %d", c.HashCacheSize))
	}
	if c.HTTP.DefaultLimit < 0 {
		errs = append(errs, fmt.Errorf("http.default_limit must not be negative: got %d", c.HTTP.DefaultLimit))
	}
	if c.Socket == "" {
		errs = append(errs, errors.New("socket must be set"))
	}
	return errors.Join(errs...)
}

// ParseStore splits a store setting into its kind and file path
func ParseStore(s string) (kind, path string, err error) {
	kind, path, _ = strings.Cut(s, ":")
	switch kind {
	case StoreRegistry, StoreNone:
		if path != "" {
			return "", "", fmt.Errorf("store %q takes no path", kind)
		}
	case StoreYAML, StoreSQLite:
		if path == "" {
			return "", "", fmt.Errorf("store %q needs a file path, e.g. %s:/path/to/file", kind, kind)
		}
	default:
		return "", "", fmt.Errorf("unknown store %q", s)
	}
	return kind, path, nil
}
