// Package config loads tokenflow settings from a YAML file, TOKENFLOW_*
// environment variables and built-in defaults, and watches the file for
// changes.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	tferrors "github.com/vnykmshr/tokenflow/pkg/common/errors"
	"github.com/vnykmshr/tokenflow/pkg/common/validation"
)

// EnvPrefix is prepended to environment overrides, e.g. TOKENFLOW_LIMITER_RATE.
const EnvPrefix = "TOKENFLOW"

// Config holds the full configuration of the tokenflow command.
type Config struct {
	Limiter  LimiterConfig    `mapstructure:"limiter" yaml:"limiter"`
	Keyed    KeyedConfig      `mapstructure:"keyed" yaml:"keyed"`
	Workload WorkloadConfig   `mapstructure:"workload" yaml:"workload"`
	Schedule []ScheduleConfig `mapstructure:"schedule" yaml:"schedule"`
	Log      LogConfig        `mapstructure:"log" yaml:"log"`
	Metrics  MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
}

// LimiterConfig describes the token bucket. Rate and Burst are the only
// fields picked up by a live reload.
type LimiterConfig struct {
	Name          string  `mapstructure:"name" yaml:"name"`
	Rate          float64 `mapstructure:"rate" yaml:"rate"`                     // tokens per second
	Burst         float64 `mapstructure:"burst" yaml:"burst"`                   // bucket capacity
	InitialTokens float64 `mapstructure:"initial_tokens" yaml:"initial_tokens"` // negative starts full
}

// KeyedConfig switches the workload to one bucket per key.
type KeyedConfig struct {
	Keys            int           `mapstructure:"keys" yaml:"keys"` // 0 disables keyed mode
	TTL             time.Duration `mapstructure:"ttl" yaml:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
}

// WorkloadConfig describes the demo workers.
type WorkloadConfig struct {
	Workers      int           `mapstructure:"workers" yaml:"workers"`
	Tokens       float64       `mapstructure:"tokens" yaml:"tokens"`               // per request
	MaxWait      time.Duration `mapstructure:"max_wait" yaml:"max_wait"`           // per request
	Mode         string        `mapstructure:"mode" yaml:"mode"`                   // wait or reserve
	Iterations   int           `mapstructure:"iterations" yaml:"iterations"`       // per worker, 0 runs until stopped
	RetryBackoff time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"` // pause after a refusal
}

// ScheduleConfig is one scheduled change. Exactly one of After and Cron
// must be set, and at least one of Rate and Burst.
type ScheduleConfig struct {
	ID    string        `mapstructure:"id" yaml:"id,omitempty"`
	After time.Duration `mapstructure:"after" yaml:"after,omitempty"`
	Cron  string        `mapstructure:"cron" yaml:"cron,omitempty"`
	Rate  *float64      `mapstructure:"rate" yaml:"rate,omitempty"`
	Burst *float64      `mapstructure:"burst" yaml:"burst,omitempty"`
}

// LogConfig selects the log level and optional rotating log file.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr      string `mapstructure:"addr" yaml:"addr"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// Manager loads and watches the configuration.
type Manager interface {
	Load() error
	GetConfig() *Config
	Watch(onChange func(newConfig *Config))
	ConfigFile() string
}

type viperManager struct {
	v      *viper.Viper
	config *Config
	mu     sync.RWMutex
}

// NewManager creates a manager reading configPath. An empty path, or a
// path that does not exist, leaves defaults and environment in effect.
func NewManager(configPath string) Manager {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("tokenflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	return &viperManager{
		v:      v,
		config: &Config{},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("limiter.name", "default")
	v.SetDefault("limiter.rate", 3.0)
	v.SetDefault("limiter.burst", 5.0)
	v.SetDefault("limiter.initial_tokens", 0.0)

	v.SetDefault("keyed.keys", 0)
	v.SetDefault("keyed.ttl", 10*time.Minute)
	v.SetDefault("keyed.cleanup_interval", time.Minute)

	v.SetDefault("workload.workers", 5)
	v.SetDefault("workload.tokens", 2.0)
	v.SetDefault("workload.max_wait", 20*time.Second)
	v.SetDefault("workload.mode", "wait")
	v.SetDefault("workload.iterations", 5)
	v.SetDefault("workload.retry_backoff", 10*time.Millisecond)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.namespace", "tokenflow")
}

func (m *viperManager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.v.ReadInConfig(); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := m.v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.config = cfg
	return nil
}

func (m *viperManager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

func (m *viperManager) ConfigFile() string {
	return m.v.ConfigFileUsed()
}

// Watch calls onChange with every reloaded configuration that validates.
// Invalid edits are ignored and the previous configuration stays current.
func (m *viperManager) Watch(onChange func(newConfig *Config)) {
	m.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg := &Config{}
		if err := m.v.Unmarshal(cfg); err != nil || cfg.Validate() != nil {
			return
		}

		m.mu.Lock()
		m.config = cfg
		m.mu.Unlock()

		if onChange != nil {
			onChange(cfg)
		}
	})
	m.v.WatchConfig()
}

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return true
	}
	// SetConfigFile reports a missing file as a plain fs error.
	return errors.Is(err, fs.ErrNotExist)
}

// Validate checks the values the limiter and workload cannot repair on
// their own. Out-of-range limiter parameters are left to the limiter,
// which clamps them.
func (c *Config) Validate() error {
	if err := validation.ValidatePositive("config", "workload.workers", c.Workload.Workers); err != nil {
		return err
	}
	if err := validation.ValidateNonNegative("config", "workload.tokens", c.Workload.Tokens); err != nil {
		return err
	}
	if c.Workload.Tokens > c.Limiter.Burst {
		return tferrors.NewValidationError("config", "workload.tokens", c.Workload.Tokens, "exceeds limiter.burst").
			WithHint(fmt.Sprintf("a request for more than %v tokens can never be granted", c.Limiter.Burst))
	}
	if err := validation.ValidateNonNegativeDuration("config", "workload.max_wait", c.Workload.MaxWait); err != nil {
		return err
	}
	if err := validation.ValidateNonNegativeDuration("config", "workload.retry_backoff", c.Workload.RetryBackoff); err != nil {
		return err
	}
	switch c.Workload.Mode {
	case "wait", "reserve":
	default:
		return tferrors.NewValidationError("config", "workload.mode", c.Workload.Mode, "unknown mode").
			WithHint("use wait or reserve")
	}
	if c.Keyed.Keys < 0 {
		return tferrors.NewValidationError("config", "keyed.keys", c.Keyed.Keys, "cannot be negative")
	}

	seen := make(map[string]bool)
	for i, s := range c.Schedule {
		field := fmt.Sprintf("schedule[%d]", i)
		if (s.After > 0) == (s.Cron != "") {
			return tferrors.NewValidationError("config", field, s.ID, "needs exactly one of after and cron")
		}
		if s.After < 0 {
			return tferrors.NewValidationError("config", field+".after", s.After, "cannot be negative")
		}
		if s.Rate == nil && s.Burst == nil {
			return tferrors.NewValidationError("config", field, s.ID, "changes nothing").
				WithHint("set rate, burst or both")
		}
		if s.ID != "" {
			if seen[s.ID] {
				return tferrors.NewValidationError("config", field+".id", s.ID, "duplicate id")
			}
			seen[s.ID] = true
		}
	}
	return nil
}

// YAML renders c as a YAML document.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
