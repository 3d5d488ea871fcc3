// Package config provides configuration loading for the builder runtime.
// Every timing, threshold, and weight the pipeline uses is a tunable here,
// loaded from YAML and MEDIAKIT_ environment variables with sane defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the complete runtime configuration.
type Config struct {
	Logging     LoggingConfig     `yaml:"logging" mapstructure:"logging"`
	State       StateConfig       `yaml:"state" mapstructure:"state"`
	Queue       QueueConfig       `yaml:"queue" mapstructure:"queue"`
	Validator   ValidatorConfig   `yaml:"validator" mapstructure:"validator"`
	Recovery    RecoveryConfig    `yaml:"recovery" mapstructure:"recovery"`
	Diff        DiffConfig        `yaml:"diff" mapstructure:"diff"`
	UIRegistry  UIRegistryConfig  `yaml:"ui_registry" mapstructure:"ui_registry"`
	Persistence PersistenceConfig `yaml:"persistence" mapstructure:"persistence"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// StateConfig controls the state store.
type StateConfig struct {
	// MaxHistorySize bounds the undo/redo history.
	MaxHistorySize int `yaml:"max_history_size" mapstructure:"max_history_size"`
	// SchemaVersion is written into serialized state.
	SchemaVersion string `yaml:"schema_version" mapstructure:"schema_version"`
}

// QueueConfig controls the render queue.
type QueueConfig struct {
	BatchSize        int             `yaml:"batch_size" mapstructure:"batch_size"`
	BatchDelay       time.Duration   `yaml:"batch_delay" mapstructure:"batch_delay"`
	MaxConcurrent    int             `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	MaxRetries       int             `yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelays      []time.Duration `yaml:"retry_delays" mapstructure:"retry_delays"`
	RenderTimeout    time.Duration   `yaml:"render_timeout" mapstructure:"render_timeout"`
	AckTimeout       time.Duration   `yaml:"ack_timeout" mapstructure:"ack_timeout"`
	BreakerThreshold int             `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerReset     time.Duration   `yaml:"breaker_reset" mapstructure:"breaker_reset"`
	// HardFailureScore is the health score below which a render result is
	// rejected outright instead of entering the component tree.
	HardFailureScore int `yaml:"hard_failure_score" mapstructure:"hard_failure_score"`
}

// ValidatorWeights are the per-check weights of the health score.
type ValidatorWeights struct {
	DOMStructure  int `yaml:"dom_structure" mapstructure:"dom_structure"`
	CSSClasses    int `yaml:"css_classes" mapstructure:"css_classes"`
	DataIntegrity int `yaml:"data_integrity" mapstructure:"data_integrity"`
	EventHandlers int `yaml:"event_handlers" mapstructure:"event_handlers"`
	Content       int `yaml:"content" mapstructure:"content"`
	Accessibility int `yaml:"accessibility" mapstructure:"accessibility"`
	Performance   int `yaml:"performance" mapstructure:"performance"`
}

// ValidatorConfig controls the render validator.
type ValidatorConfig struct {
	Weights           ValidatorWeights `yaml:"weights" mapstructure:"weights"`
	HealthThreshold   int              `yaml:"health_threshold" mapstructure:"health_threshold"`
	RecoveryThreshold int              `yaml:"recovery_threshold" mapstructure:"recovery_threshold"`
	CacheTTL          time.Duration    `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	// ZombieStaleAfter marks a fragment stale when its render timestamp is
	// older than this.
	ZombieStaleAfter time.Duration `yaml:"zombie_stale_after" mapstructure:"zombie_stale_after"`
	// ZombieIndicatorMin is how many indicators must hold before a fragment
	// is declared a zombie.
	ZombieIndicatorMin int `yaml:"zombie_indicator_min" mapstructure:"zombie_indicator_min"`
}

// RecoveryConfig controls the recovery manager.
type RecoveryConfig struct {
	MaxRetryAttempts      int             `yaml:"max_retry_attempts" mapstructure:"max_retry_attempts"`
	RetryDelays           []time.Duration `yaml:"retry_delays" mapstructure:"retry_delays"`
	FallbackCacheTTL      time.Duration   `yaml:"fallback_cache_ttl" mapstructure:"fallback_cache_ttl"`
	LastGoodTTL           time.Duration   `yaml:"last_good_ttl" mapstructure:"last_good_ttl"`
	OveruseRatio          float64         `yaml:"overuse_ratio" mapstructure:"overuse_ratio"`
	BreakerThreshold      int             `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerReset          time.Duration   `yaml:"breaker_reset" mapstructure:"breaker_reset"`
	NotificationThreshold int             `yaml:"notification_threshold" mapstructure:"notification_threshold"`
	NotificationCooldown  time.Duration   `yaml:"notification_cooldown" mapstructure:"notification_cooldown"`
	HealthSweepInterval   time.Duration   `yaml:"health_sweep_interval" mapstructure:"health_sweep_interval"`
}

// DiffConfig controls the diff engine.
type DiffConfig struct {
	Debounce       time.Duration `yaml:"debounce" mapstructure:"debounce"`
	StuckThreshold time.Duration `yaml:"stuck_threshold" mapstructure:"stuck_threshold"`
	StuckCeiling   time.Duration `yaml:"stuck_ceiling" mapstructure:"stuck_ceiling"`
}

// UIRegistryConfig controls the UI update registry.
type UIRegistryConfig struct {
	// FrameInterval is the flush cadence for batched UI updates.
	FrameInterval time.Duration `yaml:"frame_interval" mapstructure:"frame_interval"`
}

// PersistenceConfig controls the on-disk state store.
type PersistenceConfig struct {
	Enabled      bool          `yaml:"enabled" mapstructure:"enabled"`
	Path         string        `yaml:"path" mapstructure:"path"`
	SaveDebounce time.Duration `yaml:"save_debounce" mapstructure:"save_debounce"`
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config defaults do not unmarshal: %v", err))
	}

	return &cfg
}

// Load reads configuration from the given YAML file (optional) merged over
// defaults and MEDIAKIT_ environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MEDIAKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// YAML renders the configuration as a YAML document, suitable as a starting
// point for a config file.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	return out, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("state.max_history_size", 50)
	v.SetDefault("state.schema_version", "2.0")

	v.SetDefault("queue.batch_size", 8)
	v.SetDefault("queue.batch_delay", 50*time.Millisecond)
	v.SetDefault("queue.max_concurrent", 3)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.retry_delays", []time.Duration{
		100 * time.Millisecond,
		250 * time.Millisecond,
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
	})
	v.SetDefault("queue.render_timeout", 5*time.Second)
	v.SetDefault("queue.ack_timeout", 5*time.Second)
	v.SetDefault("queue.breaker_threshold", 5)
	v.SetDefault("queue.breaker_reset", 30*time.Second)
	v.SetDefault("queue.hard_failure_score", 30)

	v.SetDefault("validator.weights.dom_structure", 25)
	v.SetDefault("validator.weights.css_classes", 15)
	v.SetDefault("validator.weights.data_integrity", 20)
	v.SetDefault("validator.weights.event_handlers", 15)
	v.SetDefault("validator.weights.content", 10)
	v.SetDefault("validator.weights.accessibility", 10)
	v.SetDefault("validator.weights.performance", 5)
	v.SetDefault("validator.health_threshold", 75)
	v.SetDefault("validator.recovery_threshold", 60)
	v.SetDefault("validator.cache_ttl", 30*time.Second)
	v.SetDefault("validator.zombie_stale_after", time.Minute)
	v.SetDefault("validator.zombie_indicator_min", 3)

	v.SetDefault("recovery.max_retry_attempts", 3)
	v.SetDefault("recovery.retry_delays", []time.Duration{
		250 * time.Millisecond,
		750 * time.Millisecond,
		2 * time.Second,
	})
	v.SetDefault("recovery.fallback_cache_ttl", 5*time.Minute)
	v.SetDefault("recovery.last_good_ttl", 10*time.Minute)
	v.SetDefault("recovery.overuse_ratio", 0.8)
	v.SetDefault("recovery.breaker_threshold", 5)
	v.SetDefault("recovery.breaker_reset", time.Minute)
	v.SetDefault("recovery.notification_threshold", 3)
	v.SetDefault("recovery.notification_cooldown", 30*time.Second)
	v.SetDefault("recovery.health_sweep_interval", 10*time.Second)

	v.SetDefault("diff.debounce", 50*time.Millisecond)
	v.SetDefault("diff.stuck_threshold", 5*time.Second)
	v.SetDefault("diff.stuck_ceiling", 10*time.Second)

	v.SetDefault("ui_registry.frame_interval", 16*time.Millisecond)

	v.SetDefault("persistence.enabled", false)
	v.SetDefault("persistence.path", "mediakit.db")
	v.SetDefault("persistence.save_debounce", time.Second)
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.State.MaxHistorySize < 1 {
		return fmt.Errorf("state.max_history_size must be positive, got %d", c.State.MaxHistorySize)
	}

	if c.Queue.BatchSize < 1 {
		return fmt.Errorf("queue.batch_size must be positive, got %d", c.Queue.BatchSize)
	}

	if c.Queue.MaxConcurrent < 1 {
		return fmt.Errorf("queue.max_concurrent must be positive, got %d", c.Queue.MaxConcurrent)
	}

	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must not be negative, got %d", c.Queue.MaxRetries)
	}

	if len(c.Queue.RetryDelays) == 0 {
		return fmt.Errorf("queue.retry_delays must not be empty")
	}

	total := c.Validator.Weights.Total()
	if total <= 0 {
		return fmt.Errorf("validator.weights must sum to a positive total, got %d", total)
	}

	if c.Validator.HealthThreshold < 0 || c.Validator.HealthThreshold > 100 {
		return fmt.Errorf("validator.health_threshold must be in [0,100], got %d", c.Validator.HealthThreshold)
	}

	if c.Validator.RecoveryThreshold > c.Validator.HealthThreshold {
		return fmt.Errorf("validator.recovery_threshold %d exceeds health_threshold %d",
			c.Validator.RecoveryThreshold, c.Validator.HealthThreshold)
	}

	if c.Recovery.OveruseRatio <= 0 || c.Recovery.OveruseRatio > 1 {
		return fmt.Errorf("recovery.overuse_ratio must be in (0,1], got %f", c.Recovery.OveruseRatio)
	}

	if c.Diff.Debounce < 0 {
		return fmt.Errorf("diff.debounce must not be negative, got %s", c.Diff.Debounce)
	}

	if c.UIRegistry.FrameInterval <= 0 {
		return fmt.Errorf("ui_registry.frame_interval must be positive, got %s", c.UIRegistry.FrameInterval)
	}

	return nil
}

// Total returns the sum of all weights.
func (w ValidatorWeights) Total() int {
	return w.DOMStructure + w.CSSClasses + w.DataIntegrity +
		w.EventHandlers + w.Content + w.Accessibility + w.Performance
}
