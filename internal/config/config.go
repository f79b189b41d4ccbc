// Package config handles planwright configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/planwright/config.yaml, /etc/planwright/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "planwright", "config.yaml"))
	}

	paths = append(paths, "/etc/planwright/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all planwright configuration. The top-level *_seconds,
// *_bytes, *_records and retry_* keys are the runtime's core tuning
// knobs; nested sections configure the surrounding infrastructure.
type Config struct {
	TTLSeconds               int     `yaml:"ttl_seconds"`
	CompactionThresholdBytes int     `yaml:"compaction_threshold_bytes"`
	RetentionWindowRecords   int     `yaml:"retention_window_records"`
	MaxLoopIterations        int     `yaml:"max_loop_iterations"`
	LoopDeadlineSeconds      int     `yaml:"loop_deadline_seconds"`
	RetryCount               int     `yaml:"retry_count"`
	RetryBackoffBase         float64 `yaml:"retry_backoff_base"` // seconds
	SpecialistTimeoutSeconds int     `yaml:"specialist_timeout_seconds"`

	Listen     ListenConfig     `yaml:"listen"`
	Storage    StorageConfig    `yaml:"storage"`
	Session    SessionConfig    `yaml:"session"`
	Compaction CompactionConfig `yaml:"compaction"`
	Loop       LoopConfig       `yaml:"loop"`
	Specialist SpecialistConfig `yaml:"specialist"`
	LLM        LLMConfig        `yaml:"llm"`
	Search     SearchConfig     `yaml:"search"`
	MQTT       MQTTConfig       `yaml:"mqtt"`

	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// StorageConfig selects the durable record backend.
type StorageConfig struct {
	// Driver is the database/sql driver name: "sqlite3" (cgo,
	// mattn/go-sqlite3) or "sqlite" (pure Go, modernc.org/sqlite).
	Driver string `yaml:"driver"`
	// Path is the database file. Relative paths resolve against DataDir.
	Path string `yaml:"path"`
}

// SessionConfig tunes the session reaper.
type SessionConfig struct {
	ReapIntervalSeconds int `yaml:"reap_interval_seconds"`
}

// CompactionConfig bounds the summary produced by compaction.
type CompactionConfig struct {
	MaxSummaryBytes int `yaml:"max_summary_bytes"`
}

// LoopConfig tunes convergence and concurrency of adaptive loop runs.
type LoopConfig struct {
	// ConvergenceScore is the evaluator composite score (0-100) at or
	// above which a run is considered converged.
	ConvergenceScore float64 `yaml:"convergence_score"`
	// MinImprovement is the smallest score gain between successive
	// iterations that still counts as progress.
	MinImprovement float64 `yaml:"min_improvement"`
	// MaxConsecutiveFailures is how many iterations with every stage
	// failing are tolerated before the run is marked failed.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
	// MaxConcurrentRuns caps loop runs executing at once.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`
}

// SpecialistConfig tunes the specialist invoker beyond the core knobs.
type SpecialistConfig struct {
	MaxConcurrentCalls int     `yaml:"max_concurrent_calls"`
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"` // 0 disables
	// TimeoutSeconds overrides specialist_timeout_seconds per kind
	// (plan, optimize, progress, resource, motivate, evaluate).
	TimeoutSeconds map[string]int `yaml:"timeout_seconds"`
}

// LLMConfig selects the live model provider. An empty Provider runs
// every specialist in deterministic fallback mode.
type LLMConfig struct {
	Provider string `yaml:"provider"` // "", "ollama", "anthropic"
	Model    string `yaml:"model"`

	// URL is the Ollama base URL. When set alongside an anthropic
	// provider, Ollama is registered as a second provider for Routes.
	URL string `yaml:"url"`

	// APIKey authenticates the Anthropic provider.
	APIKey string `yaml:"api_key"`

	// KindModels overrides Model per specialist kind.
	KindModels map[string]string `yaml:"kind_models"`

	// Routes maps a model name to the provider that serves it. Models
	// not listed go to Provider.
	Routes map[string]string `yaml:"routes"`

	// Pricing maps a model name to its token prices for the usage
	// ledger. Unlisted models (local Ollama models) cost nothing.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry is the USD price of a model per million tokens.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// SearchConfig configures the web search backend used by the
// resource specialist.
type SearchConfig struct {
	Provider string        `yaml:"provider"` // "", "searxng", "brave"
	SearXNG  SearXNGConfig `yaml:"searxng"`
	Brave    BraveConfig   `yaml:"brave"`
}

// SearXNGConfig holds configuration for the SearXNG provider.
type SearXNGConfig struct {
	URL string `yaml:"url"`
}

// BraveConfig holds configuration for the Brave Search provider.
type BraveConfig struct {
	APIKey string `yaml:"api_key"`
}

// MQTTConfig configures the optional health publisher.
type MQTTConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Broker             string `yaml:"broker"` // mqtt://host:1883 or mqtts://
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"` // Home Assistant discovery root; empty disables discovery
	PublishIntervalSec int    `yaml:"publish_interval_seconds"`
}

// Configured reports whether enough is set to connect.
func (c MQTTConfig) Configured() bool {
	return c.Broker != "" && c.DeviceName != ""
}

// PublishInterval returns the state publish period.
func (c MQTTConfig) PublishInterval() time.Duration {
	return time.Duration(c.PublishIntervalSec) * time.Second
}

// Load reads configuration from a YAML file. Keys absent from the file
// keep their [Default] values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		TTLSeconds:               3600,
		CompactionThresholdBytes: 64 * 1024,
		RetentionWindowRecords:   20,
		MaxLoopIterations:        5,
		LoopDeadlineSeconds:      300,
		RetryCount:               2,
		RetryBackoffBase:         0.5,
		SpecialistTimeoutSeconds: 30,

		Listen:     ListenConfig{Port: 8080},
		Storage:    StorageConfig{Driver: "sqlite3", Path: "planwright.db"},
		Session:    SessionConfig{ReapIntervalSeconds: 60},
		Compaction: CompactionConfig{MaxSummaryBytes: 4096},
		Loop: LoopConfig{
			ConvergenceScore:       80,
			MinImprovement:         1.0,
			MaxConsecutiveFailures: 2,
			MaxConcurrentRuns:      16,
		},
		Specialist: SpecialistConfig{MaxConcurrentCalls: 32},
		MQTT: MQTTConfig{
			DeviceName:         "planwright",
			DiscoveryPrefix:    "homeassistant",
			PublishIntervalSec: 60,
		},
		DataDir: ".",
	}
}

// Validate checks that every knob is in range. It reports all problems
// at once rather than stopping at the first.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}

	positive("ttl_seconds", c.TTLSeconds)
	positive("compaction_threshold_bytes", c.CompactionThresholdBytes)
	positive("max_loop_iterations", c.MaxLoopIterations)
	positive("loop_deadline_seconds", c.LoopDeadlineSeconds)
	positive("specialist_timeout_seconds", c.SpecialistTimeoutSeconds)
	positive("session.reap_interval_seconds", c.Session.ReapIntervalSeconds)
	positive("compaction.max_summary_bytes", c.Compaction.MaxSummaryBytes)
	positive("loop.max_concurrent_runs", c.Loop.MaxConcurrentRuns)
	positive("loop.max_consecutive_failures", c.Loop.MaxConsecutiveFailures)
	positive("specialist.max_concurrent_calls", c.Specialist.MaxConcurrentCalls)

	if c.RetentionWindowRecords < 0 {
		errs = append(errs, fmt.Errorf("retention_window_records must not be negative, got %d", c.RetentionWindowRecords))
	}
	if c.RetryCount < 0 {
		errs = append(errs, fmt.Errorf("retry_count must not be negative, got %d", c.RetryCount))
	}
	if c.RetryBackoffBase < 0 {
		errs = append(errs, fmt.Errorf("retry_backoff_base must not be negative, got %v", c.RetryBackoffBase))
	}
	if c.Loop.ConvergenceScore < 0 || c.Loop.ConvergenceScore > 100 {
		errs = append(errs, fmt.Errorf("loop.convergence_score must be within 0-100, got %v", c.Loop.ConvergenceScore))
	}
	if c.Compaction.MaxSummaryBytes >= c.CompactionThresholdBytes {
		errs = append(errs, fmt.Errorf("compaction.max_summary_bytes (%d) must be below compaction_threshold_bytes (%d)",
			c.Compaction.MaxSummaryBytes, c.CompactionThresholdBytes))
	}
	switch c.Storage.Driver {
	case "sqlite3", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q unsupported (valid: sqlite3, sqlite)", c.Storage.Driver))
	}
	switch c.LLM.Provider {
	case "", "ollama":
	case "anthropic":
		if c.LLM.APIKey == "" {
			errs = append(errs, errors.New("llm.api_key is required when llm.provider is anthropic"))
		}
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q unsupported (valid: ollama, anthropic)", c.LLM.Provider))
	}
	if c.LLM.Provider != "" && c.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required when llm.provider is set"))
	}
	for model, p := range c.LLM.Pricing {
		if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
			errs = append(errs, fmt.Errorf("llm.pricing[%s]: prices must not be negative", model))
		}
	}
	for model, provider := range c.LLM.Routes {
		if provider != "ollama" && provider != "anthropic" {
			errs = append(errs, fmt.Errorf("llm.routes[%s]: provider %q unsupported", model, provider))
		}
	}
	switch c.Search.Provider {
	case "":
	case "searxng":
		if c.Search.SearXNG.URL == "" {
			errs = append(errs, errors.New("search.searxng.url is required when search.provider is searxng"))
		}
	case "brave":
		if c.Search.Brave.APIKey == "" {
			errs = append(errs, errors.New("search.brave.api_key is required when search.provider is brave"))
		}
	default:
		errs = append(errs, fmt.Errorf("search.provider %q unsupported (valid: searxng, brave)", c.Search.Provider))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt.enabled is true"))
	}
	if c.MQTT.Enabled && c.MQTT.PublishIntervalSec <= 0 {
		errs = append(errs, fmt.Errorf("mqtt.publish_interval_seconds must be positive, got %d", c.MQTT.PublishIntervalSec))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q unsupported (valid: text, json)", c.LogFormat))
	}

	return errors.Join(errs...)
}

// TTL returns the session time-to-live.
func (c *Config) TTL() time.Duration { return seconds(c.TTLSeconds) }

// LoopDeadline returns the wall-clock budget of one loop run.
func (c *Config) LoopDeadline() time.Duration { return seconds(c.LoopDeadlineSeconds) }

// SpecialistTimeout returns the default per-call specialist timeout.
func (c *Config) SpecialistTimeout() time.Duration { return seconds(c.SpecialistTimeoutSeconds) }

// RetryBackoff returns the base delay of the retry backoff schedule.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffBase * float64(time.Second))
}

// ReapInterval returns how often the session reaper scans.
func (c *Config) ReapInterval() time.Duration { return seconds(c.Session.ReapIntervalSeconds) }

// StoragePath returns the database path, resolved against DataDir.
func (c *Config) StoragePath() string {
	if filepath.IsAbs(c.Storage.Path) || c.DataDir == "" {
		return c.Storage.Path
	}
	return filepath.Join(c.DataDir, c.Storage.Path)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
