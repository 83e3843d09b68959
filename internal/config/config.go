package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log        LogConfig                 `yaml:"log"`
	NATS       NATSConfig                `yaml:"nats"`
	Store      StoreConfig               `yaml:"store"`
	Web        WebConfig                 `yaml:"web"`
	Dispatcher DispatcherConfig          `yaml:"dispatcher"`
	Crawler    CrawlerConfig             `yaml:"crawler"`
	Providers  map[string]ProviderConfig `yaml:"providers"`
	Workers    map[string]WorkerConfig   `yaml:"workers"`
	Progress   ProgressConfig            `yaml:"progress"`
	Scheduler  SchedulerConfig           `yaml:"scheduler"`
	Telegram   TelegramConfig            `yaml:"telegram"`
	Vault      VaultConfig               `yaml:"vault"`
	Telemetry  TelemetryConfig           `yaml:"telemetry"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

type NATSConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type DispatcherConfig struct {
	MaxConcurrentRuns int           `yaml:"max_concurrent_runs"`
	RunTimeout        time.Duration `yaml:"run_timeout"`
	TaskTimeout       time.Duration `yaml:"task_timeout"`
	Retention         time.Duration `yaml:"retention"`
	PersistQueue      int           `yaml:"persist_queue"`
	DefaultTenant     string        `yaml:"default_tenant"`
	ImpactWeight      float64       `yaml:"impact_weight"`
	EffortWeight      float64       `yaml:"effort_weight"`
}

type CrawlerConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
	MaxBytes  int64         `yaml:"max_bytes"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// ProviderConfig describes one external capability (serp, pagespeed, places, llm).
type ProviderConfig struct {
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
	MaxAttempts   int           `yaml:"max_attempts"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
}

// WorkerConfig holds per-kind worker settings, keyed by kind name.
type WorkerConfig struct {
	Enabled     *bool             `yaml:"enabled,omitempty"`
	Timeout     time.Duration     `yaml:"timeout"`
	MaxKeywords int               `yaml:"max_keywords"`
	Options     map[string]string `yaml:"options"`
}

// IsEnabled reports whether the worker kind may be requested. Kinds are
// enabled unless explicitly switched off.
func (w WorkerConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

type ProgressConfig struct {
	BufferSize     int `yaml:"buffer_size"`
	SubscriberSize int `yaml:"subscriber_size"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type TelegramConfig struct {
	Token      string `yaml:"token"`
	NotifyChat int64  `yaml:"notify_chat"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "otlp-http" or "stdout"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

var providerNames = []string{"serp", "pagespeed", "places", "llm"}

func defaults() Config {
	providers := make(map[string]ProviderConfig, len(providerNames))
	for _, name := range providerNames {
		providers[name] = ProviderConfig{
			RatePerSecond: 2,
			Burst:         4,
			CallTimeout:   20 * time.Second,
			MaxAttempts:   3,
			BaseDelay:     500 * time.Millisecond,
			MaxDelay:      8 * time.Second,
		}
	}
	// LLM-backed analyzers are slow and expensive.
	llm := providers["llm"]
	llm.RatePerSecond = 0.5
	llm.Burst = 2
	llm.CallTimeout = 60 * time.Second
	providers["llm"] = llm

	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		NATS: NATSConfig{
			Host:    "127.0.0.1",
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/sitescope.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Dispatcher: DispatcherConfig{
			MaxConcurrentRuns: 8,
			RunTimeout:        15 * time.Minute,
			TaskTimeout:       3 * time.Minute,
			Retention:         time.Hour,
			PersistQueue:      256,
			DefaultTenant:     "default",
			ImpactWeight:      1,
			EffortWeight:      0.5,
		},
		Crawler: CrawlerConfig{
			Timeout:   30 * time.Second,
			UserAgent: "Mozilla/5.0 (compatible; sitescope/1.0)",
			MaxBytes:  5 << 20,
			CacheTTL:  10 * time.Minute,
		},
		Providers: providers,
		Workers: map[string]WorkerConfig{
			"keyword":   {Timeout: 2 * time.Minute, MaxKeywords: 20},
			"content":   {Timeout: 5 * time.Minute},
			"technical": {Timeout: 3 * time.Minute},
			"geo":       {Timeout: 2 * time.Minute},
			"link":      {Timeout: time.Minute},
		},
		Progress: ProgressConfig{
			BufferSize:     256,
			SubscriberSize: 64,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "otlp-http",
			ServiceName: "sitescope",
			SampleRate:  1,
		},
	}
}

// Default returns the built-in configuration without reading any file or
// environment.
func Default() *Config {
	cfg := defaults()
	return &cfg
}

func Load() (*Config, error) {
	path := os.Getenv("SITESCOPE_CONFIG")
	if path == "" {
		path = "config/sitescope.yaml"
	}
	return LoadFile(path)
}

// LoadFile reads the config at path on top of the defaults. A missing file
// is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		providers, workers := cfg.Providers, cfg.Workers
		cfg.Providers, cfg.Workers = nil, nil
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		cfg.Providers = mergeProviders(providers, cfg.Providers)
		cfg.Workers = mergeWorkers(workers, cfg.Workers)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mergeProviders overlays file entries on the defaults key by key so a
// file that only sets an api_key keeps the default rate and retry policy.
func mergeProviders(defs, file map[string]ProviderConfig) map[string]ProviderConfig {
	out := make(map[string]ProviderConfig, len(defs)+len(file))
	for name, p := range defs {
		out[name] = p
	}
	for name, p := range file {
		base, ok := defs[name]
		if !ok {
			base = defs["serp"]
		}
		out[name] = overlayProvider(base, p)
	}
	return out
}

func mergeWorkers(defs, file map[string]WorkerConfig) map[string]WorkerConfig {
	out := make(map[string]WorkerConfig, len(defs)+len(file))
	for name, w := range defs {
		out[name] = w
	}
	for name, w := range file {
		base := defs[name]
		if w.Timeout == 0 {
			w.Timeout = base.Timeout
		}
		if w.MaxKeywords == 0 {
			w.MaxKeywords = base.MaxKeywords
		}
		out[name] = w
	}
	return out
}

func overlayProvider(base, p ProviderConfig) ProviderConfig {
	if p.BaseURL != "" {
		base.BaseURL = p.BaseURL
	}
	if p.APIKey != "" {
		base.APIKey = p.APIKey
	}
	if p.RatePerSecond != 0 {
		base.RatePerSecond = p.RatePerSecond
	}
	if p.Burst != 0 {
		base.Burst = p.Burst
	}
	if p.CallTimeout != 0 {
		base.CallTimeout = p.CallTimeout
	}
	if p.MaxAttempts != 0 {
		base.MaxAttempts = p.MaxAttempts
	}
	if p.BaseDelay != 0 {
		base.BaseDelay = p.BaseDelay
	}
	if p.MaxDelay != 0 {
		base.MaxDelay = p.MaxDelay
	}
	return base
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SITESCOPE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SITESCOPE_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("SITESCOPE_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("SITESCOPE_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("SITESCOPE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SITESCOPE_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("SITESCOPE_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("SITESCOPE_MAX_RUNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatcher.MaxConcurrentRuns = n
		}
	}

	// Provider API keys: SITESCOPE_SERP_API_KEY, SITESCOPE_LLM_API_KEY, ...
	for name, p := range cfg.Providers {
		key := "SITESCOPE_" + strings.ToUpper(name) + "_API_KEY"
		if v := os.Getenv(key); v != "" {
			p.APIKey = v
			cfg.Providers[name] = p
		}
	}
}

// Validate rejects configurations the dispatcher cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Dispatcher.MaxConcurrentRuns <= 0 {
		errs = append(errs, errors.New("dispatcher.max_concurrent_runs must be positive"))
	}
	if c.Dispatcher.TaskTimeout <= 0 {
		errs = append(errs, errors.New("dispatcher.task_timeout must be positive"))
	}
	if c.Dispatcher.RunTimeout < c.Dispatcher.TaskTimeout {
		errs = append(errs, errors.New("dispatcher.run_timeout must not be shorter than dispatcher.task_timeout"))
	}
	if c.Progress.BufferSize <= 0 {
		errs = append(errs, errors.New("progress.buffer_size must be positive"))
	}
	for name, p := range c.Providers {
		if p.MaxAttempts <= 0 {
			errs = append(errs, fmt.Errorf("providers.%s.max_attempts must be positive", name))
		}
		if p.RatePerSecond <= 0 {
			errs = append(errs, fmt.Errorf("providers.%s.rate_per_second must be positive", name))
		}
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// WorkerTimeout returns the configured budget for a worker kind, falling
// back to the dispatcher-wide task timeout.
func (c *Config) WorkerTimeout(kind string) time.Duration {
	if w, ok := c.Workers[kind]; ok && w.Timeout > 0 {
		return w.Timeout
	}
	return c.Dispatcher.TaskTimeout
}
