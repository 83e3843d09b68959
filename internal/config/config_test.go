package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Dispatcher.MaxConcurrentRuns != 8 {
		t.Errorf("expected max_concurrent_runs 8, got %d", cfg.Dispatcher.MaxConcurrentRuns)
	}
	if cfg.Dispatcher.RunTimeout != 15*time.Minute {
		t.Errorf("expected run_timeout 15m, got %v", cfg.Dispatcher.RunTimeout)
	}
	if cfg.NATS.Port != 4222 {
		t.Errorf("expected nats port 4222, got %d", cfg.NATS.Port)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("expected web port 8080, got %d", cfg.Web.Port)
	}
	if !cfg.Web.Enabled {
		t.Error("expected web enabled by default")
	}
	if cfg.Store.Path != "data/sitescope.db" {
		t.Errorf("expected store path data/sitescope.db, got %s", cfg.Store.Path)
	}
	for _, name := range providerNames {
		p, ok := cfg.Providers[name]
		if !ok {
			t.Fatalf("expected default provider %s", name)
		}
		if p.MaxAttempts != 3 {
			t.Errorf("expected %s max_attempts 3, got %d", name, p.MaxAttempts)
		}
	}
	if cfg.Providers["llm"].CallTimeout != time.Minute {
		t.Errorf("expected llm call_timeout 1m, got %v", cfg.Providers["llm"].CallTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	t.Setenv("SITESCOPE_CONFIG", "/nonexistent/config.yaml")
	t.Setenv("SITESCOPE_WEB_PASSWORD", "secret")
	t.Setenv("SITESCOPE_WEB_PORT", "9090")
	t.Setenv("SITESCOPE_SERP_API_KEY", "serp-key")
	t.Setenv("SITESCOPE_MAX_RUNS", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Web.Auth != "secret" {
		t.Errorf("expected web auth secret, got %s", cfg.Web.Auth)
	}
	if cfg.Web.Port != 9090 {
		t.Errorf("expected web port 9090, got %d", cfg.Web.Port)
	}
	if cfg.Providers["serp"].APIKey != "serp-key" {
		t.Errorf("expected serp api key from env, got %q", cfg.Providers["serp"].APIKey)
	}
	if cfg.Dispatcher.MaxConcurrentRuns != 3 {
		t.Errorf("expected max runs 3, got %d", cfg.Dispatcher.MaxConcurrentRuns)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
dispatcher:
  max_concurrent_runs: 2
  task_timeout: 45s
web:
  port: 3000
  enabled: false
providers:
  serp:
    api_key: "${TEST_SERP_KEY}"
  llm:
    max_attempts: 5
workers:
  content:
    timeout: 10m
  link:
    enabled: false
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("SITESCOPE_CONFIG", cfgPath)
	t.Setenv("TEST_SERP_KEY", "expanded-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Dispatcher.MaxConcurrentRuns != 2 {
		t.Errorf("expected max runs 2, got %d", cfg.Dispatcher.MaxConcurrentRuns)
	}
	// Unset keys keep defaults.
	if cfg.Dispatcher.RunTimeout != 15*time.Minute {
		t.Errorf("expected default run timeout, got %v", cfg.Dispatcher.RunTimeout)
	}
	if cfg.Web.Port != 3000 {
		t.Errorf("expected web port 3000, got %d", cfg.Web.Port)
	}
	if cfg.Web.Enabled {
		t.Error("expected web disabled")
	}

	serp := cfg.Providers["serp"]
	if serp.APIKey != "expanded-key" {
		t.Errorf("expected expanded api key, got %q", serp.APIKey)
	}
	if serp.MaxAttempts != 3 || serp.RatePerSecond != 2 {
		t.Errorf("expected serp defaults kept, got %+v", serp)
	}
	if cfg.Providers["llm"].MaxAttempts != 5 {
		t.Errorf("expected llm max_attempts 5, got %d", cfg.Providers["llm"].MaxAttempts)
	}
	if _, ok := cfg.Providers["pagespeed"]; !ok {
		t.Error("expected pagespeed provider kept from defaults")
	}

	if got := cfg.WorkerTimeout("content"); got != 10*time.Minute {
		t.Errorf("expected content timeout 10m, got %v", got)
	}
	if got := cfg.WorkerTimeout("keyword"); got != 2*time.Minute {
		t.Errorf("expected keyword timeout 2m, got %v", got)
	}
	if got := cfg.WorkerTimeout("unknown"); got != 45*time.Second {
		t.Errorf("expected fallback task timeout 45s, got %v", got)
	}
	if cfg.Workers["link"].IsEnabled() {
		t.Error("expected link worker disabled")
	}
	if !cfg.Workers["geo"].IsEnabled() {
		t.Error("expected geo worker enabled")
	}
}

func TestValidate(t *testing.T) {
	cfg := defaults()
	cfg.Dispatcher.MaxConcurrentRuns = 0
	cfg.Dispatcher.RunTimeout = time.Second
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"max_concurrent_runs", "run_timeout", "log.format"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %s, got %v", want, err)
		}
	}
}
