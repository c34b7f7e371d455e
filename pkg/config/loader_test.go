package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Service.Name != "tenantstore" {
		t.Errorf("expected service name tenantstore, got %s", cfg.Service.Name)
	}
	if cfg.Service.Environment != "production" {
		t.Errorf("expected environment production, got %s", cfg.Service.Environment)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.Observability.LogLevel)
	}
	if cfg.Observability.LogFormat != "json" {
		t.Errorf("expected log format 'json', got %s", cfg.Observability.LogFormat)
	}
	if cfg.Observability.TracingEnabled {
		t.Error("expected tracing to be disabled by default")
	}
	if len(cfg.Providers) != 0 {
		t.Errorf("expected no providers, got %d", len(cfg.Providers))
	}
}

func TestViperLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewViperLoader("", "TSTEST").Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "tenantstore" {
		t.Errorf("expected default service name, got %s", cfg.Service.Name)
	}
	if cfg.Providers == nil || len(cfg.Providers) != 0 {
		t.Errorf("expected empty non-nil providers, got %#v", cfg.Providers)
	}
}

func TestViperLoader_LoadFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
service:
  name: orders-api
observability:
  log_level: DEBUG
  log_format: text
providers:
  - name: orders
    type: MongoDB
    config:
      url: mongodb://localhost:27017
      operation_timeout: 3s
      pool:
        max_size: 4
  - name: cache
    type: redis
    config:
      url: redis://localhost:6379/0
`)

	cfg, err := NewViperLoader(path, "TSTEST").Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "orders-api" {
		t.Errorf("service.name = %s", cfg.Service.Name)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("log level should be normalized to lower case, got %s", cfg.Observability.LogLevel)
	}
	if len(cfg.Providers) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(cfg.Providers))
	}
	orders := cfg.Providers[0]
	if orders.Name != "orders" || orders.Type != "mongodb" {
		t.Errorf("unexpected first provider %+v", orders)
	}
	if orders.Config["url"] != "mongodb://localhost:27017" {
		t.Errorf("url = %v", orders.Config["url"])
	}
	pool, ok := orders.Config["pool"].(map[string]any)
	if !ok {
		t.Fatalf("pool should decode as a map, got %T", orders.Config["pool"])
	}
	if pool["max_size"] != 4 {
		t.Errorf("pool.max_size = %v (%T)", pool["max_size"], pool["max_size"])
	}
	if _, ok := cfg.Find("cache"); !ok {
		t.Error("Find(cache) should succeed")
	}
	if _, ok := cfg.Find("missing"); ok {
		t.Error("Find(missing) should fail")
	}
}

func TestViperLoader_MissingFile(t *testing.T) {
	_, err := NewViperLoader(filepath.Join(t.TempDir(), "nope.yaml"), "TSTEST").Load()
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestViperLoader_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
service:
  name: from-file
providers:
  - name: file-provider
    type: memory
`)
	t.Setenv("TSTEST_SERVICE_NAME", "from-env")
	t.Setenv("TSTEST_LOG_LEVEL", "warn")
	t.Setenv("TSTEST_PROVIDERS", `[{"name": "env-provider", "type": "memory"}]`)

	cfg, err := NewViperLoader(path, "TSTEST").Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "from-env" {
		t.Errorf("service.name = %s, want from-env", cfg.Service.Name)
	}
	if cfg.Observability.LogLevel != "warn" {
		t.Errorf("log level = %s, want warn", cfg.Observability.LogLevel)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].Name != "env-provider" {
		t.Errorf("providers = %+v, want env-provider only", cfg.Providers)
	}
}

func TestViperLoader_EnvProvidersYAML(t *testing.T) {
	t.Setenv("TSTEST_PROVIDERS", "- name: a\n  type: memory\n- name: b\n  type: memory\n")

	cfg, err := NewViperLoader("", "TSTEST").Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Providers) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(cfg.Providers))
	}
}

func TestViperLoader_InvalidProviders(t *testing.T) {
	tests := []struct {
		name string
		env  string
	}{
		{name: "not a sequence", env: "not-an-array"},
		{name: "duplicate names", env: `[{"name":"a","type":"memory"},{"name":"a","type":"memory"}]`},
		{name: "missing type", env: `[{"name":"a"}]`},
		{name: "unknown key", env: `[{"name":"a","type":"memory","url":"x"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TSTEST_PROVIDERS", tt.env)
			_, err := NewViperLoader("", "TSTEST").Load()
			if !errors.Is(err, ErrInvalidProviders) {
				t.Fatalf("expected ErrInvalidProviders, got %v", err)
			}
		})
	}
}

func TestViperLoader_InvalidObservability(t *testing.T) {
	t.Setenv("TSTEST_LOG_FORMAT", "xml")
	t.Setenv("TSTEST_OBSERVABILITY_TRACING_SAMPLE_RATE", "2")

	_, err := NewViperLoader("", "TSTEST").Load()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"log_format", "tracing_sample_rate"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %s", err, want)
		}
	}
}

func TestPrefixedEnvDefaultsToTenantstore(t *testing.T) {
	l := NewViperLoader("", "")
	if got := l.prefixedEnv("PROVIDERS"); got != "TENANTSTORE_PROVIDERS" {
		t.Errorf("prefixedEnv = %s", got)
	}
}
