package factory

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/nimburion/tenantstore/pkg/config"
	"github.com/nimburion/tenantstore/pkg/document"
	"github.com/nimburion/tenantstore/pkg/pool"
	"github.com/nimburion/tenantstore/pkg/provider"
	"github.com/nimburion/tenantstore/pkg/tenant"
)

func configure(t *testing.T, providers ...config.ProviderConfig) *provider.Registry {
	t.Helper()
	reg := provider.NewRegistry(Builtin(), nil)
	if err := reg.Configure(context.Background(), providers); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func accessor(t *testing.T, reg *provider.Registry, name string) *tenant.Accessor {
	t.Helper()
	a, ok := provider.Lookup[*tenant.Accessor](reg, name)
	if !ok {
		t.Fatalf("provider %q is not an accessor", name)
	}
	return a
}

// scenario runs insert, findById, remove, findById against tenant t1, collection c.
func scenario(t *testing.T, a *tenant.Accessor) {
	t.Helper()
	ctx := context.Background()

	res, err := a.Insert(ctx, "t1", "c", document.Document{"name": "x"})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	found, err := a.FindByID(ctx, "t1", "c", res.InsertedID)
	if err != nil || found == nil || found["name"] != "x" {
		t.Fatalf("FindByID() = %v, %v", found, err)
	}
	removed, err := a.Remove(ctx, "t1", "c", document.Filter{"name": "x"})
	if err != nil || removed == nil {
		t.Fatalf("Remove() = %v, %v", removed, err)
	}
	gone, err := a.FindByID(ctx, "t1", "c", res.InsertedID)
	if err != nil || gone != nil {
		t.Fatalf("FindByID() after remove = %v, %v; want absent", gone, err)
	}
}

func TestBuiltin(t *testing.T) {
	var types []string
	for name, f := range Builtin() {
		if f == nil {
			t.Errorf("factory %q is nil", name)
		}
		types = append(types, name)
	}
	sort.Strings(types)
	if !reflect.DeepEqual(types, []string{"memory", "mongodb", "redis"}) {
		t.Errorf("Builtin() types = %v", types)
	}
}

func TestMemoryProvider(t *testing.T) {
	reg := configure(t,
		config.ProviderConfig{Name: "a", Type: "memory"},
		config.ProviderConfig{Name: "b", Type: "memory", Config: map[string]any{"pool": map[string]any{"max_size": 2}}},
	)

	a := accessor(t, reg, "a")
	b := accessor(t, reg, "b")
	if a.Provider() != "a" || b.Provider() != "b" {
		t.Errorf("providers = %s, %s", a.Provider(), b.Provider())
	}
	scenario(t, a)

	// Each memory provider owns its data.
	ctx := context.Background()
	if _, err := a.Insert(ctx, "t1", "c", document.Document{"only": "a"}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	doc, err := b.FindOne(ctx, "t1", "c", document.Filter{"only": "a"})
	if err != nil || doc != nil {
		t.Errorf("provider b sees provider a's data: %v, %v", doc, err)
	}
}

func TestDecodePoolSettings(t *testing.T) {
	settings := memorySettings{Pool: defaultPool()}
	err := decode(map[string]any{
		"pool": map[string]any{
			"max_size":         "4",
			"max_idle":         2,
			"acquire_timeout":  "250ms",
			"breaker_failures": 3,
			"breaker_reset":    "10s",
			"dial_rate":        "2.5",
			"dial_burst":       2,
		},
	}, &settings)
	if err != nil {
		t.Fatalf("decode() error = %v", err)
	}

	want := pool.Config{
		MaxSize:         4,
		MaxIdle:         2,
		MaxIdleTime:     pool.DefaultMaxIdleTime,
		AcquireTimeout:  250 * time.Millisecond,
		BreakerFailures: 3,
		BreakerReset:    10 * time.Second,
		DialRate:        2.5,
		DialBurst:       2,
	}
	if settings.Pool != want {
		t.Errorf("pool settings = %+v, want %+v", settings.Pool, want)
	}
}

func TestDecodeBackendSettings(t *testing.T) {
	settings := mongoSettings{Pool: defaultPool()}
	err := decode(map[string]any{
		"url":               "mongodb://localhost:27017",
		"connect_timeout":   "2s",
		"operation_timeout": "3s",
		"max_pool_size":     8,
		"app_name":          "orders",
	}, &settings)
	if err != nil {
		t.Fatalf("decode() error = %v", err)
	}
	if settings.URL != "mongodb://localhost:27017" || settings.ConnectTimeout != 2*time.Second ||
		settings.OperationTimeout != 3*time.Second || settings.MaxPoolSize != 8 || settings.AppName != "orders" {
		t.Errorf("unexpected settings %+v", settings.Config)
	}
	if settings.Pool.MaxIdleTime != pool.DefaultMaxIdleTime {
		t.Errorf("pool defaults lost: %+v", settings.Pool)
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
	}{
		{name: "unknown key", raw: map[string]any{"hostname": "x"}},
		{name: "unknown pool key", raw: map[string]any{"pool": map[string]any{"size": 3}}},
		{name: "bad duration", raw: map[string]any{"pool": map[string]any{"breaker_reset": "soon"}}},
		{name: "pool not a map", raw: map[string]any{"pool": "big"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := memorySettings{}
			if err := decode(tt.raw, &settings); !errors.Is(err, provider.ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestRedisProvider(t *testing.T) {
	mr := miniredis.RunT(t)
	reg := configure(t, config.ProviderConfig{
		Name: "cache",
		Type: "redis",
		Config: map[string]any{
			"url":               "redis://" + mr.Addr(),
			"prefix":            "ts",
			"operation_timeout": "2s",
			"pool":              map[string]any{"max_size": 2},
		},
	})

	a := accessor(t, reg, "cache")
	if _, err := a.Insert(context.Background(), "t1", "c", document.Document{"keep": true}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if !mr.Exists("ts:t1:c:docs") {
		t.Errorf("expected keys under the configured prefix, got %v", mr.Keys())
	}
	scenario(t, a)
}

func TestRedisProvider_CloseShutsDownClient(t *testing.T) {
	mr := miniredis.RunT(t)
	reg := provider.NewRegistry(Builtin(), nil)
	if err := reg.Configure(context.Background(), []config.ProviderConfig{{
		Name:   "cache",
		Type:   "redis",
		Config: map[string]any{"url": "redis://" + mr.Addr()},
	}}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	a := accessor(t, reg, "cache")

	if err := reg.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := a.HealthCheck(context.Background()); !errors.Is(err, tenant.ErrConnection) {
		t.Errorf("expected ErrConnection after close, got %v", err)
	}
}

func TestProviderErrors(t *testing.T) {
	stopped := miniredis.RunT(t)
	stoppedAddr := stopped.Addr()
	stopped.Close()

	tests := []struct {
		name        string
		cfg         config.ProviderConfig
		invalidConf bool
	}{
		{name: "redis without url", cfg: config.ProviderConfig{Name: "r", Type: "redis"}, invalidConf: true},
		{name: "redis unknown key", cfg: config.ProviderConfig{Name: "r", Type: "redis", Config: map[string]any{"url": "redis://x", "db": 3}}, invalidConf: true},
		{name: "redis unreachable", cfg: config.ProviderConfig{Name: "r", Type: "redis", Config: map[string]any{"url": "redis://" + stoppedAddr}}},
		{name: "mongodb without url", cfg: config.ProviderConfig{Name: "m", Type: "mongodb"}, invalidConf: true},
		{
			name: "mongodb unreachable",
			cfg: config.ProviderConfig{Name: "m", Type: "mongodb", Config: map[string]any{
				"url":             "mongodb://127.0.0.1:1/?serverSelectionTimeoutMS=200",
				"connect_timeout": "200ms",
				"pool":            map[string]any{"breaker_failures": 1},
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := provider.NewRegistry(Builtin(), nil)
			err := reg.Configure(context.Background(), []config.ProviderConfig{tt.cfg})
			if err == nil {
				t.Fatal("expected Configure to fail")
			}
			if got := errors.Is(err, provider.ErrInvalidConfig); got != tt.invalidConf {
				t.Errorf("errors.Is(err, ErrInvalidConfig) = %v, want %v (err: %v)", got, tt.invalidConf, err)
			}
			if names := reg.Names(); len(names) != 0 {
				t.Errorf("nothing may be registered, got %v", names)
			}
		})
	}
}
