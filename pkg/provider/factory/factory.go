// Package factory holds the built-in provider types. Each one builds a pooled
// *tenant.Accessor for its backend.
package factory

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-viper/mapstructure/v2"

	"github.com/nimburion/tenantstore/pkg/config"
	"github.com/nimburion/tenantstore/pkg/document"
	"github.com/nimburion/tenantstore/pkg/document/memory"
	"github.com/nimburion/tenantstore/pkg/document/mongodb"
	"github.com/nimburion/tenantstore/pkg/document/redis"
	"github.com/nimburion/tenantstore/pkg/pool"
	"github.com/nimburion/tenantstore/pkg/provider"
	"github.com/nimburion/tenantstore/pkg/tenant"
)

// Provider types.
const (
	TypeMongoDB = mongodb.System
	TypeRedis   = redis.System
	TypeMemory  = memory.System
)

// Cosa fa: restituisce la tabella statica tipo -> factory dei provider inclusi.
// Cosa NON fa: non registra tipi a runtime; la tabella si estende passando una mappa propria.
// Esempio minimo: reg := provider.NewRegistry(factory.Builtin(), log)
func Builtin() map[string]provider.Factory {
	return map[string]provider.Factory{
		TypeMongoDB: NewMongoDB,
		TypeRedis:   NewRedis,
		TypeMemory:  NewMemory,
	}
}

type mongoSettings struct {
	mongodb.Config `mapstructure:",squash"`
	Pool           pool.Config `mapstructure:"pool"`
}

type redisSettings struct {
	redis.Config `mapstructure:",squash"`
	Pool         pool.Config `mapstructure:"pool"`
}

type memorySettings struct {
	Pool pool.Config `mapstructure:"pool"`
}

// NewMongoDB builds an accessor whose pooled connections are dedicated MongoDB clients.
func NewMongoDB(ctx context.Context, cfg config.ProviderConfig, deps provider.Deps) (provider.Handle, error) {
	settings := mongoSettings{Pool: defaultPool()}
	if err := decode(cfg.Config, &settings); err != nil {
		return nil, err
	}
	dialer, err := mongodb.NewDialer(settings.Config, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", provider.ErrInvalidConfig, err)
	}
	return build(ctx, cfg, deps, mongodb.System, dialer, settings.Pool, nil)
}

// NewRedis builds an accessor over one shared go-redis client; each pooled connection
// pins one client connection.
func NewRedis(ctx context.Context, cfg config.ProviderConfig, deps provider.Deps) (provider.Handle, error) {
	settings := redisSettings{Pool: defaultPool()}
	if err := decode(cfg.Config, &settings); err != nil {
		return nil, err
	}
	if settings.URL == "" {
		return nil, fmt.Errorf("%w: redis URL is required", provider.ErrInvalidConfig)
	}
	store, err := redis.New(ctx, settings.Config, deps.Logger)
	if err != nil {
		return nil, err
	}
	return build(ctx, cfg, deps, redis.System, store, settings.Pool, store.Shutdown)
}

// NewMemory builds an accessor over a fresh in-process store.
func NewMemory(ctx context.Context, cfg config.ProviderConfig, deps provider.Deps) (provider.Handle, error) {
	settings := memorySettings{Pool: defaultPool()}
	if err := decode(cfg.Config, &settings); err != nil {
		return nil, err
	}
	return build(ctx, cfg, deps, memory.System, memory.NewServer(), settings.Pool, nil)
}

func defaultPool() pool.Config {
	return pool.Config{MaxIdleTime: pool.DefaultMaxIdleTime}
}

// build wires pool and accessor, then borrows one connection so an unreachable
// backend fails Configure instead of the first request.
func build(ctx context.Context, cfg config.ProviderConfig, deps provider.Deps, system string,
	dialer pool.Factory[document.Conn], poolCfg pool.Config, shutdown func() error) (provider.Handle, error) {
	poolCfg.Name = cfg.Name
	p := pool.New(dialer, poolCfg, deps.Logger)

	accessor := tenant.New(p, tenant.Options{
		Provider: cfg.Name,
		System:   system,
		Logger:   deps.Logger,
		OnClose: func() error {
			err := p.Close()
			if shutdown != nil {
				err = errors.Join(err, shutdown())
			}
			return err
		},
	})

	if err := accessor.HealthCheck(ctx); err != nil {
		_ = accessor.Close()
		return nil, fmt.Errorf("initial connection check failed: %w", err)
	}
	return accessor, nil
}

func decode(raw map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", provider.ErrInvalidConfig, err)
	}
	if raw == nil {
		return nil
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("%w: %w", provider.ErrInvalidConfig, err)
	}
	return nil
}
