// Package provider resolves named backend configurations to live handles.
//
// A Registry is configured once at startup from a list of provider entries. Every entry
// is built concurrently by the factory registered for its type; the registry becomes
// readable only when all of them succeeded.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/nimburion/tenantstore/pkg/config"
	"github.com/nimburion/tenantstore/pkg/health"
	"github.com/nimburion/tenantstore/pkg/observability/logger"
)

var (
	// ErrInvalidConfig is returned when the provider list is malformed. It is the same
	// sentinel the config package uses, so either can be matched.
	ErrInvalidConfig = config.ErrInvalidProviders
	// ErrAlreadyConfigured is returned by Configure on a registry that is configuring or ready.
	ErrAlreadyConfigured = errors.New("provider registry already configured")
)

// Handle is the lifecycle contract of a configured provider.
type Handle interface {
	HealthCheck(ctx context.Context) error
	Close() error
}

// Deps carries shared collaborators handed to every factory.
type Deps struct {
	Logger logger.Logger
}

// Factory builds the handle for one provider entry. It must honour ctx: the registry
// cancels it as soon as a sibling entry fails.
type Factory func(ctx context.Context, cfg config.ProviderConfig, deps Deps) (Handle, error)

// State is the lifecycle state of a Registry.
type State int32

const (
	StateUnconfigured State = iota
	StateConfiguring
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateConfiguring:
		return "configuring"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Registry maps provider names to handles.
type Registry struct {
	factories map[string]Factory
	log       logger.Logger

	state   atomic.Int32
	handles *xsync.MapOf[string, Handle]
	// lifecycle serializes Configure and Close; Get never takes it.
	lifecycle sync.Mutex
}

// NewRegistry creates an unconfigured registry over a fixed factory table.
//
// Cosa fa: associa ogni tipo di provider alla sua factory.
// Cosa NON fa: non apre connessioni; avviene solo in Configure.
// Esempio minimo: reg := provider.NewRegistry(factory.Builtin(), log)
func NewRegistry(factories map[string]Factory, log logger.Logger) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	table := make(map[string]Factory, len(factories))
	for name, f := range factories {
		table[normalizeType(name)] = f
	}
	return &Registry{
		factories: table,
		log:       log,
		handles:   xsync.NewMapOf[string, Handle](),
	}
}

// State returns the current lifecycle state.
func (r *Registry) State() State {
	return State(r.state.Load())
}

// Types returns the sorted provider types the registry can build.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ConfigureRaw decodes an untyped provider list and configures it. Anything that is
// not a sequence of entries fails with ErrInvalidConfig.
func (r *Registry) ConfigureRaw(ctx context.Context, raw any) error {
	providers, err := config.DecodeProviders(raw)
	if err != nil {
		return err
	}
	return r.Configure(ctx, providers)
}

// Configure builds every provider concurrently. On the first failure the remaining
// builds are cancelled, the handles built so far are closed and the registry goes back
// to unconfigured. On success all handles become visible at once.
func (r *Registry) Configure(ctx context.Context, providers []config.ProviderConfig) error {
	if !r.state.CompareAndSwap(int32(StateUnconfigured), int32(StateConfiguring)) {
		return fmt.Errorf("%w: registry is %s", ErrAlreadyConfigured, r.State())
	}
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if err := r.validate(providers); err != nil {
		r.state.Store(int32(StateUnconfigured))
		return err
	}

	start := time.Now()
	r.log.Info("configuring providers", "count", len(providers))

	staged := xsync.NewMapOf[string, Handle]()
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range providers {
		build := r.factories[normalizeType(p.Type)]
		g.Go(func() error {
			log := r.log.With("provider", p.Name, "type", p.Type)
			began := time.Now()
			handle, err := build(gctx, p, Deps{Logger: log})
			if err != nil {
				log.Error("provider configuration failed", "error", err)
				return fmt.Errorf("provider %q (%s): %w", p.Name, p.Type, err)
			}
			if handle == nil {
				return fmt.Errorf("provider %q (%s): factory returned no handle", p.Name, p.Type)
			}
			staged.Store(p.Name, handle)
			log.Info("provider configured", "duration", time.Since(began))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if closeErr := closeAll(staged); closeErr != nil {
			r.log.Warn("failed to close partially configured providers", "error", closeErr)
		}
		r.state.Store(int32(StateUnconfigured))
		return err
	}

	staged.Range(func(name string, handle Handle) bool {
		r.handles.Store(name, handle)
		return true
	})
	r.state.Store(int32(StateReady))
	r.log.Info("provider registry ready", "count", len(providers), "duration", time.Since(start))
	return nil
}

func (r *Registry) validate(providers []config.ProviderConfig) error {
	if err := config.ValidateProviders(providers); err != nil {
		return err
	}
	var errs []error
	for index, p := range providers {
		if _, ok := r.factories[normalizeType(p.Type)]; !ok {
			errs = append(errs, fmt.Errorf("providers[%d].type %q is not supported (supported: %s)",
				index, p.Type, strings.Join(r.Types(), ", ")))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Get returns the handle registered under name. It never blocks and reports absence
// for unknown names and for a registry that is not ready.
func (r *Registry) Get(name string) (Handle, bool) {
	if r.State() != StateReady {
		return nil, false
	}
	return r.handles.Load(name)
}

// Lookup returns the handle registered under name as a T.
//
//	orders, ok := provider.Lookup[*tenant.Accessor](reg, "orders")
func Lookup[T Handle](r *Registry, name string) (T, bool) {
	var zero T
	handle, ok := r.Get(name)
	if !ok {
		return zero, false
	}
	typed, ok := handle.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// Names returns the sorted names of the configured providers.
func (r *Registry) Names() []string {
	names := []string{}
	if r.State() != StateReady {
		return names
	}
	r.handles.Range(func(name string, _ Handle) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// RegisterHealthChecks adds one checker per configured provider.
func (r *Registry) RegisterHealthChecks(h *health.Registry) {
	r.handles.Range(func(name string, handle Handle) bool {
		h.Register(health.NewAdapterChecker(name, handle, health.DefaultTimeout))
		return true
	})
}

// Close closes every handle and returns a ready registry to unconfigured. A Configure
// that has claimed the registry but not yet taken the lifecycle lock keeps its claim.
func (r *Registry) Close() error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.state.CompareAndSwap(int32(StateReady), int32(StateUnconfigured))
	err := closeAll(r.handles)
	if err != nil {
		r.log.Warn("failed to close providers", "error", err)
	}
	return err
}

// closeAll closes and removes every handle in m.
func closeAll(m *xsync.MapOf[string, Handle]) error {
	var errs []error
	m.Range(func(name string, handle Handle) bool {
		if err := handle.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close provider %q: %w", name, err))
		}
		m.Delete(name)
		return true
	})
	return errors.Join(errs...)
}

func normalizeType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}
