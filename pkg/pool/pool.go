// Package pool implements a bounded, generic connection pool. Callers borrow a connection
// with Acquire and hand it back with Release; a Release must follow every successful Acquire.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/nimburion/tenantstore/pkg/observability/logger"
	"github.com/nimburion/tenantstore/pkg/observability/metrics"
	"github.com/nimburion/tenantstore/pkg/resilience"
)

var (
	// ErrAcquire wraps every Acquire failure.
	ErrAcquire = errors.New("acquire connection")
	// ErrClosed is returned by Acquire once the pool is closed.
	ErrClosed = errors.New("pool closed")
)

// Factory opens and closes the connections a pool hands out.
type Factory[C any] interface {
	Dial(ctx context.Context) (C, error)
	Close(conn C) error
}

// Manager is the acquire/release contract consumers depend on.
type Manager[C any] interface {
	Acquire(ctx context.Context) (*Lease[C], error)
	Release(lease *Lease[C])
}

// Config tunes a Pool.
type Config struct {
	// Name labels logs and metrics.
	Name string `mapstructure:"-"`
	// MaxSize bounds the connections checked out at once.
	MaxSize int `mapstructure:"max_size"`
	// MaxIdle bounds the connections kept for reuse.
	MaxIdle int `mapstructure:"max_idle"`
	// MaxIdleTime closes idle connections older than this on the next Acquire. Zero keeps them.
	MaxIdleTime time.Duration `mapstructure:"max_idle_time"`
	// AcquireTimeout bounds Acquire when ctx carries no deadline. Zero relies on ctx alone.
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	// BreakerFailures consecutive dial failures open the circuit breaker.
	BreakerFailures int `mapstructure:"breaker_failures"`
	// BreakerReset is how long the breaker stays open before probing.
	BreakerReset time.Duration `mapstructure:"breaker_reset"`
	// DialRate limits new connections per second. Zero is unlimited.
	DialRate float64 `mapstructure:"dial_rate"`
	// DialBurst is the limiter bucket size.
	DialBurst int `mapstructure:"dial_burst"`
}

// Default pool settings.
const (
	DefaultMaxSize         = 10
	DefaultMaxIdleTime     = 5 * time.Minute
	DefaultBreakerFailures = 5
	DefaultBreakerReset    = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.MaxIdle <= 0 || c.MaxIdle > c.MaxSize {
		c.MaxIdle = c.MaxSize
	}
	if c.BreakerFailures <= 0 {
		c.BreakerFailures = DefaultBreakerFailures
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = DefaultBreakerReset
	}
	if c.DialBurst <= 0 {
		c.DialBurst = 1
	}
	return c
}

// Lease is an exclusively borrowed connection.
type Lease[C any] struct {
	conn      C
	pool      *Pool[C]
	createdAt time.Time
	released  atomic.Bool
	discarded atomic.Bool
}

// Conn returns the borrowed connection.
func (l *Lease[C]) Conn() C { return l.conn }

// Discard marks the connection as broken; Release will close it instead of reusing it.
func (l *Lease[C]) Discard() { l.discarded.Store(true) }

// Stats is a snapshot of pool counters.
type Stats struct {
	InUse    int
	Idle     int
	Dials    uint64
	Acquires uint64
	Releases uint64
}

type idleConn[C any] struct {
	conn      C
	createdAt time.Time
	idleSince time.Time
}

// Pool is a bounded pool of connections of type C. It is safe for concurrent use.
type Pool[C any] struct {
	cfg     Config
	factory Factory[C]
	log     logger.Logger
	sem     *semaphore.Weighted
	breaker *resilience.CircuitBreaker
	limiter *rate.Limiter

	mu     sync.Mutex
	idle   []idleConn[C]
	inUse  int
	closed bool

	dials    atomic.Uint64
	acquires atomic.Uint64
	releases atomic.Uint64
}

var _ Manager[any] = (*Pool[any])(nil)

// New creates a pool that dials through factory. No connection is opened until the first Acquire.
func New[C any](factory Factory[C], cfg Config, log logger.Logger) *Pool[C] {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.Nop()
	}
	log = log.With("pool", cfg.Name)

	p := &Pool[C]{
		cfg:     cfg,
		factory: factory,
		log:     log,
		sem:     semaphore.NewWeighted(int64(cfg.MaxSize)),
	}
	p.breaker = resilience.NewCircuitBreaker(cfg.BreakerFailures, cfg.BreakerReset,
		resilience.WithStateChangeHook(func(from, to resilience.State) {
			log.Warn("dial circuit breaker state changed", "from", from.String(), "to", to.String())
		}),
	)
	if cfg.DialRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.DialRate), cfg.DialBurst)
	}
	return p
}

// Acquire borrows a connection, reusing an idle one when possible. It waits for capacity
// until ctx is done or AcquireTimeout elapses. All errors wrap ErrAcquire.
func (p *Pool[C]) Acquire(ctx context.Context) (lease *Lease[C], err error) {
	start := time.Now()
	defer func() {
		metrics.RecordPoolAcquire(p.cfg.Name, err, time.Since(start))
	}()

	if p.isClosed() {
		return nil, fmt.Errorf("%w: %w", ErrAcquire, ErrClosed)
	}

	if p.cfg.AcquireTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
			defer cancel()
		}
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: waiting for capacity: %w", ErrAcquire, err)
	}

	conn, createdAt, ok := p.takeIdle()
	if !ok {
		conn, err = p.dial(ctx)
		if err != nil {
			p.sem.Release(1)
			return nil, fmt.Errorf("%w: %w", ErrAcquire, err)
		}
		createdAt = time.Now()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroy(conn)
		p.sem.Release(1)
		return nil, fmt.Errorf("%w: %w", ErrAcquire, ErrClosed)
	}
	p.inUse++
	inUse, idle := p.inUse, len(p.idle)
	p.mu.Unlock()

	p.acquires.Add(1)
	metrics.SetPoolConns(p.cfg.Name, inUse, idle)
	lease = &Lease[C]{conn: conn, pool: p, createdAt: createdAt}

	// ctx may have expired while dialing; hand the connection back rather than leak it.
	if ctxErr := ctx.Err(); ctxErr != nil {
		p.Release(lease)
		return nil, fmt.Errorf("%w: %w", ErrAcquire, ctxErr)
	}
	return lease, nil
}

// Release returns a leased connection. It never fails: a discarded lease, a lease returned
// after Close, or one that does not fit in the idle list is closed, and close errors are
// logged. Releasing the same lease twice is a no-op.
func (p *Pool[C]) Release(lease *Lease[C]) {
	if lease == nil || lease.pool != p || !lease.released.CompareAndSwap(false, true) {
		return
	}
	defer p.sem.Release(1)
	p.releases.Add(1)

	p.mu.Lock()
	p.inUse--
	keep := !p.closed && !lease.discarded.Load() && len(p.idle) < p.cfg.MaxIdle
	if keep {
		p.idle = append(p.idle, idleConn[C]{conn: lease.conn, createdAt: lease.createdAt, idleSince: time.Now()})
	}
	inUse, idle := p.inUse, len(p.idle)
	p.mu.Unlock()

	metrics.SetPoolConns(p.cfg.Name, inUse, idle)
	if !keep {
		p.destroy(lease.conn)
	}
}

// Close closes every idle connection and makes further Acquire calls fail.
// Connections still leased are closed as they are released.
func (p *Pool[C]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	inUse := p.inUse
	p.mu.Unlock()

	metrics.SetPoolConns(p.cfg.Name, inUse, 0)

	var errs []error
	for _, ic := range idle {
		if err := p.factory.Close(ic.conn); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	inUse, idle := p.inUse, len(p.idle)
	p.mu.Unlock()

	return Stats{
		InUse:    inUse,
		Idle:     idle,
		Dials:    p.dials.Load(),
		Acquires: p.acquires.Load(),
		Releases: p.releases.Load(),
	}
}

// Name returns the pool label.
func (p *Pool[C]) Name() string { return p.cfg.Name }

func (p *Pool[C]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// takeIdle pops the most recently used idle connection, closing expired ones on the way.
func (p *Pool[C]) takeIdle() (conn C, createdAt time.Time, ok bool) {
	var expired []C
	now := time.Now()

	p.mu.Lock()
	for len(p.idle) > 0 {
		last := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if p.cfg.MaxIdleTime > 0 && now.Sub(last.idleSince) > p.cfg.MaxIdleTime {
			expired = append(expired, last.conn)
			continue
		}
		conn, createdAt, ok = last.conn, last.createdAt, true
		break
	}
	p.mu.Unlock()

	for _, c := range expired {
		p.destroy(c)
	}
	return conn, createdAt, ok
}

func (p *Pool[C]) dial(ctx context.Context) (C, error) {
	var conn C
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return conn, fmt.Errorf("dial rate limit: %w", err)
		}
	}

	err := p.breaker.Execute(func() error {
		c, dialErr := p.factory.Dial(ctx)
		metrics.RecordPoolDial(p.cfg.Name, dialErr)
		if dialErr != nil {
			return dialErr
		}
		conn = c
		return nil
	})
	if err != nil {
		if !errors.Is(err, resilience.ErrCircuitBreakerOpen) {
			p.log.Warn("failed to dial connection", "error", err)
		}
		return conn, fmt.Errorf("dial: %w", err)
	}
	p.dials.Add(1)
	p.log.Debug("dialed connection", "dials", p.dials.Load())
	return conn, nil
}

func (p *Pool[C]) destroy(conn C) {
	if err := p.factory.Close(conn); err != nil {
		p.log.Warn("failed to close pooled connection", "error", err)
	}
}
