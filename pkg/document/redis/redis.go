// Package redis is a Redis document backend. Documents are stored BSON-encoded in one hash
// per tenant collection, with a sorted set recording insertion order. Conditional writes
// run as Lua scripts so find-and-modify stays atomic.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/tenantstore/pkg/document"
	"github.com/nimburion/tenantstore/pkg/observability/logger"
)

// System is the backend type name.
const System = "redis"

// DefaultPrefix namespaces every key written by the backend.
const DefaultPrefix = "tenantstore"

const (
	defaultOperationTimeout = 5 * time.Second
	dialTimeout             = 5 * time.Second
)

// Config holds Redis backend configuration.
type Config struct {
	URL              string        `mapstructure:"url"`
	Prefix           string        `mapstructure:"prefix"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	// PoolSize bounds the go-redis client pool that dedicated connections are taken from.
	PoolSize int `mapstructure:"pool_size"`
}

// Store owns the go-redis client. It implements pool.Factory[document.Conn]: every Dial
// pins one connection of the client pool.
type Store struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
	log     logger.Logger

	closeOnce sync.Once
	closeErr  error
}

// New connects to Redis and verifies the connection with a ping.
//
// Cosa fa: apre il client go-redis condiviso e verifica la connettività.
// Cosa NON fa: non crea chiavi; le collezioni nascono al primo insert.
// Esempio minimo: store, err := redis.New(ctx, cfg, log)
func New(ctx context.Context, cfg Config, log logger.Logger) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaultOperationTimeout
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.DialTimeout = dialTimeout
	opts.ReadTimeout = cfg.OperationTimeout
	opts.WriteTimeout = cfg.OperationTimeout
	if log == nil {
		log = logger.Nop()
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log.Info("Redis connection established", "prefix", cfg.Prefix, "pool_size", opts.PoolSize)
	return &Store{
		client:  client,
		prefix:  cfg.Prefix,
		timeout: cfg.OperationTimeout,
		log:     log,
	}, nil
}

// Dial pins a dedicated connection and pings it.
func (s *Store) Dial(ctx context.Context) (document.Conn, error) {
	c := s.client.Conn()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", translate(err))
	}
	return &Conn{conn: c, store: s}, nil
}

// Close returns a dedicated connection to the client pool.
func (s *Store) Close(conn document.Conn) error {
	c, ok := conn.(*Conn)
	if !ok {
		return fmt.Errorf("redis: foreign connection %T", conn)
	}
	return c.conn.Close()
}

// Shutdown closes the shared client. Connections still pinned fail afterwards.
func (s *Store) Shutdown() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}

// Conn is one pinned Redis connection.
type Conn struct {
	conn  *redis.Conn
	store *Store
}

// Collection implements document.Conn.
func (c *Conn) Collection(database, name string) document.Collection {
	return &Collection{
		conn:    c.conn,
		keys:    newKeys(c.store.prefix, database, name),
		timeout: c.store.timeout,
	}
}

// Ping implements document.Pinger.
func (c *Conn) Ping(ctx context.Context) error {
	return translate(c.conn.Ping(ctx).Err())
}

// translate maps transport failures onto document.ErrConnectionLost.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, io.EOF) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", document.ErrConnectionLost, err)
	}
	return err
}

func withOperationTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
