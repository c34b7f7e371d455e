// Package mongodb is the MongoDB document backend. Each pooled connection is a dedicated
// driver client; the tenant selects the database.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/nimburion/tenantstore/pkg/document"
	"github.com/nimburion/tenantstore/pkg/observability/logger"
)

// System is the backend type name.
const System = "mongodb"

const (
	defaultConnectTimeout   = 5 * time.Second
	defaultOperationTimeout = 5 * time.Second
	defaultMaxPoolSize      = 4
	disconnectTimeout       = 5 * time.Second
)

// Config holds MongoDB backend configuration.
type Config struct {
	URL              string        `mapstructure:"url"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	// MaxPoolSize bounds the driver sockets behind one pooled connection.
	MaxPoolSize uint64 `mapstructure:"max_pool_size"`
	AppName     string `mapstructure:"app_name"`
}

// Dialer opens MongoDB connections. It implements pool.Factory[document.Conn].
type Dialer struct {
	cfg Config
	log logger.Logger
}

// NewDialer validates cfg and returns a dialer. It performs no I/O.
//
// Cosa fa: prepara l'apertura di client MongoDB dedicati, uno per connessione del pool.
// Cosa NON fa: non crea indici, database o collezioni.
// Esempio minimo: dialer, err := mongodb.NewDialer(cfg, log)
func NewDialer(cfg Config, log logger.Logger) (*Dialer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("mongodb URL is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaultOperationTimeout
	}
	if cfg.MaxPoolSize == 0 {
		cfg.MaxPoolSize = defaultMaxPoolSize
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Dialer{cfg: cfg, log: log}, nil
}

// Dial connects a new client and verifies it with a ping against the primary.
func (d *Dialer) Dial(ctx context.Context) (document.Conn, error) {
	connectCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(d.cfg.URL).
		SetMaxPoolSize(d.cfg.MaxPoolSize).
		SetConnectTimeout(d.cfg.ConnectTimeout)
	if d.cfg.AppName != "" {
		opts.SetAppName(d.cfg.AppName)
	}

	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	d.log.Debug("MongoDB connection established")
	return &Conn{client: client, timeout: d.cfg.OperationTimeout}, nil
}

// Close disconnects a client returned by Dial.
func (d *Dialer) Close(conn document.Conn) error {
	c, ok := conn.(*Conn)
	if !ok {
		return fmt.Errorf("mongodb: foreign connection %T", conn)
	}
	return c.disconnect()
}

// Conn is one MongoDB client.
type Conn struct {
	client  *mongo.Client
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

// Collection implements document.Conn.
func (c *Conn) Collection(database, name string) document.Collection {
	return &Collection{
		coll:    c.client.Database(database).Collection(name),
		timeout: c.timeout,
	}
}

// Ping implements document.Pinger.
func (c *Conn) Ping(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("mongodb connection is closed: %w", document.ErrConnectionLost)
	}
	return translate(c.client.Ping(ctx, readpref.Primary()))
}

func (c *Conn) disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := c.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to close mongodb connection: %w", err)
	}
	return nil
}

// Collection wraps a driver collection.
type Collection struct {
	coll    *mongo.Collection
	timeout time.Duration
}

// Find implements document.Collection.
func (c *Collection) Find(ctx context.Context, filter document.Filter, opts document.FindOptions) ([]document.Document, error) {
	opCtx, cancel := withOperationTimeout(ctx, c.timeout)
	defer cancel()

	cursor, err := c.coll.Find(opCtx, toBSON(filter), findOptions(opts))
	if err != nil {
		return nil, translate(err)
	}
	var raw []bson.M
	if err := cursor.All(opCtx, &raw); err != nil {
		return nil, translate(err)
	}
	docs := make([]document.Document, 0, len(raw))
	for _, m := range raw {
		docs = append(docs, document.Document(m))
	}
	return docs, nil
}

// FindOne implements document.Collection.
func (c *Collection) FindOne(ctx context.Context, filter document.Filter) (document.Document, error) {
	opCtx, cancel := withOperationTimeout(ctx, c.timeout)
	defer cancel()
	return decodeSingle(c.coll.FindOne(opCtx, toBSON(filter)))
}

// InsertOne implements document.Collection.
func (c *Collection) InsertOne(ctx context.Context, doc document.Document) (*document.InsertResult, error) {
	opCtx, cancel := withOperationTimeout(ctx, c.timeout)
	defer cancel()

	if doc == nil {
		doc = document.Document{}
	}
	res, err := c.coll.InsertOne(opCtx, bson.M(doc))
	if err != nil {
		return nil, translate(err)
	}
	return &document.InsertResult{InsertedID: res.InsertedID}, nil
}

// FindOneAndUpdate implements document.Collection with a $set update.
func (c *Collection) FindOneAndUpdate(ctx context.Context, filter document.Filter, set document.Document, returnOriginal bool) (document.Document, error) {
	opCtx, cancel := withOperationTimeout(ctx, c.timeout)
	defer cancel()

	returnDoc := options.After
	if returnOriginal {
		returnDoc = options.Before
	}
	update := bson.M{"$set": bson.M(set)}
	opts := options.FindOneAndUpdate().SetReturnDocument(returnDoc)
	return decodeSingle(c.coll.FindOneAndUpdate(opCtx, toBSON(filter), update, opts))
}

// FindOneAndDelete implements document.Collection.
func (c *Collection) FindOneAndDelete(ctx context.Context, filter document.Filter) (document.Document, error) {
	opCtx, cancel := withOperationTimeout(ctx, c.timeout)
	defer cancel()
	return decodeSingle(c.coll.FindOneAndDelete(opCtx, toBSON(filter)))
}

func decodeSingle(res *mongo.SingleResult) (document.Document, error) {
	var out bson.M
	if err := res.Decode(&out); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, translate(err)
	}
	return document.Document(out), nil
}

func findOptions(opts document.FindOptions) *options.FindOptions {
	fo := options.Find()
	if opts.Sort.Field != "" {
		dir := 1
		if opts.Sort.Order == document.SortDesc {
			dir = -1
		}
		fo.SetSort(bson.D{{Key: opts.Sort.Field, Value: dir}})
	}
	if opts.Skip > 0 {
		fo.SetSkip(opts.Skip)
	}
	if opts.Limit > 0 {
		fo.SetLimit(opts.Limit)
	}
	return fo
}

// toBSON converts a filter; the driver rejects nil filters.
func toBSON(filter document.Filter) bson.M {
	if filter == nil {
		return bson.M{}
	}
	return bson.M(filter)
}

// translate maps driver errors onto the backend-neutral sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case mongo.IsNetworkError(err), errors.Is(err, mongo.ErrClientDisconnected):
		return fmt.Errorf("%w: %w", document.ErrConnectionLost, err)
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %w", document.ErrDuplicateKey, err)
	default:
		return err
	}
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
