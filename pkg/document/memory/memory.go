// Package memory is an in-process document backend. Every Server holds its own set of
// tenant databases; connections dialed from it share that state.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nimburion/tenantstore/pkg/document"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// System is the backend type name.
const System = "memory"

// Server owns the documents of every tenant database.
type Server struct {
	mu     sync.RWMutex
	dbs    map[string]map[string][]document.Document
	dials  atomic.Int64
	closed atomic.Int64
}

// NewServer creates an empty in-process store.
func NewServer() *Server {
	return &Server{dbs: make(map[string]map[string][]document.Document)}
}

// Dial opens a connection to the server. It implements pool.Factory together with Close.
func (s *Server) Dial(ctx context.Context) (document.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.dials.Add(1)
	return &Conn{server: s}, nil
}

// Close closes a connection previously returned by Dial.
func (s *Server) Close(conn document.Conn) error {
	c, ok := conn.(*Conn)
	if !ok {
		return fmt.Errorf("memory: foreign connection %T", conn)
	}
	if c.closed.CompareAndSwap(false, true) {
		s.closed.Add(1)
	}
	return nil
}

// Dials returns how many connections have been opened.
func (s *Server) Dials() int64 { return s.dials.Load() }

// OpenConns returns how many dialed connections are not closed yet.
func (s *Server) OpenConns() int64 { return s.dials.Load() - s.closed.Load() }

// Conn is a connection to a Server.
type Conn struct {
	server *Server
	closed atomic.Bool
}

// Collection implements document.Conn.
func (c *Conn) Collection(database, name string) document.Collection {
	return &Collection{conn: c, database: database, name: name}
}

// Ping implements document.Pinger.
func (c *Conn) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return document.ErrConnectionLost
	}
	return ctx.Err()
}

// Collection is a tenant collection held by a Server.
type Collection struct {
	conn     *Conn
	database string
	name     string
}

func (c *Collection) check(ctx context.Context) error {
	if c.conn.closed.Load() {
		return fmt.Errorf("memory: use of closed connection: %w", document.ErrConnectionLost)
	}
	return ctx.Err()
}

// documents returns the live slice; callers hold the server lock.
func (c *Collection) documents() []document.Document {
	return c.conn.server.dbs[c.database][c.name]
}

func (c *Collection) store(docs []document.Document) {
	s := c.conn.server
	if s.dbs[c.database] == nil {
		s.dbs[c.database] = make(map[string][]document.Document)
	}
	s.dbs[c.database][c.name] = docs
}

// Find returns copies of matching documents ordered and windowed by opts.
func (c *Collection) Find(ctx context.Context, filter document.Filter, opts document.FindOptions) ([]document.Document, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	c.conn.server.mu.RLock()
	matched, err := c.matchAll(filter)
	c.conn.server.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	document.SortDocuments(matched, opts.Sort)
	window := document.Window(matched, opts.Skip, opts.Limit)
	out := make([]document.Document, 0, len(window))
	for _, doc := range window {
		cloned, err := document.Clone(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, cloned)
	}
	return out, nil
}

func (c *Collection) matchAll(filter document.Filter) ([]document.Document, error) {
	var matched []document.Document
	for _, doc := range c.documents() {
		ok, err := document.Match(doc, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, doc)
		}
	}
	return matched, nil
}

// FindOne returns the first match in natural order, or nil.
func (c *Collection) FindOne(ctx context.Context, filter document.Filter) (document.Document, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	c.conn.server.mu.RLock()
	defer c.conn.server.mu.RUnlock()
	idx, err := c.firstMatch(filter)
	if err != nil || idx < 0 {
		return nil, err
	}
	return document.Clone(c.documents()[idx])
}

func (c *Collection) firstMatch(filter document.Filter) (int, error) {
	for i, doc := range c.documents() {
		ok, err := document.Match(doc, filter)
		if err != nil {
			return -1, err
		}
		if ok {
			return i, nil
		}
	}
	return -1, nil
}

// InsertOne stores a copy of doc, generating an ObjectID when _id is absent.
func (c *Collection) InsertOne(ctx context.Context, doc document.Document) (*document.InsertResult, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	candidate := make(document.Document, len(doc)+1)
	for k, v := range doc {
		candidate[k] = v
	}
	if _, ok := candidate[document.IDField]; !ok {
		candidate[document.IDField] = primitive.NewObjectID()
	}
	stored, err := document.Clone(candidate)
	if err != nil {
		return nil, err
	}
	id := stored[document.IDField]

	c.conn.server.mu.Lock()
	defer c.conn.server.mu.Unlock()
	idx, err := c.firstMatch(document.Filter{document.IDField: id})
	if err != nil {
		return nil, err
	}
	if idx >= 0 {
		return nil, fmt.Errorf("%w: %s.%s _id %v", document.ErrDuplicateKey, c.database, c.name, id)
	}
	c.store(append(c.documents(), stored))
	return &document.InsertResult{InsertedID: id}, nil
}

// FindOneAndUpdate applies set to the first match and returns the pre- or post-image.
func (c *Collection) FindOneAndUpdate(ctx context.Context, filter document.Filter, set document.Document, returnOriginal bool) (document.Document, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	c.conn.server.mu.Lock()
	defer c.conn.server.mu.Unlock()
	idx, err := c.firstMatch(filter)
	if err != nil || idx < 0 {
		return nil, err
	}
	docs := c.documents()
	original := docs[idx]
	merged, err := document.ApplySet(original, set)
	if err != nil {
		return nil, err
	}
	updated, err := document.Clone(merged)
	if err != nil {
		return nil, err
	}
	docs[idx] = updated
	if returnOriginal {
		return document.Clone(original)
	}
	return document.Clone(updated)
}

// FindOneAndDelete removes the first match and returns it.
func (c *Collection) FindOneAndDelete(ctx context.Context, filter document.Filter) (document.Document, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	c.conn.server.mu.Lock()
	defer c.conn.server.mu.Unlock()
	idx, err := c.firstMatch(filter)
	if err != nil || idx < 0 {
		return nil, err
	}
	docs := c.documents()
	removed := docs[idx]
	remaining := make([]document.Document, 0, len(docs)-1)
	remaining = append(remaining, docs[:idx]...)
	remaining = append(remaining, docs[idx+1:]...)
	c.store(remaining)
	return removed, nil
}
