// Package document defines the backend contract used by tenant accessors: a pooled
// connection exposes tenant-scoped collections that execute single-document operations.
package document

import (
	"context"
	"errors"
)

// IDField is the primary key field of every document.
const IDField = "_id"

var (
	// ErrConnectionLost marks failures that leave the underlying connection unusable.
	// Accessors discard the pooled connection instead of returning it to the idle list.
	ErrConnectionLost = errors.New("document connection lost")
	// ErrDuplicateKey is returned when an insert collides with an existing _id.
	ErrDuplicateKey = errors.New("document duplicate key")
	// ErrImmutableID is returned when an update tries to change _id.
	ErrImmutableID = errors.New("document _id is immutable")
	// ErrUnsupportedOperator is returned by in-process matchers for unknown query operators.
	ErrUnsupportedOperator = errors.New("document unsupported query operator")
)

// Document is a schemaless record.
type Document map[string]interface{}

// Filter represents field-based matching criteria. A nil or empty filter matches all documents.
type Filter map[string]interface{}

// Projection is accepted by read operations and currently not applied.
type Projection map[string]interface{}

// Sort specifies field and direction for sorting results.
type Sort struct {
	Field string
	Order SortOrder
}

// SortOrder defines the direction of sorting.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// FindOptions controls ordering and windowing of Find.
type FindOptions struct {
	Sort  Sort
	Skip  int64
	Limit int64
}

// InsertResult is the store-assigned outcome of an insert.
type InsertResult struct {
	InsertedID interface{} `json:"insertedId" bson:"insertedId"`
}

// Collection executes single-document operations against one tenant collection.
// Read operations return a nil Document, not an error, when nothing matches.
type Collection interface {
	Find(ctx context.Context, filter Filter, opts FindOptions) ([]Document, error)
	FindOne(ctx context.Context, filter Filter) (Document, error)
	InsertOne(ctx context.Context, doc Document) (*InsertResult, error)
	FindOneAndUpdate(ctx context.Context, filter Filter, set Document, returnOriginal bool) (Document, error)
	FindOneAndDelete(ctx context.Context, filter Filter) (Document, error)
}

// Conn is one pooled link to a document store.
type Conn interface {
	// Collection selects the tenant database and collection. It performs no I/O.
	Collection(database, name string) Collection
}

// Pinger is implemented by connections that can verify liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// IsConnectionLost reports whether err leaves the connection unusable.
func IsConnectionLost(err error) bool {
	return errors.Is(err, ErrConnectionLost)
}
