// Package tenant performs tenant-scoped document operations over a connection pool.
//
// Every operation borrows one connection, selects the tenant database and collection,
// runs a single store call and returns the connection, whichever way the call ends.
package tenant

import (
	"context"
	"fmt"
	"time"

	"github.com/nimburion/tenantstore/pkg/document"
	"github.com/nimburion/tenantstore/pkg/observability/logger"
	"github.com/nimburion/tenantstore/pkg/observability/metrics"
	"github.com/nimburion/tenantstore/pkg/observability/tracing"
	"github.com/nimburion/tenantstore/pkg/pool"
)

// Accessor method names, used in logs, metrics and spans.
const (
	MethodFind              = "find"
	MethodFindOne           = "findOne"
	MethodFindByID          = "findById"
	MethodInsert            = "insert"
	MethodUpdate            = "update"
	MethodFindByIDAndUpdate = "findByIdAndUpdate"
	MethodRemove            = "remove"
	MethodFindByIDAndRemove = "findByIdAndRemove"
)

// Options configures an Accessor.
type Options struct {
	// Provider is the configured provider name, used as a label.
	Provider string
	// System is the backend type reported on spans (e.g., "mongodb").
	System string
	Logger logger.Logger
	// OnClose runs when the accessor is closed, typically closing the pool and backend client.
	OnClose func() error
}

// Accessor is the tenant data accessor bound to one provider. It is safe for concurrent use.
type Accessor struct {
	pool     pool.Manager[document.Conn]
	provider string
	system   string
	log      logger.Logger
	onClose  func() error
}

// New creates an accessor that borrows connections from p.
//
// Cosa fa: lega il pool di connessioni alle otto operazioni per tenant.
// Cosa NON fa: non apre connessioni; la prima viene aperta alla prima operazione.
func New(p pool.Manager[document.Conn], opts Options) *Accessor {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Accessor{
		pool:     p,
		provider: opts.Provider,
		system:   opts.System,
		log:      log.With("provider", opts.Provider),
		onClose:  opts.OnClose,
	}
}

// Provider returns the provider name the accessor was configured under.
func (a *Accessor) Provider() string { return a.provider }

// Find returns one page of documents matching q.Filter, newest first.
func (a *Accessor) Find(ctx context.Context, tenant, collection string, q Query) (*Page, error) {
	q = q.normalized()
	opts := document.FindOptions{
		Sort:  document.Sort{Field: document.IDField, Order: document.SortDesc},
		Skip:  Skip(q.Page, q.Limit),
		Limit: q.Limit,
	}

	op := operation{method: MethodFind, span: tracing.SpanOperationDBQuery, kind: ErrQuery, tenant: tenant, collection: collection}
	return withCollection(ctx, a, op, func(ctx context.Context, coll document.Collection) (*Page, error) {
		records, err := coll.Find(ctx, q.Filter, opts)
		if err != nil {
			return nil, err
		}
		if records == nil {
			records = []document.Document{}
		}
		return &Page{
			Cursor:  Cursor{CurrentPage: q.Page, PerPage: q.Limit},
			Records: records,
		}, nil
	})
}

// FindOne returns the first document matching filter, or nil when none does.
func (a *Accessor) FindOne(ctx context.Context, tenant, collection string, filter document.Filter) (document.Document, error) {
	op := operation{method: MethodFindOne, span: tracing.SpanOperationDBQuery, kind: ErrQuery, tenant: tenant, collection: collection}
	return withCollection(ctx, a, op, func(ctx context.Context, coll document.Collection) (document.Document, error) {
		return coll.FindOne(ctx, filter)
	})
}

// FindByID returns the document whose _id equals the converted id, or nil.
func (a *Accessor) FindByID(ctx context.Context, tenant, collection string, id any) (document.Document, error) {
	filter, err := idFilter(MethodFindByID, id)
	if err != nil {
		return nil, err
	}
	return a.FindOne(ctx, tenant, collection, filter)
}

// Insert stores doc. The store assigns an _id when doc has none.
func (a *Accessor) Insert(ctx context.Context, tenant, collection string, doc document.Document) (*document.InsertResult, error) {
	op := operation{method: MethodInsert, span: tracing.SpanOperationDBInsert, kind: ErrWrite, tenant: tenant, collection: collection}
	return withCollection(ctx, a, op, func(ctx context.Context, coll document.Collection) (*document.InsertResult, error) {
		return coll.InsertOne(ctx, doc)
	})
}

// Update atomically sets the fields of payload on the first document matching criteria.
// It returns the document as it was before the update when returnOriginal is true, as it
// is after otherwise, and nil when nothing matched.
func (a *Accessor) Update(ctx context.Context, tenant, collection string, criteria document.Filter, payload document.Document, returnOriginal bool) (document.Document, error) {
	op := operation{method: MethodUpdate, span: tracing.SpanOperationDBUpdate, kind: ErrWrite, tenant: tenant, collection: collection}
	return withCollection(ctx, a, op, func(ctx context.Context, coll document.Collection) (document.Document, error) {
		return coll.FindOneAndUpdate(ctx, criteria, payload, returnOriginal)
	})
}

// FindByIDAndUpdate is Update restricted to the document with the converted id.
func (a *Accessor) FindByIDAndUpdate(ctx context.Context, tenant, collection string, id any, payload document.Document, returnOriginal bool) (document.Document, error) {
	filter, err := idFilter(MethodFindByIDAndUpdate, id)
	if err != nil {
		return nil, err
	}
	return a.Update(ctx, tenant, collection, filter, payload, returnOriginal)
}

// Remove atomically deletes the first document matching criteria and returns it, or nil.
func (a *Accessor) Remove(ctx context.Context, tenant, collection string, criteria document.Filter) (document.Document, error) {
	op := operation{method: MethodRemove, span: tracing.SpanOperationDBDelete, kind: ErrWrite, tenant: tenant, collection: collection}
	return withCollection(ctx, a, op, func(ctx context.Context, coll document.Collection) (document.Document, error) {
		return coll.FindOneAndDelete(ctx, criteria)
	})
}

// FindByIDAndRemove is Remove restricted to the document with the converted id.
func (a *Accessor) FindByIDAndRemove(ctx context.Context, tenant, collection string, id any) (document.Document, error) {
	filter, err := idFilter(MethodFindByIDAndRemove, id)
	if err != nil {
		return nil, err
	}
	return a.Remove(ctx, tenant, collection, filter)
}

// HealthCheck borrows a connection and pings it when the backend supports pinging.
func (a *Accessor) HealthCheck(ctx context.Context) error {
	lease, err := a.pool.Acquire(ctx)
	if err != nil {
		return tenantError(ErrConnection, "health check", err)
	}
	defer a.pool.Release(lease)

	pinger, ok := lease.Conn().(document.Pinger)
	if !ok {
		return nil
	}
	if err := pinger.Ping(ctx); err != nil {
		if document.IsConnectionLost(err) {
			lease.Discard()
		}
		return tenantError(ErrConnection, "health check ping", err)
	}
	return nil
}

// HealthMetadata describes the accessor for health results, including pool
// occupancy when the pool reports it.
func (a *Accessor) HealthMetadata() map[string]any {
	md := map[string]any{
		"provider": a.provider,
		"system":   a.system,
	}
	if reporter, ok := a.pool.(interface{ Stats() pool.Stats }); ok {
		stats := reporter.Stats()
		md["pool_in_use"] = stats.InUse
		md["pool_idle"] = stats.Idle
		md["pool_dials"] = stats.Dials
	}
	return md
}

// Close releases the resources behind the accessor.
func (a *Accessor) Close() error {
	if a.onClose == nil {
		return nil
	}
	return a.onClose()
}

type operation struct {
	method     string
	span       tracing.SpanOperation
	kind       error
	tenant     string
	collection string
}

// withCollection runs fn against the operation's collection on a borrowed connection.
// The lease is released on every exit path, panics included.
func withCollection[T any](ctx context.Context, a *Accessor, op operation, fn func(context.Context, document.Collection) (T, error)) (result T, err error) {
	if op.tenant == "" {
		return result, tenantError(ErrInvalidArgument, op.method+": tenant is required", nil)
	}
	if op.collection == "" {
		return result, tenantError(ErrInvalidArgument, op.method+": collection is required", nil)
	}

	start := time.Now()
	ctx, span := tracing.StartDatabaseSpan(ctx, op.span,
		tracing.WithDBSystem(a.system),
		tracing.WithDBName(op.tenant),
		tracing.WithDBCollection(op.collection),
		tracing.WithMethod(op.method),
		tracing.WithProvider(a.provider),
	)
	defer func() {
		recovered := recover()
		if recovered != nil {
			err = tenantError(op.kind, op.method+" "+op.tenant+"."+op.collection, fmt.Errorf("panic: %v", recovered))
		}
		elapsed := time.Since(start)
		metrics.RecordOperation(a.provider, op.method, err, elapsed)
		tracing.End(span, err)
		log := a.log.WithContext(ctx)
		if recovered != nil {
			log.Error("tenant operation panicked", "method", op.method, "tenant", op.tenant, "collection", op.collection, "duration", elapsed, "error", err)
			panic(recovered)
		}
		if err != nil {
			log.Debug("tenant operation failed", "method", op.method, "tenant", op.tenant, "collection", op.collection, "duration", elapsed, "error", err)
			return
		}
		log.Debug("tenant operation completed", "method", op.method, "tenant", op.tenant, "collection", op.collection, "duration", elapsed)
	}()

	lease, err := a.pool.Acquire(ctx)
	if err != nil {
		return result, tenantError(ErrConnection, op.method, err)
	}
	defer a.pool.Release(lease)

	result, err = fn(ctx, lease.Conn().Collection(op.tenant, op.collection))
	if err != nil {
		if document.IsConnectionLost(err) {
			lease.Discard()
		}
		var zero T
		return zero, tenantError(op.kind, op.method+" "+op.tenant+"."+op.collection, err)
	}
	return result, nil
}

func idFilter(method string, id any) (document.Filter, error) {
	filter, err := document.IDFilter(id)
	if err != nil {
		return nil, tenantError(ErrInvalidID, method, err)
	}
	return filter, nil
}
