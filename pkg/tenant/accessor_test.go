package tenant

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nimburion/tenantstore/pkg/document"
	"github.com/nimburion/tenantstore/pkg/document/memory"
	"github.com/nimburion/tenantstore/pkg/observability/metrics"
	"github.com/nimburion/tenantstore/pkg/pool"
)

func newMemoryAccessor(t *testing.T) (*Accessor, *pool.Pool[document.Conn], *memory.Server) {
	t.Helper()
	server := memory.NewServer()
	p := pool.New[document.Conn](server, pool.Config{Name: t.Name(), MaxSize: 4}, nil)
	a := New(p, Options{Provider: "test", System: "memory", OnClose: p.Close})
	t.Cleanup(func() { _ = a.Close() })
	return a, p, server
}

func assertBalanced(t *testing.T, p *pool.Pool[document.Conn]) {
	t.Helper()
	stats := p.Stats()
	if stats.Acquires != stats.Releases || stats.InUse != 0 {
		t.Fatalf("pool not balanced: %+v", stats)
	}
}

func asInt(v interface{}) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return -1
	}
}

func TestAccessor_InsertFindRemoveScenario(t *testing.T) {
	a, p, _ := newMemoryAccessor(t)
	ctx := context.Background()

	res, err := a.Insert(ctx, "t1", "c", document.Document{"name": "x"})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	id, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		t.Fatalf("expected ObjectID, got %T", res.InsertedID)
	}

	doc, err := a.FindByID(ctx, "t1", "c", id.Hex())
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if doc == nil || doc["name"] != "x" || doc[document.IDField] != id {
		t.Fatalf("FindByID() = %v", doc)
	}

	removed, err := a.FindByIDAndRemove(ctx, "t1", "c", id.Hex())
	if err != nil {
		t.Fatalf("FindByIDAndRemove() error = %v", err)
	}
	if removed == nil || removed["name"] != "x" {
		t.Fatalf("FindByIDAndRemove() = %v", removed)
	}

	doc, err = a.FindByID(ctx, "t1", "c", id)
	if err != nil {
		t.Fatalf("FindByID() after remove error = %v", err)
	}
	if doc != nil {
		t.Fatalf("expected absence after remove, got %v", doc)
	}

	assertBalanced(t, p)
}

func TestAccessor_UpdateReturnOriginal(t *testing.T) {
	tests := []struct {
		name           string
		returnOriginal bool
		want           int64
	}{
		{name: "pre-image", returnOriginal: true, want: 1},
		{name: "post-image", returnOriginal: false, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, p, _ := newMemoryAccessor(t)
			ctx := context.Background()

			if _, err := a.Insert(ctx, "t1", "c", document.Document{"k": "a", "x": 1}); err != nil {
				t.Fatalf("Insert() error = %v", err)
			}

			doc, err := a.Update(ctx, "t1", "c", document.Filter{"k": "a"}, document.Document{"x": 2}, tt.returnOriginal)
			if err != nil {
				t.Fatalf("Update() error = %v", err)
			}
			if got := asInt(doc["x"]); got != tt.want {
				t.Fatalf("Update() returned x = %v, want %d", doc["x"], tt.want)
			}

			stored, err := a.FindOne(ctx, "t1", "c", document.Filter{"k": "a"})
			if err != nil {
				t.Fatalf("FindOne() error = %v", err)
			}
			if asInt(stored["x"]) != 2 {
				t.Fatalf("stored x = %v, want 2", stored["x"])
			}
			assertBalanced(t, p)
		})
	}
}

func TestAccessor_UpdateNoMatch(t *testing.T) {
	a, _, _ := newMemoryAccessor(t)

	doc, err := a.Update(context.Background(), "t1", "c", document.Filter{"k": "missing"}, document.Document{"x": 1}, false)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if doc != nil {
		t.Fatalf("expected nil document, got %v", doc)
	}

	removed, err := a.Remove(context.Background(), "t1", "c", document.Filter{"k": "missing"})
	if err != nil || removed != nil {
		t.Fatalf("Remove() = %v, %v", removed, err)
	}
}

func TestAccessor_FindPagination(t *testing.T) {
	a, p, _ := newMemoryAccessor(t)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		if _, err := a.Insert(ctx, "t1", "items", document.Document{"n": i}); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}

	tests := []struct {
		name       string
		query      Query
		wantPage   int64
		wantLimit  int64
		wantValues []int64
	}{
		{name: "first page", query: Query{Page: 1, Limit: 5}, wantPage: 1, wantLimit: 5, wantValues: []int64{11, 10, 9, 8, 7}},
		{name: "second page", query: Query{Page: 2, Limit: 5}, wantPage: 2, wantLimit: 5, wantValues: []int64{6, 5, 4, 3, 2}},
		{name: "last partial page", query: Query{Page: 3, Limit: 5}, wantPage: 3, wantLimit: 5, wantValues: []int64{1, 0}},
		{name: "beyond last page", query: Query{Page: 9, Limit: 5}, wantPage: 9, wantLimit: 5, wantValues: []int64{}},
		{name: "defaults", query: Query{}, wantPage: 1, wantLimit: 10, wantValues: []int64{11, 10, 9, 8, 7, 6, 5, 4, 3, 2}},
		{name: "filtered", query: Query{Filter: document.Filter{"n": document.Filter{"$lt": 3}}, Page: 1, Limit: 10}, wantPage: 1, wantLimit: 10, wantValues: []int64{2, 1, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := a.Find(ctx, "t1", "items", tt.query)
			if err != nil {
				t.Fatalf("Find() error = %v", err)
			}
			if page.Cursor.CurrentPage != tt.wantPage || page.Cursor.PerPage != tt.wantLimit {
				t.Fatalf("cursor = %+v", page.Cursor)
			}
			if page.Records == nil {
				t.Fatal("Records must never be nil")
			}
			got := make([]int64, 0, len(page.Records))
			for _, doc := range page.Records {
				got = append(got, asInt(doc["n"]))
			}
			if !reflect.DeepEqual(got, tt.wantValues) {
				t.Fatalf("records = %v, want %v", got, tt.wantValues)
			}
		})
	}
	assertBalanced(t, p)
}

func TestAccessor_TenantIsolation(t *testing.T) {
	a, _, _ := newMemoryAccessor(t)
	ctx := context.Background()

	if _, err := a.Insert(ctx, "acme", "users", document.Document{"email": "a@acme.test"}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	doc, err := a.FindOne(ctx, "globex", "users", document.Filter{"email": "a@acme.test"})
	if err != nil {
		t.Fatalf("FindOne() error = %v", err)
	}
	if doc != nil {
		t.Fatalf("expected other tenant to see nothing, got %v", doc)
	}
}

func TestAccessor_InvalidIDFailsBeforeAcquire(t *testing.T) {
	a, p, _ := newMemoryAccessor(t)
	ctx := context.Background()

	calls := map[string]func() error{
		MethodFindByID: func() error {
			_, err := a.FindByID(ctx, "t1", "c", "not-an-id")
			return err
		},
		MethodFindByIDAndUpdate: func() error {
			_, err := a.FindByIDAndUpdate(ctx, "t1", "c", 42, document.Document{"x": 1}, false)
			return err
		},
		MethodFindByIDAndRemove: func() error {
			_, err := a.FindByIDAndRemove(ctx, "t1", "c", nil)
			return err
		},
	}

	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			err := call()
			if !errors.Is(err, ErrInvalidID) || !errors.Is(err, document.ErrInvalidObjectID) {
				t.Fatalf("expected ErrInvalidID, got %v", err)
			}
		})
	}

	if acquires := p.Stats().Acquires; acquires != 0 {
		t.Fatalf("expected no acquire, got %d", acquires)
	}
}

func TestAccessor_InvalidArguments(t *testing.T) {
	a, p, _ := newMemoryAccessor(t)

	_, err := a.FindOne(context.Background(), "", "c", nil)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty tenant, got %v", err)
	}
	_, err = a.Insert(context.Background(), "t1", "", document.Document{})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty collection, got %v", err)
	}
	if acquires := p.Stats().Acquires; acquires != 0 {
		t.Fatalf("expected no acquire, got %d", acquires)
	}
}

func TestAccessor_ConnectionError(t *testing.T) {
	a, p, _ := newMemoryAccessor(t)
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	_, err := a.FindOne(context.Background(), "t1", "c", nil)
	if !errors.Is(err, ErrConnection) || !errors.Is(err, pool.ErrAcquire) || !errors.Is(err, pool.ErrClosed) {
		t.Fatalf("expected ErrConnection wrapping pool.ErrClosed, got %v", err)
	}
	if releases := p.Stats().Releases; releases != 0 {
		t.Fatalf("expected no release after failed acquire, got %d", releases)
	}
}

func TestAccessor_DuplicateInsertIsWriteError(t *testing.T) {
	a, p, _ := newMemoryAccessor(t)
	ctx := context.Background()
	id := primitive.NewObjectID()

	if _, err := a.Insert(ctx, "t1", "c", document.Document{"_id": id}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	_, err := a.Insert(ctx, "t1", "c", document.Document{"_id": id})
	if !errors.Is(err, ErrWrite) || !errors.Is(err, document.ErrDuplicateKey) {
		t.Fatalf("expected ErrWrite wrapping duplicate key, got %v", err)
	}
	assertBalanced(t, p)
}

func TestAccessor_HealthCheck(t *testing.T) {
	a, p, _ := newMemoryAccessor(t)

	if err := a.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
	assertBalanced(t, p)

	md := a.HealthMetadata()
	if md["provider"] != "test" || md["system"] != "memory" {
		t.Errorf("unexpected metadata %v", md)
	}
	if md["pool_in_use"] != 0 || md["pool_idle"] != 1 {
		t.Errorf("expected one idle connection after the check, got %v", md)
	}

	_ = p.Close()
	if err := a.HealthCheck(context.Background()); !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection after close, got %v", err)
	}
}

// recordingCollection captures the arguments of every store call.
type recordingCollection struct {
	mu      sync.Mutex
	calls   []recordedCall
	err     error
	panicOn string
}

type recordedCall struct {
	op             string
	filter         document.Filter
	payload        document.Document
	returnOriginal bool
}

func (c *recordingCollection) record(call recordedCall) error {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	err, panicOn := c.err, c.panicOn
	c.mu.Unlock()
	if panicOn == call.op {
		panic(fmt.Sprintf("store panic in %s", call.op))
	}
	return err
}

func (c *recordingCollection) last() recordedCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[len(c.calls)-1]
}

func (c *recordingCollection) Find(_ context.Context, filter document.Filter, _ document.FindOptions) ([]document.Document, error) {
	return nil, c.record(recordedCall{op: "find", filter: filter})
}

func (c *recordingCollection) FindOne(_ context.Context, filter document.Filter) (document.Document, error) {
	return nil, c.record(recordedCall{op: "findOne", filter: filter})
}

func (c *recordingCollection) InsertOne(_ context.Context, doc document.Document) (*document.InsertResult, error) {
	if err := c.record(recordedCall{op: "insertOne", payload: doc}); err != nil {
		return nil, err
	}
	return &document.InsertResult{InsertedID: doc[document.IDField]}, nil
}

func (c *recordingCollection) FindOneAndUpdate(_ context.Context, filter document.Filter, set document.Document, returnOriginal bool) (document.Document, error) {
	return nil, c.record(recordedCall{op: "findOneAndUpdate", filter: filter, payload: set, returnOriginal: returnOriginal})
}

func (c *recordingCollection) FindOneAndDelete(_ context.Context, filter document.Filter) (document.Document, error) {
	return nil, c.record(recordedCall{op: "findOneAndDelete", filter: filter})
}

type recordingConn struct{ coll *recordingCollection }

func (c recordingConn) Collection(string, string) document.Collection { return c.coll }

type recordingFactory struct {
	coll   *recordingCollection
	mu     sync.Mutex
	closed int
}

func (f *recordingFactory) Dial(context.Context) (document.Conn, error) {
	return recordingConn{coll: f.coll}, nil
}

func (f *recordingFactory) Close(document.Conn) error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func newRecordingAccessor(t *testing.T, coll *recordingCollection) (*Accessor, *pool.Pool[document.Conn], *recordingFactory) {
	t.Helper()
	f := &recordingFactory{coll: coll}
	p := pool.New[document.Conn](f, pool.Config{Name: t.Name(), MaxSize: 2}, nil)
	t.Cleanup(func() { _ = p.Close() })
	return New(p, Options{Provider: "recording", System: "fake"}), p, f
}

func TestAccessor_ByIDVariantsMatchFilterVariants(t *testing.T) {
	coll := &recordingCollection{}
	a, _, _ := newRecordingAccessor(t, coll)
	ctx := context.Background()
	oid := primitive.NewObjectID()
	payload := document.Document{"x": 2}

	pairs := []struct {
		name  string
		byID  func() error
		plain func() error
	}{
		{
			name: "findById",
			byID: func() error {
				_, err := a.FindByID(ctx, "t1", "c", oid.Hex())
				return err
			},
			plain: func() error {
				_, err := a.FindOne(ctx, "t1", "c", document.Filter{"_id": oid})
				return err
			},
		},
		{
			name: "findByIdAndUpdate",
			byID: func() error {
				_, err := a.FindByIDAndUpdate(ctx, "t1", "c", oid.Hex(), payload, true)
				return err
			},
			plain: func() error {
				_, err := a.Update(ctx, "t1", "c", document.Filter{"_id": oid}, payload, true)
				return err
			},
		},
		{
			name: "findByIdAndRemove",
			byID: func() error {
				_, err := a.FindByIDAndRemove(ctx, "t1", "c", oid)
				return err
			},
			plain: func() error {
				_, err := a.Remove(ctx, "t1", "c", document.Filter{"_id": oid})
				return err
			},
		},
	}

	for _, tt := range pairs {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.byID(); err != nil {
				t.Fatalf("by-id call error = %v", err)
			}
			byID := coll.last()
			if err := tt.plain(); err != nil {
				t.Fatalf("filter call error = %v", err)
			}
			plain := coll.last()
			if !reflect.DeepEqual(byID, plain) {
				t.Fatalf("by-id call %+v differs from filter call %+v", byID, plain)
			}
		})
	}
}

func TestAccessor_ReleasesOnEveryExitPath(t *testing.T) {
	storeErr := errors.New("write concern failed")

	tests := []struct {
		name      string
		err       error
		panicOn   string
		call      func(a *Accessor) error
		wantKind  error
		wantPanic bool
	}{
		{
			name: "successful read",
			call: func(a *Accessor) error {
				_, err := a.Find(context.Background(), "t1", "c", Query{})
				return err
			},
		},
		{
			name: "failing read",
			err:  storeErr,
			call: func(a *Accessor) error {
				_, err := a.FindOne(context.Background(), "t1", "c", nil)
				return err
			},
			wantKind: ErrQuery,
		},
		{
			name: "failing write",
			err:  storeErr,
			call: func(a *Accessor) error {
				_, err := a.Insert(context.Background(), "t1", "c", document.Document{"x": 1})
				return err
			},
			wantKind: ErrWrite,
		},
		{
			name:    "panicking store",
			panicOn: "findOneAndDelete",
			call: func(a *Accessor) error {
				_, err := a.Remove(context.Background(), "t1", "c", nil)
				return err
			},
			wantPanic: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coll := &recordingCollection{err: tt.err, panicOn: tt.panicOn}
			a, p, _ := newRecordingAccessor(t, coll)

			var err error
			panicked := func() (recovered bool) {
				defer func() {
					if r := recover(); r != nil {
						recovered = true
					}
				}()
				err = tt.call(a)
				return false
			}()

			if panicked != tt.wantPanic {
				t.Fatalf("panicked = %v, want %v", panicked, tt.wantPanic)
			}
			if tt.wantKind != nil {
				if !errors.Is(err, tt.wantKind) || !errors.Is(err, storeErr) {
					t.Fatalf("expected %v wrapping store error, got %v", tt.wantKind, err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error %v", err)
			}

			stats := p.Stats()
			if stats.Acquires != 1 || stats.Releases != 1 || stats.InUse != 0 {
				t.Fatalf("expected exactly one acquire and release, got %+v", stats)
			}
		})
	}
}

func TestAccessor_PanicIsReportedAsFailure(t *testing.T) {
	previous := otel.GetTracerProvider()
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	f := &recordingFactory{coll: &recordingCollection{panicOn: "findOneAndDelete"}}
	p := pool.New[document.Conn](f, pool.Config{Name: t.Name(), MaxSize: 2}, nil)
	t.Cleanup(func() { _ = p.Close() })
	a := New(p, Options{Provider: "panicking-store", System: "fake"})

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		_, _ = a.Remove(context.Background(), "t1", "c", nil)
	}()

	if recovered != "store panic in findOneAndDelete" {
		t.Fatalf("expected the original panic to propagate, got %v", recovered)
	}
	if stats := p.Stats(); stats.Releases != 1 || stats.InUse != 0 {
		t.Fatalf("lease not released: %+v", stats)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 ended span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("span status = %v, want %v", spans[0].Status().Code, codes.Error)
	}

	var buf bytes.Buffer
	if err := metrics.NewRegistry().WriteText(&buf, "tenantstore_operation"); err != nil {
		t.Fatalf("WriteText() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `provider="panicking-store",result="error"`) {
		t.Errorf("expected an error sample for the panicking call:\n%s", out)
	}
	if strings.Contains(out, `provider="panicking-store",result="ok"`) {
		t.Errorf("panicking call recorded as ok:\n%s", out)
	}
}

func TestAccessor_ConnectionLostDiscardsLease(t *testing.T) {
	coll := &recordingCollection{err: fmt.Errorf("socket reset: %w", document.ErrConnectionLost)}
	a, p, f := newRecordingAccessor(t, coll)

	_, err := a.FindOne(context.Background(), "t1", "c", nil)
	if !errors.Is(err, ErrQuery) || !errors.Is(err, document.ErrConnectionLost) {
		t.Fatalf("expected ErrQuery wrapping connection lost, got %v", err)
	}

	if stats := p.Stats(); stats.Idle != 0 || stats.InUse != 0 {
		t.Fatalf("expected broken connection dropped, got %+v", stats)
	}
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed != 1 {
		t.Fatalf("expected 1 close, got %d", closed)
	}
}

func TestAccessor_ConcurrentCallsUseSeparateLeases(t *testing.T) {
	a, p, server := newMemoryAccessor(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tenant := fmt.Sprintf("t%d", i%4)
			if _, err := a.Insert(ctx, tenant, "c", document.Document{"i": i}); err != nil {
				t.Errorf("Insert() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for i := 0; i < 4; i++ {
		page, err := a.Find(ctx, fmt.Sprintf("t%d", i), "c", Query{Limit: 100})
		if err != nil {
			t.Fatalf("Find() error = %v", err)
		}
		total += len(page.Records)
	}
	if total != 32 {
		t.Fatalf("expected 32 documents, got %d", total)
	}
	assertBalanced(t, p)
	if server.Dials() > 4 {
		t.Fatalf("expected at most MaxSize dials, got %d", server.Dials())
	}
}
