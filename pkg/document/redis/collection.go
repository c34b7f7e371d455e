package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/nimburion/tenantstore/pkg/document"
)

// ErrContention is returned when a conditional write keeps losing to concurrent writers.
var ErrContention = errors.New("redis: write contention")

const (
	maxWriteAttempts = 16
	scanBatch        = 256
)

// KEYS: docs, seq, counter. ARGV: id key, encoded document.
var insertScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
	return 0
end
local n = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], n, ARGV[1])
return 1
`)

// KEYS: docs. ARGV: id key, expected encoding, new encoding.
var replaceScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
return 1
`)

// KEYS: docs, seq. ARGV: id key, expected encoding.
var deleteScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

type keys struct {
	docs    string
	seq     string
	counter string
}

func newKeys(prefix, database, collection string) keys {
	base := prefix + ":" + database + ":" + collection
	return keys{
		docs:    base + ":docs",
		seq:     base + ":seq",
		counter: base + ":counter",
	}
}

// idKey renders an _id as a hash field. Values are tagged by type so the ObjectID and the
// string with the same hex digits stay distinct.
func idKey(id interface{}) (string, error) {
	switch v := id.(type) {
	case primitive.ObjectID:
		return "o:" + v.Hex(), nil
	case string:
		return "s:" + v, nil
	case int32:
		return "i:" + strconv.FormatInt(int64(v), 10), nil
	case int64:
		return "i:" + strconv.FormatInt(v, 10), nil
	case int:
		return "i:" + strconv.FormatInt(int64(v), 10), nil
	default:
		return "", fmt.Errorf("redis: unsupported _id type %T", id)
	}
}

// Collection is one tenant collection.
type Collection struct {
	conn    *redis.Conn
	keys    keys
	timeout time.Duration
}

type stored struct {
	key string
	raw string
	doc document.Document
}

// Find implements document.Collection.
func (c *Collection) Find(ctx context.Context, filter document.Filter, opts document.FindOptions) ([]document.Document, error) {
	ctx, cancel := withOperationTimeout(ctx, c.timeout)
	defer cancel()

	var matched []document.Document
	err := c.scan(ctx, func(s stored) (bool, error) {
		ok, err := document.Match(s.doc, filter)
		if ok {
			matched = append(matched, s.doc)
		}
		return false, err
	})
	if err != nil {
		return nil, err
	}

	document.SortDocuments(matched, opts.Sort)
	window := document.Window(matched, opts.Skip, opts.Limit)
	return append([]document.Document{}, window...), nil
}

// FindOne implements document.Collection. Documents are visited in insertion order.
func (c *Collection) FindOne(ctx context.Context, filter document.Filter) (document.Document, error) {
	ctx, cancel := withOperationTimeout(ctx, c.timeout)
	defer cancel()

	s, err := c.first(ctx, filter)
	if err != nil || s == nil {
		return nil, err
	}
	return s.doc, nil
}

// InsertOne implements document.Collection.
func (c *Collection) InsertOne(ctx context.Context, doc document.Document) (*document.InsertResult, error) {
	ctx, cancel := withOperationTimeout(ctx, c.timeout)
	defer cancel()

	candidate := make(document.Document, len(doc)+1)
	for k, v := range doc {
		candidate[k] = v
	}
	if _, ok := candidate[document.IDField]; !ok {
		candidate[document.IDField] = primitive.NewObjectID()
	}
	normalized, err := document.Clone(candidate)
	if err != nil {
		return nil, err
	}
	id := normalized[document.IDField]
	key, err := idKey(id)
	if err != nil {
		return nil, err
	}
	raw, err := document.Marshal(normalized)
	if err != nil {
		return nil, err
	}

	inserted, err := insertScript.Run(ctx, c.conn, []string{c.keys.docs, c.keys.seq, c.keys.counter}, key, raw).Int()
	if err != nil {
		return nil, translate(err)
	}
	if inserted == 0 {
		return nil, fmt.Errorf("%w: _id %v", document.ErrDuplicateKey, id)
	}
	return &document.InsertResult{InsertedID: id}, nil
}

// FindOneAndUpdate implements document.Collection.
func (c *Collection) FindOneAndUpdate(ctx context.Context, filter document.Filter, set document.Document, returnOriginal bool) (document.Document, error) {
	ctx, cancel := withOperationTimeout(ctx, c.timeout)
	defer cancel()

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		current, err := c.first(ctx, filter)
		if err != nil || current == nil {
			return nil, err
		}

		merged, err := document.ApplySet(current.doc, set)
		if err != nil {
			return nil, err
		}
		updated, err := document.Clone(merged)
		if err != nil {
			return nil, err
		}
		raw, err := document.Marshal(updated)
		if err != nil {
			return nil, err
		}

		replaced, err := replaceScript.Run(ctx, c.conn, []string{c.keys.docs}, current.key, current.raw, raw).Int()
		if err != nil {
			return nil, translate(err)
		}
		if replaced == 1 {
			if returnOriginal {
				return current.doc, nil
			}
			return updated, nil
		}
	}
	return nil, fmt.Errorf("%w: update gave up after %d attempts", ErrContention, maxWriteAttempts)
}

// FindOneAndDelete implements document.Collection.
func (c *Collection) FindOneAndDelete(ctx context.Context, filter document.Filter) (document.Document, error) {
	ctx, cancel := withOperationTimeout(ctx, c.timeout)
	defer cancel()

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		current, err := c.first(ctx, filter)
		if err != nil || current == nil {
			return nil, err
		}

		deleted, err := deleteScript.Run(ctx, c.conn, []string{c.keys.docs, c.keys.seq}, current.key, current.raw).Int()
		if err != nil {
			return nil, translate(err)
		}
		if deleted == 1 {
			return current.doc, nil
		}
	}
	return nil, fmt.Errorf("%w: delete gave up after %d attempts", ErrContention, maxWriteAttempts)
}

// first returns the earliest inserted document matching filter, or nil.
func (c *Collection) first(ctx context.Context, filter document.Filter) (*stored, error) {
	if s, ok, err := c.byID(ctx, filter); ok || err != nil {
		return s, err
	}

	var found *stored
	err := c.scan(ctx, func(s stored) (bool, error) {
		ok, err := document.Match(s.doc, filter)
		if err != nil || !ok {
			return false, err
		}
		found = &s
		return true, nil
	})
	return found, err
}

// byID serves filters of the form {_id: value} with a single HGET.
func (c *Collection) byID(ctx context.Context, filter document.Filter) (*stored, bool, error) {
	if len(filter) != 1 {
		return nil, false, nil
	}
	id, ok := filter[document.IDField]
	if !ok {
		return nil, false, nil
	}
	key, err := idKey(id)
	if err != nil {
		return nil, false, nil
	}

	raw, err := c.conn.HGet(ctx, c.keys.docs, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, true, nil
	}
	if err != nil {
		return nil, true, translate(err)
	}
	doc, err := document.Unmarshal([]byte(raw))
	if err != nil {
		return nil, true, err
	}
	return &stored{key: key, raw: raw, doc: doc}, true, nil
}

// scan visits documents in insertion order until visit returns true. It pages by score, so
// deletes of already visited members cannot shift later ones out of the window.
func (c *Collection) scan(ctx context.Context, visit func(stored) (bool, error)) error {
	lower := "-inf"
	for {
		members, err := c.conn.ZRangeArgsWithScores(ctx, redis.ZRangeArgs{
			Key:     c.keys.seq,
			Start:   lower,
			Stop:    "+inf",
			ByScore: true,
			Count:   scanBatch,
		}).Result()
		if err != nil {
			return translate(err)
		}
		if len(members) == 0 {
			return nil
		}

		ids := make([]string, len(members))
		for i, m := range members {
			ids[i] = fmt.Sprint(m.Member)
		}
		values, err := c.conn.HMGet(ctx, c.keys.docs, ids...).Result()
		if err != nil {
			return translate(err)
		}
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				// deleted between ZRANGE and HMGET
				continue
			}
			doc, err := document.Unmarshal([]byte(raw))
			if err != nil {
				return fmt.Errorf("redis: decode %s: %w", ids[i], err)
			}
			stop, err := visit(stored{key: ids[i], raw: raw, doc: doc})
			if err != nil || stop {
				return err
			}
		}

		if len(members) < scanBatch {
			return nil
		}
		lower = "(" + strconv.FormatFloat(members[len(members)-1].Score, 'f', -1, 64)
	}
}
