package document

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Marshal encodes a document as BSON.
func Marshal(doc Document) ([]byte, error) {
	if doc == nil {
		doc = Document{}
	}
	return bson.Marshal(doc)
}

// Unmarshal decodes a BSON document.
func Unmarshal(raw []byte) (Document, error) {
	out := bson.M{}
	if err := bson.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return Document(out), nil
}

// Clone deep-copies doc through BSON so in-process backends hand out the same value
// types the MongoDB driver decodes (int32/int64, primitive.A, primitive.ObjectID).
func Clone(doc Document) (Document, error) {
	raw, err := Marshal(doc)
	if err != nil {
		return nil, err
	}
	return Unmarshal(raw)
}

// Match evaluates filter against doc with MongoDB query semantics for top-level and
// dotted fields, implicit equality, $and/$or and the comparison operators
// $eq, $ne, $gt, $gte, $lt, $lte, $in, $nin and $exists.
func Match(doc Document, filter Filter) (bool, error) {
	for key, cond := range filter {
		switch key {
		case "$and", "$or":
			clauses, err := asFilters(key, cond)
			if err != nil {
				return false, err
			}
			ok, err := matchLogical(doc, key, clauses)
			if err != nil || !ok {
				return false, err
			}
			continue
		}
		if strings.HasPrefix(key, "$") {
			return false, fmt.Errorf("%w: %s", ErrUnsupportedOperator, key)
		}
		value, found := lookup(doc, key)
		ok, err := matchCondition(value, found, cond)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchLogical(doc Document, op string, clauses []Filter) (bool, error) {
	for _, clause := range clauses {
		ok, err := Match(doc, clause)
		if err != nil {
			return false, err
		}
		if op == "$or" && ok {
			return true, nil
		}
		if op == "$and" && !ok {
			return false, nil
		}
	}
	return op == "$and", nil
}

func asFilters(op string, v interface{}) ([]Filter, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice || rv.Len() == 0 {
		return nil, fmt.Errorf("%w: %s requires a non-empty array", ErrUnsupportedOperator, op)
	}
	out := make([]Filter, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		m, ok := asMap(rv.Index(i).Interface())
		if !ok {
			return nil, fmt.Errorf("%w: %s entries must be documents", ErrUnsupportedOperator, op)
		}
		out = append(out, Filter(m))
	}
	return out, nil
}

func matchCondition(value interface{}, found bool, cond interface{}) (bool, error) {
	if ops, ok := operatorMap(cond); ok {
		for op, operand := range ops {
			ok, err := matchOperator(value, found, op, operand)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
	if cond == nil {
		return !found || value == nil, nil
	}
	return found && equalOrContains(value, cond), nil
}

func matchOperator(value interface{}, found bool, op string, operand interface{}) (bool, error) {
	switch op {
	case "$eq":
		return matchCondition(value, found, operand)
	case "$ne":
		ok, err := matchCondition(value, found, operand)
		return !ok, err
	case "$gt", "$gte", "$lt", "$lte":
		if !found {
			return false, nil
		}
		c, comparable := compare(value, operand)
		if !comparable {
			return false, nil
		}
		switch op {
		case "$gt":
			return c > 0, nil
		case "$gte":
			return c >= 0, nil
		case "$lt":
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	case "$in", "$nin":
		rv := reflect.ValueOf(operand)
		if rv.Kind() != reflect.Slice {
			return false, fmt.Errorf("%w: %s requires an array", ErrUnsupportedOperator, op)
		}
		in := false
		for i := 0; i < rv.Len(); i++ {
			candidate := rv.Index(i).Interface()
			if (candidate == nil && (!found || value == nil)) || (found && equalOrContains(value, candidate)) {
				in = true
				break
			}
		}
		if op == "$in" {
			return in, nil
		}
		return !in, nil
	case "$exists":
		want, ok := operand.(bool)
		if !ok {
			return false, fmt.Errorf("%w: $exists requires a boolean", ErrUnsupportedOperator)
		}
		return found == want, nil
	default:
		return false, fmt.Errorf("%w: %s", ErrUnsupportedOperator, op)
	}
}

// ApplySet returns a copy of doc with every field of set assigned ($set semantics).
// Dotted keys address nested documents, creating them as needed.
func ApplySet(doc Document, set Document) (Document, error) {
	out := make(Document, len(doc)+len(set))
	for k, v := range doc {
		out[k] = v
	}
	for key, value := range set {
		if key == IDField {
			if current, ok := doc[IDField]; ok && !equal(current, value) {
				return nil, ErrImmutableID
			}
		}
		if strings.HasPrefix(key, "$") {
			return nil, fmt.Errorf("%w: %s in update payload", ErrUnsupportedOperator, key)
		}
		assign(out, strings.Split(key, "."), value)
	}
	return out, nil
}

func assign(m map[string]interface{}, path []string, value interface{}) {
	if len(path) == 1 {
		m[path[0]] = value
		return
	}
	child, ok := asMap(m[path[0]])
	if !ok {
		child = map[string]interface{}{}
	} else {
		copied := make(map[string]interface{}, len(child))
		for k, v := range child {
			copied[k] = v
		}
		child = copied
	}
	assign(child, path[1:], value)
	m[path[0]] = child
}

// Window applies skip and limit to an already ordered slice. A limit <= 0 means no limit.
func Window(docs []Document, skip, limit int64) []Document {
	if skip < 0 {
		skip = 0
	}
	if skip >= int64(len(docs)) {
		return []Document{}
	}
	docs = docs[skip:]
	if limit > 0 && limit < int64(len(docs)) {
		docs = docs[:limit]
	}
	return docs
}

func lookup(doc Document, path string) (interface{}, bool) {
	var current interface{} = map[string]interface{}(doc)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case Document:
		return m, true
	case Filter:
		return m, true
	case primitive.M:
		return m, true
	case primitive.D:
		return m.Map(), true
	default:
		return nil, false
	}
}

func operatorMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := asMap(v)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func equalOrContains(value, want interface{}) bool {
	if equal(value, want) {
		return true
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() != reflect.Uint8 {
		for i := 0; i < rv.Len(); i++ {
			if equal(rv.Index(i).Interface(), want) {
				return true
			}
		}
	}
	return false
}

func equal(a, b interface{}) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	if c, ok := compare(a, b); ok {
		return c == 0
	}
	am, aok := asMap(a)
	bm, bok := asMap(b)
	if aok && bok {
		if len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !equal(av, bv) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func compare(a, b interface{}) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case primitive.ObjectID:
		bv, ok := b.(primitive.ObjectID)
		if !ok {
			return 0, false
		}
		return bytes.Compare(av[:], bv[:]), true
	case time.Time:
		bt, ok := asTime(b)
		if !ok {
			return 0, false
		}
		return av.Compare(bt), true
	case primitive.DateTime:
		bt, ok := asTime(b)
		if !ok {
			return 0, false
		}
		return av.Time().Compare(bt), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}

func asTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case primitive.DateTime:
		return t.Time(), true
	default:
		return time.Time{}, false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Lookup returns the value at a dotted path.
func Lookup(doc Document, path string) (interface{}, bool) {
	return lookup(doc, path)
}

// SortDocuments orders docs in place by one field. Documents whose values are missing or
// not comparable keep their relative order.
func SortDocuments(docs []Document, s Sort) {
	if s.Field == "" {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		a, aok := lookup(docs[i], s.Field)
		b, bok := lookup(docs[j], s.Field)
		if !aok || !bok {
			return false
		}
		c, ok := compare(a, b)
		if !ok {
			return false
		}
		if s.Order == SortDesc {
			return c > 0
		}
		return c < 0
	})
}
