package document

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrInvalidObjectID is returned when a value cannot be converted to an ObjectID.
var ErrInvalidObjectID = errors.New("invalid object id")

// ObjectID converts a plain identifier to the store's native ID representation.
// Accepted inputs are primitive.ObjectID, *primitive.ObjectID, 24-character hex strings
// and 12-byte arrays. The zero ObjectID is a valid id in every form.
func ObjectID(id interface{}) (primitive.ObjectID, error) {
	switch v := id.(type) {
	case primitive.ObjectID:
		return v, nil
	case *primitive.ObjectID:
		if v == nil {
			return primitive.NilObjectID, fmt.Errorf("%w: nil pointer", ErrInvalidObjectID)
		}
		return ObjectID(*v)
	case string:
		oid, err := primitive.ObjectIDFromHex(v)
		if err != nil {
			return primitive.NilObjectID, fmt.Errorf("%w: %q: %w", ErrInvalidObjectID, v, err)
		}
		return oid, nil
	case [12]byte:
		return ObjectID(primitive.ObjectID(v))
	case nil:
		return primitive.NilObjectID, fmt.Errorf("%w: nil", ErrInvalidObjectID)
	default:
		return primitive.NilObjectID, fmt.Errorf("%w: unsupported type %T", ErrInvalidObjectID, id)
	}
}

// IDFilter builds the filter selecting a single document by its converted id.
func IDFilter(id interface{}) (Filter, error) {
	oid, err := ObjectID(id)
	if err != nil {
		return nil, err
	}
	return Filter{IDField: oid}, nil
}
