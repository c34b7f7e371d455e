package tenant

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection classifies failures to obtain a pooled connection.
	ErrConnection = errors.New("tenant connection error")
	// ErrQuery classifies failed read operations.
	ErrQuery = errors.New("tenant query error")
	// ErrWrite classifies failed insert, update and delete operations.
	ErrWrite = errors.New("tenant write error")
	// ErrInvalidID classifies identifiers that cannot be converted to an ObjectID.
	ErrInvalidID = errors.New("tenant invalid id")
	// ErrInvalidArgument classifies missing tenant or collection names.
	ErrInvalidArgument = errors.New("tenant invalid argument")
)

func tenantError(kind error, message string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", kind, message)
	}
	return fmt.Errorf("%w: %s: %w", kind, message, cause)
}
