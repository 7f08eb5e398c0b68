package mutation

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownOperation is returned when an operation name is not create, update or delete.
var ErrUnknownOperation = errors.New("unknown operation")

// Operation is the kind of write that produced an event.
type Operation string

const (
	Create Operation = "create"
	Update Operation = "update"
	Delete Operation = "delete"
)

// Operations lists every operation in the order hooks are bound.
var Operations = []Operation{Create, Update, Delete}

// ParseOperation parses an operation name, case-insensitively.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(strings.ToLower(strings.TrimSpace(s))); op {
	case Create, Update, Delete:
		return op, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOperation, s)
	}
}

func (o Operation) String() string {
	return string(o)
}

// Event is a committed write against a collection.
type Event struct {
	Collection string
	Operation  Operation

	// Keys are the primary keys affected by the write.
	Keys []any

	// Payload is the data carried by the source event. For deletes it holds the
	// deleted records and is forwarded to subscribers as-is.
	Payload []any
}

// Single reports whether the event concerned exactly one key. Subscribers then
// receive a single object instead of an array.
func (e Event) Single() bool {
	return len(e.Keys) == 1
}

// Validate checks that the event can be dispatched.
func (e Event) Validate() error {
	if e.Collection == "" {
		return errors.New("event collection cannot be empty")
	}
	if _, err := ParseOperation(string(e.Operation)); err != nil {
		return err
	}
	if e.Operation != Delete && len(e.Keys) == 0 {
		return fmt.Errorf("%s event for %s carries no keys", e.Operation, e.Collection)
	}
	return nil
}
