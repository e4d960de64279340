package hydrate

import (
	"errors"
	"fmt"

	"newsroom-api/internal/storage"
)

// ErrRecursionLimit is returned when a build nests deeper than the
// configured depth.
var ErrRecursionLimit = errors.New("hydrate: recursion limit exceeded")

// RelationError reports the relation whose fetch failed. It matches
// storage.ErrConflict as well as the underlying storage error.
type RelationError struct {
	Entity   string
	Relation string
	Err      error
}

func (e *RelationError) Error() string {
	return fmt.Sprintf("hydrate %s.%s: %v", e.Entity, e.Relation, e.Err)
}

func (e *RelationError) Unwrap() []error {
	return []error{storage.ErrConflict, e.Err}
}

// wrapFetch wraps err once at the relation that first saw it. Errors that
// are already classified pass through untouched.
func wrapFetch(schema *Schema, rel *Relation, err error) error {
	if err == nil {
		return nil
	}
	var relErr *RelationError
	if errors.As(err, &relErr) {
		return err
	}
	if errors.Is(err, ErrRecursionLimit) || errors.Is(err, storage.ErrInvalidRequest) {
		return err
	}
	return &RelationError{Entity: schema.Name, Relation: rel.Name, Err: err}
}
