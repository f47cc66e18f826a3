package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below unwrap to them so callers can use errors.Is.
var (
	// ErrIllegalModificationState reports a mutation outside an add or modify scope.
	ErrIllegalModificationState = errors.New("entity modified outside of its modification scope")
	ErrEntityNotFound           = errors.New("entity not found")
	ErrSchemaIncompatible       = errors.New("schema incompatible")
	ErrMaterialization          = errors.New("materialization failed")
	ErrFieldType                = errors.New("field type mismatch")
	ErrUnknownField             = errors.New("unknown field")
)

// EntityNotFoundError indicates that an entity id no longer resolves.
type EntityNotFoundError struct {
	ID EntityID
}

func (e EntityNotFoundError) Error() string {
	return fmt.Sprintf("entity %s not found", e.ID)
}

func (e EntityNotFoundError) Is(target error) bool { return target == ErrEntityNotFound }

// SchemaIncompatibleError reports a schema hash mismatch for a named type.
// Want is the local hash, Got the one found in the incoming data. A zero Want
// means the type is not known locally.
type SchemaIncompatibleError struct {
	Type string
	Want uint64
	Got  uint64
}

func (e *SchemaIncompatibleError) Error() string {
	if e.Want == 0 {
		return fmt.Sprintf("entity type %s: not registered", e.Type)
	}
	return fmt.Sprintf("entity type %s: schema hash %016x, expected %016x", e.Type, e.Got, e.Want)
}

func (e *SchemaIncompatibleError) Is(target error) bool { return target == ErrSchemaIncompatible }

// MaterializationFailure wraps an error or panic raised while building a
// derived object for an entity.
type MaterializationFailure struct {
	ID         EntityID
	Generation uint64
	Err        error
}

func (e *MaterializationFailure) Error() string {
	return fmt.Sprintf("materialize %s at generation %d: %v", e.ID, e.Generation, e.Err)
}

func (e *MaterializationFailure) Unwrap() error { return e.Err }

func (e *MaterializationFailure) Is(target error) bool { return target == ErrMaterialization }
