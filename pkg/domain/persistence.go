package domain

import (
	"context"
	"errors"
	"iter"
)

// Storage is the read-only contract shared by snapshots and builders.
type Storage interface {
	// Entities yields every entity of type t. The sequence is finite and restartable.
	Entities(t *EntityType) iter.Seq[*Entity]
	// All yields every stored entity regardless of type.
	All() iter.Seq[*Entity]
	Resolve(id EntityID) (*Entity, bool)
	ResolvePersistent(pid PersistentID) (*Entity, bool)
	EntitiesBySource(filter SourceFilter) iter.Seq[*Entity]
	EntityCount(t *EntityType) int
	IsEmpty() bool
	// Referrers lists the ids of entities holding a containment reference to id.
	Referrers(id EntityID) []EntityID
	// PersistentReferrers lists the ids of entities holding a weak reference to pid.
	PersistentReferrers(pid PersistentID) []EntityID
}

// ResolveReference resolves the weak reference held in the named field of e
// against s. A dangling or unset reference yields (nil, false).
func ResolveReference(s Storage, e *Entity, field string) (*Entity, bool) {
	pid, ok := e.Ref(field)
	if !ok {
		return nil, false
	}
	return s.ResolvePersistent(pid)
}

// Children resolves the entities contained by id.
func Children(s Storage, id EntityID) []*Entity {
	ids := s.Referrers(id)
	out := make([]*Entity, 0, len(ids))
	for _, child := range ids {
		if e, ok := s.Resolve(child); ok {
			out = append(out, e)
		}
	}
	return out
}

// ErrFrameNotFound reports a missing named frame.
var ErrFrameNotFound = errors.New("frame not found")

// FrameStore persists serialized snapshot frames under names. Saving an
// existing name replaces its frame.
type FrameStore interface {
	SaveFrame(ctx context.Context, name string, frame []byte) error
	LoadFrame(ctx context.Context, name string) ([]byte, error)
	// ListFrames returns the stored names in ascending order.
	ListFrames(ctx context.Context) ([]string, error)
	DeleteFrame(ctx context.Context, name string) (bool, error)
	Close() error
}
