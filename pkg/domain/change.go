package domain

// ChangeKind enumerates the recorded modifications of an entity.
type ChangeKind uint8

// Change kinds in the order CollectChanges reports them per type.
const (
	ChangeRemoved ChangeKind = iota + 1
	ChangeReplaced
	ChangeAdded
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeRemoved:
		return "removed"
	case ChangeReplaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// Change records one entity transition inside a builder. Old is nil for
// additions, New is nil for removals.
type Change struct {
	Kind ChangeKind
	Old  *Entity
	New  *Entity
	// SourceChanged is set on replacements that moved the entity to another source.
	SourceChanged bool
}

// Entity returns the most recent value involved in the change.
func (c Change) Entity() *Entity {
	if c.New != nil {
		return c.New
	}
	return c.Old
}

// ID returns the affected entity id.
func (c Change) ID() EntityID { return c.Entity().ID() }

// Type returns the affected entity type.
func (c Change) Type() *EntityType { return c.Entity().Type() }
