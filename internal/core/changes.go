package core

import (
	"slices"

	"entitygraph/pkg/domain"
)

type changeEntry struct {
	kind domain.ChangeKind
	old  *domain.Entity
	new  *domain.Entity
}

// changeLog keeps one folded entry per entity id:
// an added entity stays added when modified and disappears when removed,
// a replaced entity keeps its original value until it is removed.
type changeLog map[domain.EntityID]*changeEntry

func (l changeLog) added(e *domain.Entity) {
	l[e.ID()] = &changeEntry{kind: domain.ChangeAdded, new: e}
}

func (l changeLog) replaced(old, next *domain.Entity) {
	entry, ok := l[old.ID()]
	if !ok {
		l[old.ID()] = &changeEntry{kind: domain.ChangeReplaced, old: old, new: next}
		return
	}
	entry.new = next
}

func (l changeLog) removed(old *domain.Entity) {
	entry, ok := l[old.ID()]
	if !ok {
		l[old.ID()] = &changeEntry{kind: domain.ChangeRemoved, old: old}
		return
	}
	switch entry.kind {
	case domain.ChangeAdded:
		delete(l, old.ID())
	case domain.ChangeReplaced:
		l[old.ID()] = &changeEntry{kind: domain.ChangeRemoved, old: entry.old}
	}
}

func (c *changeEntry) change() domain.Change {
	out := domain.Change{Kind: c.kind, Old: c.old, New: c.new}
	if c.kind == domain.ChangeReplaced {
		out.SourceChanged = c.old.Source() != c.new.Source()
	}
	return out
}

// collect returns the log grouped by entity type, each group ordered
// removed, replaced, added and then by id.
func (l changeLog) collect() []domain.Change {
	ids := make([]domain.EntityID, 0, len(l))
	for id := range l {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b domain.EntityID) int {
		if a.Type != b.Type {
			return compareIDs(a, b)
		}
		if ka, kb := l[a].kind, l[b].kind; ka != kb {
			return int(ka) - int(kb)
		}
		return compareIDs(a, b)
	})
	out := make([]domain.Change, len(ids))
	for i, id := range ids {
		out[i] = l[id].change()
	}
	return out
}
