package core

import (
	"cmp"
	"maps"
	"slices"

	"entitygraph/pkg/domain"
)

type idSet map[domain.EntityID]struct{}

func (s idSet) sorted() []domain.EntityID {
	out := slices.Collect(maps.Keys(s))
	slices.SortFunc(out, compareIDs)
	return out
}

func compareIDs(a, b domain.EntityID) int {
	return cmp.Or(cmp.Compare(a.Type, b.Type), cmp.Compare(a.Index, b.Index))
}

// entityTable is the arena of one entity type. A nil slot marks a removed
// entity; slots are never reused.
type entityTable struct {
	slots []*domain.Entity
	count int
}

func (t *entityTable) clone() *entityTable {
	if t == nil {
		return &entityTable{}
	}
	return &entityTable{slots: slices.Clone(t.slots), count: t.count}
}

func (t *entityTable) get(index uint32) *domain.Entity {
	if t == nil || int(index) >= len(t.slots) {
		return nil
	}
	return t.slots[index]
}

// indexes holds the derived lookup structures of a store.
type indexes struct {
	bySource  map[domain.EntitySource]idSet
	byPID     map[domain.PersistentID]domain.EntityID
	referrers map[domain.EntityID]idSet
	softLinks map[domain.PersistentID]idSet
}

func newIndexes() *indexes {
	return &indexes{
		bySource:  make(map[domain.EntitySource]idSet),
		byPID:     make(map[domain.PersistentID]domain.EntityID),
		referrers: make(map[domain.EntityID]idSet),
		softLinks: make(map[domain.PersistentID]idSet),
	}
}

func cloneSets[K comparable](in map[K]idSet) map[K]idSet {
	out := make(map[K]idSet, len(in))
	for k, set := range in {
		out[k] = maps.Clone(set)
	}
	return out
}

func (ix *indexes) clone() *indexes {
	return &indexes{
		bySource:  cloneSets(ix.bySource),
		byPID:     maps.Clone(ix.byPID),
		referrers: cloneSets(ix.referrers),
		softLinks: cloneSets(ix.softLinks),
	}
}

func addTo[K comparable](m map[K]idSet, key K, id domain.EntityID) {
	set, ok := m[key]
	if !ok {
		set = make(idSet)
		m[key] = set
	}
	set[id] = struct{}{}
}

func removeFrom[K comparable](m map[K]idSet, key K, id domain.EntityID) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(m, key)
	}
}

// attach indexes e. The persistent-id slot is overwritten; callers resolve clashes first.
func (ix *indexes) attach(e *domain.Entity) {
	id := e.ID()
	addTo(ix.bySource, e.Source(), id)
	if pid, ok := e.PersistentID(); ok {
		ix.byPID[pid] = id
	}
	for _, parent := range e.Parents() {
		addTo(ix.referrers, parent, id)
	}
	for _, pid := range e.PersistentRefs() {
		addTo(ix.softLinks, pid, id)
	}
}

// detach removes every edge e contributed.
func (ix *indexes) detach(e *domain.Entity) {
	id := e.ID()
	removeFrom(ix.bySource, e.Source(), id)
	if pid, ok := e.PersistentID(); ok && ix.byPID[pid] == id {
		delete(ix.byPID, pid)
	}
	for _, parent := range e.Parents() {
		removeFrom(ix.referrers, parent, id)
	}
	for _, pid := range e.PersistentRefs() {
		removeFrom(ix.softLinks, pid, id)
	}
}
