package core

import (
	"cmp"
	"iter"
	"maps"
	"slices"
	"strings"
	"sync/atomic"

	"entitygraph/pkg/domain"
)

var generations atomic.Uint64

func nextGeneration() uint64 { return generations.Add(1) }

// Snapshot is an immutable entity graph. It is safe for concurrent use and
// shares unmodified per-type tables with the builders derived from it.
type Snapshot struct {
	tables     map[domain.TypeID]*entityTable
	idx        *indexes
	generation uint64
}

// EmptySnapshot returns a snapshot without entities.
func EmptySnapshot() *Snapshot {
	return &Snapshot{tables: map[domain.TypeID]*entityTable{}, idx: newIndexes(), generation: nextGeneration()}
}

// Generation identifies the snapshot. Every finalized change produces a new, larger value.
func (s *Snapshot) Generation() uint64 { return s.generation }

func (s *Snapshot) Entities(t *domain.EntityType) iter.Seq[*domain.Entity] {
	return tableEntities(s.tables[t.ID()])
}

func (s *Snapshot) All() iter.Seq[*domain.Entity] { return allEntities(s.tables) }

func (s *Snapshot) Resolve(id domain.EntityID) (*domain.Entity, bool) {
	e := s.tables[id.Type].get(id.Index)
	return e, e != nil
}

func (s *Snapshot) ResolvePersistent(pid domain.PersistentID) (*domain.Entity, bool) {
	return resolvePersistent(s.idx, s.tables, pid)
}

func (s *Snapshot) EntitiesBySource(filter domain.SourceFilter) iter.Seq[*domain.Entity] {
	return bySource(s.idx, s.tables, filter)
}

func (s *Snapshot) EntityCount(t *domain.EntityType) int {
	if table := s.tables[t.ID()]; table != nil {
		return table.count
	}
	return 0
}

func (s *Snapshot) IsEmpty() bool { return isEmpty(s.tables) }

// Len counts the entities of every type.
func (s *Snapshot) Len() int {
	n := 0
	for _, table := range s.tables {
		n += table.count
	}
	return n
}

// SlotCounts reports how many ids each entity type has handed out, removed
// entities included.
func (s *Snapshot) SlotCounts() map[domain.TypeID]int { return slotCounts(s.tables) }

func (s *Snapshot) Referrers(id domain.EntityID) []domain.EntityID {
	return s.idx.referrers[id].sorted()
}

func (s *Snapshot) PersistentReferrers(pid domain.PersistentID) []domain.EntityID {
	return s.idx.softLinks[pid].sorted()
}

var _ domain.Storage = (*Snapshot)(nil)

func tableEntities(table *entityTable) iter.Seq[*domain.Entity] {
	return func(yield func(*domain.Entity) bool) {
		if table == nil {
			return
		}
		for _, e := range table.slots {
			if e != nil && !yield(e) {
				return
			}
		}
	}
}

func sortedTypeIDs(tables map[domain.TypeID]*entityTable) []domain.TypeID {
	ids := slices.Collect(maps.Keys(tables))
	slices.Sort(ids)
	return ids
}

func allEntities(tables map[domain.TypeID]*entityTable) iter.Seq[*domain.Entity] {
	return func(yield func(*domain.Entity) bool) {
		for _, typeID := range sortedTypeIDs(tables) {
			for e := range tableEntities(tables[typeID]) {
				if !yield(e) {
					return
				}
			}
		}
	}
}

func resolvePersistent(ix *indexes, tables map[domain.TypeID]*entityTable, pid domain.PersistentID) (*domain.Entity, bool) {
	id, ok := ix.byPID[pid]
	if !ok {
		return nil, false
	}
	e := tables[id.Type].get(id.Index)
	if e == nil {
		return nil, false
	}
	if got, ok := e.PersistentID(); !ok || got != pid {
		return nil, false
	}
	return e, true
}

func bySource(ix *indexes, tables map[domain.TypeID]*entityTable, filter domain.SourceFilter) iter.Seq[*domain.Entity] {
	return func(yield func(*domain.Entity) bool) {
		sources := slices.Collect(maps.Keys(ix.bySource))
		slices.SortFunc(sources, func(a, b domain.EntitySource) int {
			return cmp.Or(strings.Compare(a.Kind, b.Kind), strings.Compare(a.Location, b.Location))
		})
		for _, src := range sources {
			if !filter(src) {
				continue
			}
			for _, id := range ix.bySource[src].sorted() {
				if e := tables[id.Type].get(id.Index); e != nil && !yield(e) {
					return
				}
			}
		}
	}
}

func isEmpty(tables map[domain.TypeID]*entityTable) bool {
	for _, table := range tables {
		if table.count > 0 {
			return false
		}
	}
	return true
}

func slotCounts(tables map[domain.TypeID]*entityTable) map[domain.TypeID]int {
	out := make(map[domain.TypeID]int, len(tables))
	for id, table := range tables {
		if len(table.slots) > 0 {
			out[id] = len(table.slots)
		}
	}
	return out
}
