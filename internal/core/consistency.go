package core

import (
	"errors"
	"fmt"
	"maps"

	"entitygraph/pkg/domain"
)

// CheckConsistency verifies the snapshot's indexes against its entity tables.
func (s *Snapshot) CheckConsistency() error { return checkConsistency(s.tables, s.idx) }

// checkConsistency asserts that the type tables, source index and
// persistent-id index describe the same entity set and that the referrer and
// soft-link indexes equal a forward scan of the stored references.
func checkConsistency(tables map[domain.TypeID]*entityTable, ix *indexes) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	entities := make(map[domain.EntityID]*domain.Entity)
	for typeID, table := range tables {
		live := 0
		for i, e := range table.slots {
			if e == nil {
				continue
			}
			live++
			want := domain.EntityID{Type: typeID, Index: uint32(i)}
			if e.ID() != want {
				fail("slot %s holds entity %s", want, e.ID())
			}
			entities[e.ID()] = e
		}
		if live != table.count {
			fail("type %d: count %d, %d live slots", typeID, table.count, live)
		}
	}

	indexed := 0
	for src, set := range ix.bySource {
		for id := range set {
			indexed++
			e, ok := entities[id]
			switch {
			case !ok:
				fail("source index %s lists missing entity %s", src, id)
			case e.Source() != src:
				fail("source index %s lists %s with source %s", src, id, e.Source())
			}
		}
	}
	if indexed != len(entities) {
		fail("source index holds %d entities, tables hold %d", indexed, len(entities))
	}

	wantRefs := make(map[domain.EntityID]idSet)
	wantLinks := make(map[domain.PersistentID]idSet)
	for id, e := range entities {
		if pid, ok := e.PersistentID(); ok {
			if got, ok := ix.byPID[pid]; !ok || got != id {
				fail("persistent id %s resolves to %v, want %s", pid, got, id)
			}
		}
		for _, parent := range e.Parents() {
			addTo(wantRefs, parent, id)
		}
		for _, pid := range e.PersistentRefs() {
			addTo(wantLinks, pid, id)
		}
	}
	for pid, id := range ix.byPID {
		e, ok := entities[id]
		if !ok {
			fail("persistent id %s points at missing entity %s", pid, id)
			continue
		}
		if got, _ := e.PersistentID(); got != pid {
			fail("persistent id %s points at %s whose id is %s", pid, id, got)
		}
	}

	if !maps.EqualFunc(ix.referrers, wantRefs, equalSets) {
		fail("referrers index differs from forward scan")
	}
	for target, set := range ix.referrers {
		if _, ok := entities[target]; !ok {
			fail("referrers index keyed by missing entity %s", target)
		}
		for id := range set {
			if _, ok := entities[id]; !ok {
				fail("referrers index of %s lists missing entity %s", target, id)
			}
		}
	}
	if !maps.EqualFunc(ix.softLinks, wantLinks, equalSets) {
		fail("soft-link index differs from forward scan")
	}
	return errors.Join(errs...)
}

func equalSets(a, b idSet) bool { return maps.Equal(a, b) }
