package core

import (
	"fmt"
	"slices"

	"entitygraph/pkg/domain"
)

// AddDiff replays the changes recorded by source onto b. Removals run first
// and are no-ops for entities already gone. Replacements run before additions
// so that a persistent id freed by a rename is free again when an addition
// claims it; replacements that move an entity under a new parent wait for the
// additions. Additions are inserted parents first under freshly allocated
// ids. Replacements of entities that no longer exist in b are dropped.
func (b *Builder) AddDiff(source *Builder) (err error) {
	done := b.begin("add_diff")
	defer func() { done(err) }()

	changes := source.CollectChanges()
	added := make(map[domain.EntityID]*domain.Entity)
	var order []domain.EntityID
	for _, c := range changes {
		switch c.Kind {
		case domain.ChangeRemoved:
			if !b.removeCascade(c.Old.ID()) {
				b.logger.Debug("diff removal already applied", "entity", c.Old.ID().String())
			}
		case domain.ChangeAdded:
			added[c.New.ID()] = c.New
			order = append(order, c.New.ID())
		}
	}

	var now, later []domain.Change
	for _, c := range changes {
		if c.Kind != domain.ChangeReplaced {
			continue
		}
		if slices.ContainsFunc(c.New.Parents(), func(id domain.EntityID) bool { return added[id] != nil }) {
			later = append(later, c)
		} else {
			now = append(now, c)
		}
	}

	a := &diffApplier{target: b, added: added, remap: make(map[domain.EntityID]domain.EntityID), visiting: make(map[domain.EntityID]bool)}
	if err := a.replaceAll(now); err != nil {
		return err
	}
	for _, id := range order {
		if _, _, err := a.add(id); err != nil {
			return err
		}
	}
	return a.replaceAll(later)
}

type diffApplier struct {
	target   *Builder
	added    map[domain.EntityID]*domain.Entity
	remap    map[domain.EntityID]domain.EntityID
	visiting map[domain.EntityID]bool

	pending map[domain.EntityID]domain.Change
	active  map[domain.EntityID]bool
	parked  []parkedUpdate
}

// parkedUpdate is a replacement whose old value was taken out of the store to
// break a cycle of persistent id renames.
type parkedUpdate struct {
	current, next *domain.Entity
}

// mapParent translates a parent id of the source into the target.
func (a *diffApplier) mapParent(id domain.EntityID) (domain.EntityID, bool, error) {
	if mapped, ok := a.remap[id]; ok {
		return mapped, true, nil
	}
	if _, ok := a.added[id]; ok {
		return a.add(id)
	}
	if _, ok := a.target.Resolve(id); ok {
		return id, true, nil
	}
	return domain.EntityID{}, false, nil
}

func (a *diffApplier) remapParents(e *domain.Entity) ([]domain.Value, bool, error) {
	fields := e.Fields()
	for _, i := range e.Type().ParentFields() {
		parent, ok := fields[i].EntityID()
		if !ok {
			continue
		}
		mapped, ok, err := a.mapParent(parent)
		if err != nil || !ok {
			return nil, false, err
		}
		fields[i] = domain.ParentValue(mapped)
	}
	return fields, true, nil
}

func (a *diffApplier) add(id domain.EntityID) (domain.EntityID, bool, error) {
	if mapped, ok := a.remap[id]; ok {
		return mapped, true, nil
	}
	if a.visiting[id] {
		return domain.EntityID{}, false, fmt.Errorf("add diff: containment cycle through %s", id)
	}
	a.visiting[id] = true
	defer delete(a.visiting, id)

	e := a.added[id]
	fields, ok, err := a.remapParents(e)
	if err != nil {
		return domain.EntityID{}, false, err
	}
	if !ok {
		a.target.logger.Warn("dropping diff addition with missing parent", "entity", id.String())
		return domain.EntityID{}, false, nil
	}
	ne, err := a.target.addFields(e.Type(), e.Source(), fields)
	if err != nil {
		return domain.EntityID{}, false, fmt.Errorf("add diff: %w", err)
	}
	a.remap[id] = ne.ID()
	return ne.ID(), true, nil
}

// replaceAll applies batch so that an entity giving up a persistent id is
// renamed before the entity taking that id over. Renames that form a cycle
// park one member until the rest of the cycle is applied.
func (a *diffApplier) replaceAll(batch []domain.Change) error {
	a.pending = make(map[domain.EntityID]domain.Change, len(batch))
	a.active = make(map[domain.EntityID]bool)
	for _, c := range batch {
		a.pending[c.New.ID()] = c
	}
	for _, c := range batch {
		err := a.replaceOrdered(c.New.ID())
		if perr := a.unpark(); err == nil {
			err = perr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *diffApplier) replaceOrdered(id domain.EntityID) error {
	c, ok := a.pending[id]
	if !ok {
		return nil
	}
	delete(a.pending, id)
	a.active[id] = true
	defer delete(a.active, id)

	current, next, ok, err := a.prepare(c)
	if err != nil || !ok {
		return err
	}
	if pid, ok := next.PersistentID(); ok {
		if holder, held := a.target.idx.byPID[pid]; held && holder != id {
			if a.active[holder] {
				a.park(current, next)
				return nil
			}
			if err := a.replaceOrdered(holder); err != nil {
				return err
			}
		}
	}
	return a.target.update(current, next)
}

func (a *diffApplier) park(current, next *domain.Entity) {
	a.target.unstore(current)
	a.parked = append(a.parked, parkedUpdate{current: current, next: next})
}

// unpark stores the parked replacements. A replacement that can no longer be
// applied puts its old value back, or removes it with its children when
// another entity has taken its persistent id in the meantime.
func (a *diffApplier) unpark() error {
	b := a.target
	var firstErr error
	for _, p := range a.parked {
		err := b.checkParents(p.next)
		if err == nil {
			err = b.evictClash(p.next, p.next.Parents()...)
		}
		if err == nil {
			b.store(p.next)
			b.changes.replaced(p.current, p.next)
			b.touch()
			continue
		}
		if firstErr == nil {
			firstErr = err
		}
		if pid, ok := p.current.PersistentID(); ok {
			if _, held := b.idx.byPID[pid]; held {
				b.changes.removed(p.current)
				for _, child := range b.idx.referrers[p.current.ID()].sorted() {
					b.removeCascade(child)
				}
				b.touch()
				continue
			}
		}
		b.store(p.current)
	}
	a.parked = nil
	return firstErr
}

// prepare builds the target value of a replacement. It reports false when the
// replacement is dropped.
func (a *diffApplier) prepare(c domain.Change) (current, next *domain.Entity, ok bool, err error) {
	current, ok = a.target.Resolve(c.New.ID())
	if !ok {
		a.target.logger.Warn("dropping diff modification of removed entity", "entity", c.New.ID().String())
		return nil, nil, false, nil
	}
	fields, ok, err := a.remapParents(c.New)
	if err != nil {
		return nil, nil, false, err
	}
	if !ok {
		a.target.logger.Warn("dropping diff modification with missing parent", "entity", c.New.ID().String())
		return nil, nil, false, nil
	}
	src := current.Source()
	if c.SourceChanged {
		src = c.New.Source()
	}
	next, err = domain.NewEntity(current.Type(), current.ID(), src, fields)
	if err != nil {
		return nil, nil, false, fmt.Errorf("add diff: %w", err)
	}
	if next.Source() == current.Source() && next.EqualByProperties(current) {
		return nil, nil, false, nil
	}
	return current, next, true, nil
}
