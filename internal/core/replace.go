package core

import (
	"encoding/binary"
	"fmt"
	"iter"
	"slices"

	"github.com/cespare/xxhash/v2"

	"entitygraph/pkg/domain"
)

// identityIndex computes and memoizes entity identity hashes within one store.
// Types with a persistent id are identified by it; other entities by their
// fields plus the identity of their parents, recursively. The store must not
// change while the index is in use.
type identityIndex struct {
	store  domain.Storage
	hashes map[domain.EntityID]uint64
	byType map[domain.TypeID]map[uint64][]*domain.Entity
}

func newIdentityIndex(s domain.Storage) *identityIndex {
	return &identityIndex{store: s, hashes: make(map[domain.EntityID]uint64)}
}

func (x *identityIndex) hash(e *domain.Entity) uint64 {
	if h, ok := x.hashes[e.ID()]; ok {
		return h
	}
	d := xxhash.New()
	_, _ = d.WriteString(e.Type().Name)
	if pid, ok := e.PersistentID(); ok {
		_, _ = d.WriteString("(" + pid.Key + ")")
	} else {
		var buf [8]byte
		for i, f := range e.Type().Fields {
			v := e.Field(i)
			if f.Type.Kind == domain.KindParent {
				if parent, ok := x.parent(v); ok {
					binary.LittleEndian.PutUint64(buf[:], x.hash(parent))
					_, _ = d.Write(buf[:])
				} else {
					_, _ = d.WriteString("~")
				}
				continue
			}
			binary.LittleEndian.PutUint64(buf[:], v.Hash())
			_, _ = d.Write(buf[:])
		}
	}
	h := d.Sum64()
	x.hashes[e.ID()] = h
	return h
}

func (x *identityIndex) parent(v domain.Value) (*domain.Entity, bool) {
	id, ok := v.EntityID()
	if !ok {
		return nil, false
	}
	return x.store.Resolve(id)
}

// find locates the entity of x.store whose identity equals e, which lives in other.
func (x *identityIndex) find(e *domain.Entity, other *identityIndex) (*domain.Entity, bool) {
	if pid, ok := e.PersistentID(); ok {
		return x.store.ResolvePersistent(pid)
	}
	if x.byType == nil {
		x.byType = make(map[domain.TypeID]map[uint64][]*domain.Entity)
	}
	buckets, ok := x.byType[e.Type().ID()]
	if !ok {
		buckets = make(map[uint64][]*domain.Entity)
		for candidate := range x.store.Entities(e.Type()) {
			h := x.hash(candidate)
			buckets[h] = append(buckets[h], candidate)
		}
		x.byType[e.Type().ID()] = buckets
	}
	for _, candidate := range buckets[other.hash(e)] {
		if sameIdentity(x, candidate, other, e) {
			return candidate, true
		}
	}
	return nil, false
}

func sameIdentity(x *identityIndex, a *domain.Entity, y *identityIndex, b *domain.Entity) bool {
	if !domain.SameType(a.Type(), b.Type()) {
		return false
	}
	if pa, ok := a.PersistentID(); ok {
		pb, _ := b.PersistentID()
		return pa == pb
	}
	for i, f := range a.Type().Fields {
		va, vb := a.Field(i), b.Field(i)
		if f.Type.Kind != domain.KindParent {
			if !va.Equal(vb) {
				return false
			}
			continue
		}
		pa, okA := x.parent(va)
		pb, okB := y.parent(vb)
		if okA != okB || (okA && !sameIdentity(x, pa, y, pb)) {
			return false
		}
	}
	return true
}

// ReplaceBySource makes the entities of b whose source matches filter equal
// to the matching entities of replacement. Entities present on both sides
// keep their id in b and adopt the replacement's fields and source when they
// differ; entities only in b are removed and entities only in replacement are
// added. Entities of b with other sources are left alone unless they are
// contained by a removed entity. Identities on the b side are taken from b
// as it was when the call started.
func (b *Builder) ReplaceBySource(filter domain.SourceFilter, replacement domain.Storage) (err error) {
	done := b.begin("replace_by_source")
	defer func() { done(err) }()

	before := b.view()
	r := &replaceApplier{
		target:  b,
		repl:    replacement,
		tIdx:    newIdentityIndex(before),
		rIdx:    newIdentityIndex(replacement),
		remap:   make(map[domain.EntityID]domain.EntityID),
		pending: make(map[domain.EntityID]*domain.Entity),
		visit:   make(map[domain.EntityID]bool),
	}

	current := groupByType(before.EntitiesBySource(filter))
	incoming := groupByType(replacement.EntitiesBySource(filter))
	typeIDs := make([]domain.TypeID, 0, len(current)+len(incoming))
	for id := range current {
		typeIDs = append(typeIDs, id)
	}
	for id := range incoming {
		if _, ok := current[id]; !ok {
			typeIDs = append(typeIDs, id)
		}
	}
	slices.Sort(typeIDs)

	var (
		removed []*domain.Entity
		pairs   []EqualPair[*domain.Entity, *domain.Entity]
		added   []*domain.Entity
	)
	for _, typeID := range typeIDs {
		cls := ClassifyByEquals(current[typeID], incoming[typeID], r.tIdx.hash, r.rIdx.hash,
			func(a, e *domain.Entity) bool { return sameIdentity(r.tIdx, a, r.rIdx, e) })
		removed = append(removed, cls.OnlyIn1...)
		pairs = append(pairs, cls.Equal...)
		added = append(added, cls.OnlyIn2...)
	}
	for _, p := range pairs {
		r.remap[p.Second.ID()] = p.First.ID()
	}
	for _, e := range added {
		r.pending[e.ID()] = e
	}

	for _, e := range added {
		if _, _, err := r.add(e.ID()); err != nil {
			return err
		}
	}
	for _, p := range pairs {
		if err := r.adopt(p.First.ID(), p.Second); err != nil {
			return err
		}
	}
	for _, e := range removed {
		b.removeCascade(e.ID())
	}
	return nil
}

func groupByType(seq iter.Seq[*domain.Entity]) map[domain.TypeID][]*domain.Entity {
	out := make(map[domain.TypeID][]*domain.Entity)
	for e := range seq {
		out[e.ID().Type] = append(out[e.ID().Type], e)
	}
	return out
}

type replaceApplier struct {
	target  *Builder
	repl    domain.Storage
	tIdx    *identityIndex
	rIdx    *identityIndex
	remap   map[domain.EntityID]domain.EntityID
	pending map[domain.EntityID]*domain.Entity
	visit   map[domain.EntityID]bool
}

// mapParent translates a parent id of the replacement into the target.
func (r *replaceApplier) mapParent(id domain.EntityID) (domain.EntityID, bool, error) {
	if mapped, ok := r.remap[id]; ok {
		return mapped, true, nil
	}
	if _, ok := r.pending[id]; ok {
		return r.add(id)
	}
	parent, ok := r.repl.Resolve(id)
	if !ok {
		return domain.EntityID{}, false, nil
	}
	found, ok := r.tIdx.find(parent, r.rIdx)
	if !ok {
		return domain.EntityID{}, false, nil
	}
	r.remap[id] = found.ID()
	return found.ID(), true, nil
}

func (r *replaceApplier) fields(e *domain.Entity, fallback *domain.Entity) ([]domain.Value, bool, error) {
	fields := e.Fields()
	for _, i := range e.Type().ParentFields() {
		parent, ok := fields[i].EntityID()
		if !ok {
			continue
		}
		mapped, ok, err := r.mapParent(parent)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			if fallback == nil {
				return nil, false, nil
			}
			fields[i] = fallback.Field(i)
			continue
		}
		fields[i] = domain.ParentValue(mapped)
	}
	return fields, true, nil
}

func (r *replaceApplier) add(id domain.EntityID) (domain.EntityID, bool, error) {
	if mapped, ok := r.remap[id]; ok {
		return mapped, true, nil
	}
	if r.visit[id] {
		return domain.EntityID{}, false, fmt.Errorf("replace by source: containment cycle through %s", id)
	}
	r.visit[id] = true
	defer delete(r.visit, id)

	e := r.pending[id]
	if pid, ok := e.PersistentID(); ok {
		if existing, ok := r.target.ResolvePersistent(pid); ok {
			r.target.logger.Warn("replacement entity clashes with an entity of another source, keeping existing",
				"persistent_id", pid.String(), "existing", existing.ID().String())
			r.remap[id] = existing.ID()
			return existing.ID(), true, nil
		}
	}
	fields, ok, err := r.fields(e, nil)
	if err != nil {
		return domain.EntityID{}, false, err
	}
	if !ok {
		r.target.logger.Warn("skipping replacement entity with unresolved parent", "entity", id.String())
		return domain.EntityID{}, false, nil
	}
	ne, err := r.target.addFields(e.Type(), e.Source(), fields)
	if err != nil {
		return domain.EntityID{}, false, fmt.Errorf("replace by source: %w", err)
	}
	r.remap[id] = ne.ID()
	return ne.ID(), true, nil
}

// adopt copies the replacement's fields and source onto the kept target entity.
func (r *replaceApplier) adopt(id domain.EntityID, e *domain.Entity) error {
	current, ok := r.target.Resolve(id)
	if !ok {
		return nil
	}
	fields, _, err := r.fields(e, current)
	if err != nil {
		return err
	}
	next, err := domain.NewEntity(current.Type(), current.ID(), e.Source(), fields)
	if err != nil {
		return fmt.Errorf("replace by source: %w", err)
	}
	if next.Source() == current.Source() && next.EqualByProperties(current) {
		return nil
	}
	return r.target.update(current, next)
}
