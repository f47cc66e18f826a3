package core

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"math"
	"slices"
	"sync/atomic"
	"time"

	"entitygraph/pkg/domain"
)

// Builder is a copy-on-write transaction over a Snapshot. It is meant for one
// writer at a time; overlapping writes are detected and logged.
type Builder struct {
	base     *Snapshot
	tables   map[domain.TypeID]*entityTable
	owned    map[domain.TypeID]bool
	idx      *indexes
	idxOwned bool
	changes  changeLog
	modCount int
	dirty    bool
	writing  atomic.Bool

	logger  *slog.Logger
	metrics MetricsRecorder
}

// BuilderOption customises a Builder.
type BuilderOption func(*Builder)

// WithBuilderLogger routes builder diagnostics to logger.
func WithBuilderLogger(logger *slog.Logger) BuilderOption {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithBuilderMetrics records builder operation timings in m.
func WithBuilderMetrics(m MetricsRecorder) BuilderOption {
	return func(b *Builder) {
		if m != nil {
			b.metrics = m
		}
	}
}

// NewBuilder starts an empty builder.
func NewBuilder(opts ...BuilderOption) *Builder {
	return BuilderFrom(nil, opts...)
}

// BuilderFrom starts a builder over s. A nil snapshot starts empty.
func BuilderFrom(s *Snapshot, opts ...BuilderOption) *Builder {
	if s == nil {
		s = EmptySnapshot()
	}
	b := &Builder{
		base:    s,
		tables:  maps.Clone(s.tables),
		owned:   make(map[domain.TypeID]bool),
		idx:     s.idx,
		changes: make(changeLog),
		logger:  slog.Default(),
		metrics: PrometheusMetrics{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// begin marks the start of a write and returns the matching completion hook.
func (b *Builder) begin(op string) func(error) {
	start := time.Now()
	owner := b.writing.CompareAndSwap(false, true)
	if !owner {
		b.logger.Error("concurrent builder modification detected", "op", op)
	}
	return func(err error) {
		if owner {
			b.writing.Store(false)
		}
		b.metrics.Observe(context.Background(), op, err == nil, time.Since(start))
	}
}

func (b *Builder) table(t domain.TypeID) *entityTable {
	if !b.owned[t] {
		b.tables[t] = b.tables[t].clone()
		b.owned[t] = true
	}
	return b.tables[t]
}

func (b *Builder) index() *indexes {
	if !b.idxOwned {
		b.idx = b.idx.clone()
		b.idxOwned = true
	}
	return b.idx
}

func (b *Builder) touch() {
	b.modCount++
	b.dirty = true
}

func (b *Builder) allocate(t *domain.EntityType) domain.EntityID {
	table := b.table(t.ID())
	table.slots = append(table.slots, nil)
	return domain.EntityID{Type: t.ID(), Index: uint32(len(table.slots) - 1)}
}

func (b *Builder) store(e *domain.Entity) {
	table := b.table(e.ID().Type)
	if table.slots[e.ID().Index] == nil {
		table.count++
	}
	table.slots[e.ID().Index] = e
	b.index().attach(e)
}

func (b *Builder) unstore(e *domain.Entity) {
	table := b.table(e.ID().Type)
	table.slots[e.ID().Index] = nil
	table.count--
	b.index().detach(e)
}

// checkParents verifies that every containment reference of e resolves to an
// entity of the declared target type.
func (b *Builder) checkParents(e *domain.Entity) error {
	t := e.Type()
	for _, i := range t.ParentFields() {
		parent, ok := e.Field(i).EntityID()
		if !ok {
			continue
		}
		pe, ok := b.Resolve(parent)
		if !ok {
			return fmt.Errorf("%s.%s: %w", t.Name, t.Fields[i].Name, domain.EntityNotFoundError{ID: parent})
		}
		if want := t.Fields[i].Type.Target; pe.Type().Name != want {
			return fmt.Errorf("%w: %s.%s references %s, want %s", domain.ErrFieldType, t.Name, t.Fields[i].Name, pe.Type().Name, want)
		}
	}
	return nil
}

// evictClash removes an entity that already owns the persistent id of e. It
// refuses, without removing anything, when the cascade would take one of keep
// with it, such as a parent of e or the entity being modified.
func (b *Builder) evictClash(e *domain.Entity, keep ...domain.EntityID) error {
	pid, ok := e.PersistentID()
	if !ok {
		return nil
	}
	existing, ok := b.idx.byPID[pid]
	if !ok || existing == e.ID() {
		return nil
	}
	for _, id := range b.subtree(existing) {
		if slices.Contains(keep, id) {
			return fmt.Errorf("persistent id %s is held by %s, which contains %s: %w",
				pid, existing, id, domain.EntityNotFoundError{ID: id})
		}
	}
	b.logger.Warn("persistent id already in use, replacing entity",
		"persistent_id", pid.String(), "existing", existing.String(), "entity", e.ID().String())
	b.removeCascade(existing)
	return nil
}

// commitAdd stores a freshly allocated entity.
func (b *Builder) commitAdd(e *domain.Entity) error {
	if err := b.checkParents(e); err != nil {
		return err
	}
	if err := b.evictClash(e, e.Parents()...); err != nil {
		return err
	}
	b.store(e)
	b.changes.added(e)
	b.touch()
	return nil
}

// addFields allocates an id and stores an entity built from fields.
func (b *Builder) addFields(t *domain.EntityType, source domain.EntitySource, fields []domain.Value) (*domain.Entity, error) {
	if _, err := domain.Register(t); err != nil {
		return nil, err
	}
	e, err := domain.NewEntity(t, b.allocate(t), source, fields)
	if err != nil {
		return nil, err
	}
	if err := b.commitAdd(e); err != nil {
		return nil, err
	}
	return e, nil
}

// update swaps current for next, which must carry the same id.
func (b *Builder) update(current, next *domain.Entity) error {
	if _, ok := b.Resolve(current.ID()); !ok {
		return domain.EntityNotFoundError{ID: current.ID()}
	}
	if err := b.checkParents(next); err != nil {
		return err
	}
	if err := b.evictClash(next, append(next.Parents(), current.ID())...); err != nil {
		return err
	}
	b.unstore(current)
	b.store(next)
	b.changes.replaced(current, next)
	b.touch()
	return nil
}

// subtree lists id and every entity reachable through containment, children first.
func (b *Builder) subtree(id domain.EntityID) []domain.EntityID {
	var order []domain.EntityID
	seen := make(map[domain.EntityID]bool)
	var visit func(domain.EntityID)
	visit = func(id domain.EntityID) {
		if seen[id] {
			return
		}
		seen[id] = true
		for _, child := range b.idx.referrers[id].sorted() {
			visit(child)
		}
		order = append(order, id)
	}
	visit(id)
	return order
}

func (b *Builder) removeCascade(id domain.EntityID) bool {
	if _, ok := b.Resolve(id); !ok {
		return false
	}
	for _, victim := range b.subtree(id) {
		e, ok := b.Resolve(victim)
		if !ok {
			continue
		}
		b.unstore(e)
		b.changes.removed(e)
	}
	b.touch()
	return true
}

// AddEntity allocates a new entity of type t and runs init against its
// mutable proxy. The proxy rejects writes once AddEntity returns.
func (b *Builder) AddEntity(t *domain.EntityType, source domain.EntitySource, init func(*domain.MutableEntity) error) (e *domain.Entity, err error) {
	done := b.begin("add_entity")
	defer func() { done(err) }()

	if _, err := domain.Register(t); err != nil {
		return nil, err
	}
	m := domain.NewMutableEntity(t, b.allocate(t), source, nil)
	var initErr error
	if init != nil {
		initErr = init(m)
	}
	e, err = m.Seal()
	if initErr != nil {
		return nil, initErr
	}
	if err != nil {
		return nil, err
	}
	if err := b.commitAdd(e); err != nil {
		return nil, err
	}
	return e, nil
}

// ModifyEntity applies mutator to the current value of e and returns the new
// value. Holders of earlier values keep observing the old fields.
func (b *Builder) ModifyEntity(e *domain.Entity, mutator func(*domain.MutableEntity) error) (next *domain.Entity, err error) {
	done := b.begin("modify_entity")
	defer func() { done(err) }()

	current, ok := b.Resolve(e.ID())
	if !ok {
		return nil, domain.EntityNotFoundError{ID: e.ID()}
	}
	m := domain.Edit(current)
	var mutErr error
	if mutator != nil {
		mutErr = mutator(m)
	}
	next, err = m.Seal()
	if mutErr != nil {
		return nil, mutErr
	}
	if err != nil {
		return nil, err
	}
	if err := b.update(current, next); err != nil {
		return nil, err
	}
	return next, nil
}

// RemoveEntity removes e and everything it contains. Weak references to the
// removed entities are left dangling. It reports whether e was present.
func (b *Builder) RemoveEntity(e *domain.Entity) bool {
	done := b.begin("remove_entity")
	removed := b.removeCascade(e.ID())
	done(nil)
	return removed
}

// ChangeSource moves e to another source without touching its fields.
func (b *Builder) ChangeSource(e *domain.Entity, source domain.EntitySource) (next *domain.Entity, err error) {
	done := b.begin("change_source")
	defer func() { done(err) }()

	current, ok := b.Resolve(e.ID())
	if !ok {
		return nil, domain.EntityNotFoundError{ID: e.ID()}
	}
	if current.Source() == source {
		return current, nil
	}
	next = current.WithSource(source)
	if err := b.update(current, next); err != nil {
		return nil, err
	}
	return next, nil
}

// Restore inserts an entity under its existing id without recording a
// change. Decoders use it to rebuild stores; the slot must be free.
func (b *Builder) Restore(e *domain.Entity) error {
	if _, err := domain.Register(e.Type()); err != nil {
		return err
	}
	table := b.table(e.ID().Type)
	b.grow(table, int(e.ID().Index)+1)
	if table.slots[e.ID().Index] != nil {
		return fmt.Errorf("restore %s: slot already occupied", e.ID())
	}
	if err := b.evictClash(e, e.Parents()...); err != nil {
		return fmt.Errorf("restore %s: %w", e.ID(), err)
	}
	b.store(e)
	b.dirty = true
	return nil
}

// Reserve marks the first slots indices of t as used so that later additions
// never hand them out again. Decoders call it with the slot count of the
// store they rebuild.
func (b *Builder) Reserve(t *domain.EntityType, slots int) error {
	if _, err := domain.Register(t); err != nil {
		return err
	}
	if slots < 0 || int64(slots) > math.MaxUint32 {
		return fmt.Errorf("reserve %s: slot count %d out of range", t.Name, slots)
	}
	if b.grow(b.table(t.ID()), slots) {
		b.dirty = true
	}
	return nil
}

func (b *Builder) grow(table *entityTable, n int) bool {
	if n <= len(table.slots) {
		return false
	}
	table.slots = append(table.slots, make([]*domain.Entity, n-len(table.slots))...)
	return true
}

// SlotCounts reports how many ids each entity type has handed out, removed
// entities included.
func (b *Builder) SlotCounts() map[domain.TypeID]int { return slotCounts(b.tables) }

// ToSnapshot finalizes the builder. Later edits never affect the returned
// snapshot; an unchanged builder returns its base.
func (b *Builder) ToSnapshot() *Snapshot {
	if !b.dirty {
		return b.base
	}
	snap := &Snapshot{tables: maps.Clone(b.tables), idx: b.idx, generation: nextGeneration()}
	b.base = snap
	b.owned = make(map[domain.TypeID]bool)
	b.idxOwned = false
	b.dirty = false
	return snap
}

// view returns the current state as an immutable snapshot without finalizing
// the builder. Later writes copy the tables they touch.
func (b *Builder) view() *Snapshot {
	b.owned = make(map[domain.TypeID]bool)
	b.idxOwned = false
	return &Snapshot{tables: maps.Clone(b.tables), idx: b.idx, generation: b.base.generation}
}

// Base returns the snapshot the builder started from or last finalized.
func (b *Builder) Base() *Snapshot { return b.base }

// HasChanges reports whether the change log is non-empty.
func (b *Builder) HasChanges() bool { return len(b.changes) > 0 }

// ModificationCount counts successful write operations.
func (b *Builder) ModificationCount() int { return b.modCount }

// CollectChanges returns the folded change log grouped by entity type, each
// group ordered removed, replaced, added.
func (b *Builder) CollectChanges() []domain.Change { return b.changes.collect() }

// HasSameEntities reports whether every recorded change is a replacement
// that left fields and source as they were.
func (b *Builder) HasSameEntities() bool {
	for _, entry := range b.changes {
		if entry.kind != domain.ChangeReplaced {
			return false
		}
		if entry.old.Source() != entry.new.Source() || !entry.old.EqualByProperties(entry.new) {
			return false
		}
	}
	return true
}

// CheckConsistency verifies the builder's indexes against its entity tables.
func (b *Builder) CheckConsistency() error { return checkConsistency(b.tables, b.idx) }

func (b *Builder) Entities(t *domain.EntityType) iter.Seq[*domain.Entity] {
	return tableEntities(b.tables[t.ID()])
}

func (b *Builder) All() iter.Seq[*domain.Entity] { return allEntities(b.tables) }

func (b *Builder) Resolve(id domain.EntityID) (*domain.Entity, bool) {
	e := b.tables[id.Type].get(id.Index)
	return e, e != nil
}

func (b *Builder) ResolvePersistent(pid domain.PersistentID) (*domain.Entity, bool) {
	return resolvePersistent(b.idx, b.tables, pid)
}

func (b *Builder) EntitiesBySource(filter domain.SourceFilter) iter.Seq[*domain.Entity] {
	return bySource(b.idx, b.tables, filter)
}

func (b *Builder) EntityCount(t *domain.EntityType) int {
	if table := b.tables[t.ID()]; table != nil {
		return table.count
	}
	return 0
}

func (b *Builder) IsEmpty() bool { return isEmpty(b.tables) }

func (b *Builder) Referrers(id domain.EntityID) []domain.EntityID {
	return b.idx.referrers[id].sorted()
}

func (b *Builder) PersistentReferrers(pid domain.PersistentID) []domain.EntityID {
	return b.idx.softLinks[pid].sorted()
}

var _ domain.Storage = (*Builder)(nil)
