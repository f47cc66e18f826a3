package core

import (
	"errors"
	"slices"
	"testing"

	"entitygraph/pkg/domain"
)

func TestModifyKeepsOldValuesIntact(t *testing.T) {
	b := newTestBuilder(nil)
	old := addNode(t, b, srcA, "before", nil)
	s1 := b.ToSnapshot()

	b2 := newTestBuilder(s1)
	next, err := b2.ModifyEntity(old, func(m *domain.MutableEntity) error {
		return m.SetString("name", "after")
	})
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	s2 := b2.ToSnapshot()

	if got := old.StringField("name"); got != "before" {
		t.Fatalf("old value changed to %q", got)
	}
	if next.ID() != old.ID() {
		t.Fatalf("modify changed id: %s -> %s", old.ID(), next.ID())
	}
	if e, _ := s1.Resolve(old.ID()); e.StringField("name") != "before" {
		t.Fatalf("base snapshot observed modification")
	}
	if e, _ := s2.Resolve(old.ID()); e.StringField("name") != "after" {
		t.Fatalf("new snapshot missing modification, got %q", e.StringField("name"))
	}
	mustConsistent(t, s1)
	mustConsistent(t, s2)
}

func TestMutableScopeClosesAfterAdd(t *testing.T) {
	b := newTestBuilder(nil)
	var leaked *domain.MutableEntity
	if _, err := b.AddEntity(nodeType, srcA, func(m *domain.MutableEntity) error {
		leaked = m
		return m.SetString("name", "n")
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	err := leaked.SetString("name", "late")
	if !errors.Is(err, domain.ErrIllegalModificationState) {
		t.Fatalf("expected ErrIllegalModificationState, got %v", err)
	}
}

func TestInitErrorDiscardsEntity(t *testing.T) {
	b := newTestBuilder(nil)
	boom := errors.New("boom")
	if _, err := b.AddEntity(nodeType, srcA, func(*domain.MutableEntity) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected init error, got %v", err)
	}
	if !b.IsEmpty() || b.HasChanges() {
		t.Fatalf("failed add left state behind")
	}
	mustConsistent(t, b)
}

func TestAddRejectsMissingOrMistypedParent(t *testing.T) {
	b := newTestBuilder(nil)
	node := addNode(t, b, srcA, "n", nil)
	ghost := domain.EntityID{Type: projectType.ID(), Index: 99}

	_, err := b.AddEntity(moduleType, srcA, func(m *domain.MutableEntity) error {
		_ = m.SetString("name", "m")
		return m.SetParent("project", ghost)
	})
	if !errors.Is(err, domain.ErrEntityNotFound) {
		t.Fatalf("expected ErrEntityNotFound, got %v", err)
	}

	_, err = b.AddEntity(moduleType, srcA, func(m *domain.MutableEntity) error {
		_ = m.SetString("name", "m")
		return m.SetParent("project", node.ID())
	})
	if !errors.Is(err, domain.ErrFieldType) {
		t.Fatalf("expected ErrFieldType, got %v", err)
	}
	if b.EntityCount(moduleType) != 0 {
		t.Fatalf("rejected modules were stored")
	}
	mustConsistent(t, b)
}

func TestRemoveCascadesThroughContainment(t *testing.T) {
	b := newTestBuilder(nil)
	p := addNode(t, b, srcA, "P", nil)
	c1 := addNode(t, b, srcA, "C1", p)
	addNode(t, b, srcA, "C2", p)
	addNode(t, b, srcB, "G", c1)
	addNode(t, b, srcA, "other", nil)
	base := b.ToSnapshot()

	b2 := newTestBuilder(base)
	if !b2.RemoveEntity(p) {
		t.Fatalf("remove reported absent entity")
	}
	if got := names(b2, nodeType); !slices.Equal(got, []string{"other"}) {
		t.Fatalf("remaining nodes = %v", got)
	}
	changes := b2.CollectChanges()
	if len(changes) != 4 {
		t.Fatalf("expected 4 removals, got %d", len(changes))
	}
	for _, c := range changes {
		if c.Kind != domain.ChangeRemoved || c.New != nil {
			t.Fatalf("unexpected change %v", c.Kind)
		}
	}
	if b2.RemoveEntity(p) {
		t.Fatalf("second removal reported success")
	}
	if len(b2.Referrers(p.ID())) != 0 || len(b2.Referrers(c1.ID())) != 0 {
		t.Fatalf("referrers survived cascade")
	}
	mustConsistent(t, b2)
	if got := names(base, nodeType); len(got) != 5 {
		t.Fatalf("base snapshot lost entities: %v", got)
	}
}

func TestRenameLeavesWeakReferenceDangling(t *testing.T) {
	b := newTestBuilder(nil)
	bar := addModule(t, b, srcA, "bar", nil)
	foo := addModule(t, b, srcA, "foo", nil, "bar")

	dep := func(s domain.Storage) (*domain.Entity, bool) {
		current, _ := s.Resolve(foo.ID())
		pid, ok := current.Get("deps").Item(0).PersistentID()
		if !ok {
			t.Fatalf("deps[0] is not a reference")
		}
		return s.ResolvePersistent(pid)
	}
	if e, ok := dep(b); !ok || e.ID() != bar.ID() {
		t.Fatalf("reference to bar did not resolve")
	}
	if got := b.PersistentReferrers(domain.NewPersistentID("CoreModule", "bar")); !slices.Equal(got, []domain.EntityID{foo.ID()}) {
		t.Fatalf("persistent referrers = %v", got)
	}

	if _, err := b.ModifyEntity(bar, func(m *domain.MutableEntity) error {
		return m.SetString("name", "baz")
	}); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, ok := dep(b); ok {
		t.Fatalf("reference still resolves after rename")
	}
	if _, ok := b.ResolvePersistent(domain.NewPersistentID("CoreModule", "baz")); !ok {
		t.Fatalf("renamed module not resolvable by new id")
	}
	mustConsistent(t, b)
}

func TestPersistentIDClashReplacesExisting(t *testing.T) {
	b := newTestBuilder(nil)
	first := addProject(t, b, srcA, "shared")
	addModule(t, b, srcA, "inner", first)
	second := addProject(t, b, srcB, "shared")

	if _, ok := b.Resolve(first.ID()); ok {
		t.Fatalf("clashing project kept")
	}
	if b.EntityCount(projectType) != 1 || b.EntityCount(moduleType) != 0 {
		t.Fatalf("projects=%d modules=%d", b.EntityCount(projectType), b.EntityCount(moduleType))
	}
	got, ok := b.ResolvePersistent(domain.NewPersistentID("CoreProject", "shared"))
	if !ok || got.ID() != second.ID() {
		t.Fatalf("persistent id resolves to %v", got)
	}
	mustConsistent(t, b)
}

func TestPersistentIDClashRefusesToEvictAncestor(t *testing.T) {
	b := newTestBuilder(nil)
	a, err := addDir(b, "a", nil)
	if err != nil {
		t.Fatalf("add a: %v", err)
	}
	sub, err := addDir(b, "b", a)
	if err != nil {
		t.Fatalf("add b: %v", err)
	}
	leaf, err := addDir(b, "c", sub)
	if err != nil {
		t.Fatalf("add c: %v", err)
	}
	before := len(b.CollectChanges())

	// a second "a" under b would evict its own grandparent
	if _, err := addDir(b, "a", sub); !errors.Is(err, domain.ErrEntityNotFound) {
		t.Fatalf("expected ErrEntityNotFound, got %v", err)
	}
	// renaming c to "a" would evict c itself
	if _, err := b.ModifyEntity(leaf, func(m *domain.MutableEntity) error { return m.SetString("name", "a") }); !errors.Is(err, domain.ErrEntityNotFound) {
		t.Fatalf("expected ErrEntityNotFound on modify, got %v", err)
	}
	if got := names(b, dirType); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("dirs = %v", got)
	}
	if got, _ := b.ResolvePersistent(domain.NewPersistentID("CoreDir", "a")); got == nil || got.ID() != a.ID() {
		t.Fatalf("persistent id moved to %v", got)
	}
	if n := len(b.CollectChanges()); n != before {
		t.Fatalf("refused clash recorded changes: %d vs %d", n, before)
	}
	mustConsistent(t, b)

	// a clash outside the new entity's ancestry still evicts
	other, err := addDir(b, "other", nil)
	if err != nil {
		t.Fatalf("add other: %v", err)
	}
	if _, err := addDir(b, "c", other); err != nil {
		t.Fatalf("re-add c: %v", err)
	}
	if _, ok := b.Resolve(leaf.ID()); ok {
		t.Fatalf("clashing c kept")
	}
	mustConsistent(t, b)
}

func TestWritesToRemovedEntityFail(t *testing.T) {
	tests := []struct {
		name  string
		write func(*Builder, *domain.Entity) (*domain.Entity, error)
	}{
		{"modify", func(b *Builder, e *domain.Entity) (*domain.Entity, error) {
			return b.ModifyEntity(e, func(m *domain.MutableEntity) error { return m.SetString("name", "again") })
		}},
		{"change source", func(b *Builder, e *domain.Entity) (*domain.Entity, error) {
			return b.ChangeSource(e, srcB)
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := newTestBuilder(nil)
			e := addNode(t, b, srcA, "gone", nil)
			b.RemoveEntity(e)
			count := b.ModificationCount()

			_, err := tc.write(b, e)
			var nf domain.EntityNotFoundError
			if !errors.As(err, &nf) || nf.ID != e.ID() || !errors.Is(err, domain.ErrEntityNotFound) {
				t.Fatalf("expected EntityNotFoundError for %s, got %v", e.ID(), err)
			}
			if !b.IsEmpty() || b.ModificationCount() != count {
				t.Fatalf("failed write changed the builder")
			}
		})
	}
}

func TestModifyWithNilMutator(t *testing.T) {
	b := newTestBuilder(nil)
	e := addNode(t, b, srcA, "same", nil)
	next, err := b.ModifyEntity(e, nil)
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	if next.ID() != e.ID() || !next.EqualByProperties(e) || next.Source() != e.Source() {
		t.Fatalf("nil mutator changed the entity: %#v", next)
	}
}

func TestChangeFolding(t *testing.T) {
	b := newTestBuilder(nil)
	keep := addNode(t, b, srcA, "keep", nil)
	drop := addNode(t, b, srcA, "drop", nil)
	base := b.ToSnapshot()

	b2 := newTestBuilder(base)
	fresh := addNode(t, b2, srcA, "fresh", nil)
	if _, err := b2.ModifyEntity(fresh, func(m *domain.MutableEntity) error { return m.SetString("name", "fresher") }); err != nil {
		t.Fatalf("modify fresh: %v", err)
	}
	temp := addNode(t, b2, srcA, "temp", nil)
	b2.RemoveEntity(temp)
	if _, err := b2.ModifyEntity(keep, func(m *domain.MutableEntity) error { return m.SetString("name", "kept") }); err != nil {
		t.Fatalf("modify keep: %v", err)
	}
	if _, err := b2.ModifyEntity(drop, func(m *domain.MutableEntity) error { return m.SetString("name", "dropping") }); err != nil {
		t.Fatalf("modify drop: %v", err)
	}
	b2.RemoveEntity(drop)

	changes := b2.CollectChanges()
	kinds := make([]domain.ChangeKind, len(changes))
	for i, c := range changes {
		kinds[i] = c.Kind
	}
	want := []domain.ChangeKind{domain.ChangeRemoved, domain.ChangeReplaced, domain.ChangeAdded}
	if !slices.Equal(kinds, want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	if got := changes[0].Old.StringField("name"); got != "drop" {
		t.Fatalf("removal should carry the original value, got %q", got)
	}
	if got := changes[1].New.StringField("name"); got != "kept" {
		t.Fatalf("replacement new value = %q", got)
	}
	if got := changes[2].New.StringField("name"); got != "fresher" {
		t.Fatalf("addition should carry the latest value, got %q", got)
	}
	if b2.ModificationCount() != 7 {
		t.Fatalf("modification count = %d", b2.ModificationCount())
	}
}

func TestChangeSourceFlagsReplacement(t *testing.T) {
	b := newTestBuilder(nil)
	n := addNode(t, b, srcA, "n", nil)
	base := b.ToSnapshot()

	b2 := newTestBuilder(base)
	moved, err := b2.ChangeSource(n, srcB)
	if err != nil {
		t.Fatalf("change source: %v", err)
	}
	if moved.Source() != srcB || !moved.EqualByProperties(n) {
		t.Fatalf("unexpected moved entity %#v", moved)
	}
	changes := b2.CollectChanges()
	if len(changes) != 1 || !changes[0].SourceChanged {
		t.Fatalf("expected one source change, got %+v", changes)
	}
	if b2.HasSameEntities() {
		t.Fatalf("source change reported as same entities")
	}
	if got := slices.Collect(b2.EntitiesBySource(domain.SourceIs(srcA))); len(got) != 0 {
		t.Fatalf("entity still indexed under old source")
	}
	mustConsistent(t, b2)
}

func TestHasSameEntities(t *testing.T) {
	b := newTestBuilder(nil)
	n := addNode(t, b, srcA, "n", nil)
	base := b.ToSnapshot()

	b2 := newTestBuilder(base)
	if _, err := b2.ModifyEntity(n, func(m *domain.MutableEntity) error { return m.SetString("name", "n") }); err != nil {
		t.Fatalf("modify: %v", err)
	}
	if !b2.HasChanges() || !b2.HasSameEntities() {
		t.Fatalf("no-op modification should be a same-entities change")
	}
	addNode(t, b2, srcA, "extra", nil)
	if b2.HasSameEntities() {
		t.Fatalf("addition reported as same entities")
	}
}

func TestToSnapshotIsolation(t *testing.T) {
	b := newTestBuilder(nil)
	if got := b.ToSnapshot(); got != b.Base() {
		t.Fatalf("unchanged builder should return its base")
	}
	addNode(t, b, srcA, "one", nil)
	s1 := b.ToSnapshot()
	if b.ToSnapshot() != s1 {
		t.Fatalf("finalizing twice without edits should return the same snapshot")
	}
	addNode(t, b, srcA, "two", nil)
	s2 := b.ToSnapshot()
	if s1.EntityCount(nodeType) != 1 || s2.EntityCount(nodeType) != 2 {
		t.Fatalf("counts s1=%d s2=%d", s1.EntityCount(nodeType), s2.EntityCount(nodeType))
	}
	if s2.Generation() <= s1.Generation() {
		t.Fatalf("generation did not advance: %d -> %d", s1.Generation(), s2.Generation())
	}
	mustConsistent(t, s1)
	mustConsistent(t, s2)
}

func TestStructuredFieldsRoundTrip(t *testing.T) {
	b := newTestBuilder(nil)
	e, err := b.AddEntity(moduleType, srcA, func(m *domain.MutableEntity) error {
		_ = m.SetString("name", "svc")
		_ = m.Set("tags", domain.SetValue(domain.StringValue("b"), domain.StringValue("a")))
		return m.Set("at", domain.StructValue(coordType, domain.IntValue(3), domain.IntValue(7)))
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := e.Get("at").FieldByName("column").Int(); got != 7 {
		t.Fatalf("column = %d", got)
	}
	other := domain.SetValue(domain.StringValue("a"), domain.StringValue("b"))
	if !e.Get("tags").Equal(other) {
		t.Fatalf("sets should compare regardless of order")
	}
	if err := func() error {
		_, err := b.AddEntity(moduleType, srcA, func(m *domain.MutableEntity) error {
			return m.Set("tags", domain.IntValue(1))
		})
		return err
	}(); !errors.Is(err, domain.ErrFieldType) {
		t.Fatalf("expected ErrFieldType, got %v", err)
	}
}

func TestConsistencyDetectsCorruptIndex(t *testing.T) {
	b := newTestBuilder(nil)
	p := addNode(t, b, srcA, "P", nil)
	addNode(t, b, srcA, "C", p)
	mustConsistent(t, b)

	delete(b.index().referrers, p.ID())
	if err := b.CheckConsistency(); err == nil {
		t.Fatalf("expected referrers mismatch")
	}
}
