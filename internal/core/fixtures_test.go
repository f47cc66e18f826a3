package core

import (
	"slices"
	"testing"

	"entitygraph/pkg/domain"
)

var (
	coordType = domain.NewValueType("CoreCoord",
		domain.Field{Name: "line", Type: domain.IntType},
		domain.Field{Name: "column", Type: domain.IntType},
	)

	projectType = domain.MustRegister(domain.NewEntityType("CoreProject",
		domain.Field{Name: "name", Type: domain.StringType},
	).WithIdentity("name"))

	moduleType = domain.MustRegister(domain.NewEntityType("CoreModule",
		domain.Field{Name: "name", Type: domain.StringType},
		domain.Field{Name: "project", Type: domain.ParentOf("CoreProject"), Optional: true},
		domain.Field{Name: "tags", Type: domain.SetOf(domain.StringType), Optional: true},
		domain.Field{Name: "deps", Type: domain.ListOf(domain.RefTo("CoreModule")), Optional: true},
		domain.Field{Name: "at", Type: domain.StructType(coordType), Optional: true},
	).WithIdentity("name"))

	// nodeType has no persistent id; it is matched structurally.
	nodeType = domain.MustRegister(domain.NewEntityType("CoreNode",
		domain.Field{Name: "name", Type: domain.StringType},
		domain.Field{Name: "parent", Type: domain.ParentOf("CoreNode"), Optional: true},
	))

	// dirType nests in itself and is keyed by name.
	dirType = domain.MustRegister(domain.NewEntityType("CoreDir",
		domain.Field{Name: "name", Type: domain.StringType},
		domain.Field{Name: "parent", Type: domain.ParentOf("CoreDir"), Optional: true},
	).WithIdentity("name"))

	srcA = domain.FileSource("a.yaml")
	srcB = domain.FileSource("b.yaml")
)

func newTestBuilder(s *Snapshot) *Builder {
	return BuilderFrom(s, WithBuilderMetrics(NoopMetrics{}))
}

func addNode(t *testing.T, b *Builder, src domain.EntitySource, name string, parent *domain.Entity) *domain.Entity {
	t.Helper()
	e, err := b.AddEntity(nodeType, src, func(m *domain.MutableEntity) error {
		if err := m.SetString("name", name); err != nil {
			return err
		}
		if parent != nil {
			return m.SetParent("parent", parent.ID())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("add node %s: %v", name, err)
	}
	return e
}

func addModule(t *testing.T, b *Builder, src domain.EntitySource, name string, project *domain.Entity, deps ...string) *domain.Entity {
	t.Helper()
	e, err := b.AddEntity(moduleType, src, func(m *domain.MutableEntity) error {
		if err := m.SetString("name", name); err != nil {
			return err
		}
		if project != nil {
			if err := m.SetParent("project", project.ID()); err != nil {
				return err
			}
		}
		if len(deps) > 0 {
			refs := make([]domain.Value, len(deps))
			for i, d := range deps {
				refs[i] = domain.RefValue(domain.NewPersistentID("CoreModule", d))
			}
			return m.Set("deps", domain.ListValue(refs...))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("add module %s: %v", name, err)
	}
	return e
}

func addDir(b *Builder, name string, parent *domain.Entity) (*domain.Entity, error) {
	return b.AddEntity(dirType, srcA, func(m *domain.MutableEntity) error {
		if err := m.SetString("name", name); err != nil {
			return err
		}
		if parent != nil {
			return m.SetParent("parent", parent.ID())
		}
		return nil
	})
}

func addProject(t *testing.T, b *Builder, src domain.EntitySource, name string) *domain.Entity {
	t.Helper()
	e, err := b.AddEntity(projectType, src, func(m *domain.MutableEntity) error {
		return m.SetString("name", name)
	})
	if err != nil {
		t.Fatalf("add project %s: %v", name, err)
	}
	return e
}

func names(s domain.Storage, et *domain.EntityType) []string {
	var out []string
	for e := range s.Entities(et) {
		out = append(out, e.StringField("name"))
	}
	slices.Sort(out)
	return out
}

func mustConsistent(t *testing.T, s interface{ CheckConsistency() error }) {
	t.Helper()
	if err := s.CheckConsistency(); err != nil {
		t.Fatalf("consistency: %v", err)
	}
}
