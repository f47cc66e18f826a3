package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"testing"

	"golang.org/x/sync/errgroup"

	"entitygraph/pkg/domain"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestWorkspaceUpdatePublishes(t *testing.T) {
	var published []*Snapshot
	ws := NewWorkspace(nil, WithLogger(quietLogger()), WithMetrics(NoopMetrics{}),
		WithCommitHook(func(s *Snapshot) { published = append(published, s) }))
	before := ws.Current()

	if _, err := ws.Update(context.Background(), func(b *Builder) error {
		addNode(t, b, srcA, "n", nil)
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	after := ws.Current()
	if after == before || after.EntityCount(nodeType) != 1 {
		t.Fatalf("update not published")
	}
	if len(published) != 1 || published[0] != after {
		t.Fatalf("hook saw %d snapshots", len(published))
	}
	if before.EntityCount(nodeType) != 0 {
		t.Fatalf("previous snapshot mutated")
	}

	if _, err := ws.Update(context.Background(), func(*Builder) error { return nil }); err != nil {
		t.Fatalf("empty update: %v", err)
	}
	if ws.Current() != after || len(published) != 1 {
		t.Fatalf("empty update should not publish")
	}
}

func TestWorkspaceUpdateErrorKeepsSnapshot(t *testing.T) {
	ws := NewWorkspace(nil, WithLogger(quietLogger()), WithMetrics(NoopMetrics{}))
	before := ws.Current()
	boom := errors.New("boom")
	_, err := ws.Update(context.Background(), func(b *Builder) error {
		addNode(t, b, srcA, "n", nil)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if ws.Current() != before {
		t.Fatalf("failed update published")
	}
}

func TestWorkspaceRules(t *testing.T) {
	noRoots := domain.RuleFunc{RuleName: "no_roots", Fn: func(_ context.Context, _ domain.Storage, changes []domain.Change) (domain.Result, error) {
		var res domain.Result
		for _, c := range changes {
			if c.Kind != domain.ChangeAdded || c.Type() != nodeType {
				continue
			}
			if _, ok := c.New.ParentID("parent"); !ok && c.New.StringField("name") != "root" {
				res.Violations = append(res.Violations, domain.Violation{
					Rule: "no_roots", Severity: domain.SeverityBlock, Entity: c.ID(), Message: "top-level node",
				})
			}
		}
		return res, nil
	}}
	warnAll := domain.RuleFunc{RuleName: "warn_all", Fn: func(context.Context, domain.Storage, []domain.Change) (domain.Result, error) {
		return domain.Result{Violations: []domain.Violation{{Rule: "warn_all", Severity: domain.SeverityWarn}}}, nil
	}}
	ws := NewWorkspace(nil, WithLogger(quietLogger()), WithMetrics(NoopMetrics{}),
		WithRules(domain.NewRulesEngine(noRoots, warnAll)))

	res, err := ws.Update(context.Background(), func(b *Builder) error {
		root := addNode(t, b, srcA, "root", nil)
		addNode(t, b, srcA, "child", root)
		return nil
	})
	if err != nil {
		t.Fatalf("allowed update: %v", err)
	}
	if len(res.Violations) != 1 || res.HasBlocking() {
		t.Fatalf("expected one warning, got %+v", res)
	}

	before := ws.Current()
	_, err = ws.Update(context.Background(), func(b *Builder) error {
		addNode(t, b, srcA, "stray", nil)
		return nil
	})
	var rv domain.RuleViolationError
	if !errors.As(err, &rv) {
		t.Fatalf("expected RuleViolationError, got %v", err)
	}
	if ws.Current() != before {
		t.Fatalf("blocked update published")
	}
}

func TestWorkspaceReset(t *testing.T) {
	hooks := 0
	ws := NewWorkspace(nil, WithLogger(quietLogger()), WithCommitHook(func(*Snapshot) { hooks++ }))
	b := newTestBuilder(nil)
	addNode(t, b, srcA, "loaded", nil)
	loaded := b.ToSnapshot()

	ws.Reset(loaded)
	if ws.Current() != loaded || hooks != 1 {
		t.Fatalf("reset did not publish")
	}
	ws.Reset(nil)
	if !ws.Current().IsEmpty() || hooks != 2 {
		t.Fatalf("reset(nil) should install an empty snapshot")
	}
}

func TestWorkspaceConcurrentReadersAndWriters(t *testing.T) {
	ws := NewWorkspace(nil, WithLogger(quietLogger()), WithMetrics(NoopMetrics{}))
	var g errgroup.Group
	for i := range 20 {
		g.Go(func() error {
			_, err := ws.Update(context.Background(), func(b *Builder) error {
				_, err := b.AddEntity(nodeType, srcA, func(m *domain.MutableEntity) error {
					return m.SetString("name", fmt.Sprintf("n%d", i))
				})
				return err
			})
			return err
		})
		g.Go(func() error {
			s := ws.Current()
			return s.CheckConsistency()
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent updates: %v", err)
	}
	if got := ws.Current().EntityCount(nodeType); got != 20 {
		t.Fatalf("nodes = %d, want 20", got)
	}
	mustConsistent(t, ws.Current())
}

func TestOpenFrameStore(t *testing.T) {
	ctx := context.Background()
	t.Run("default memory", func(t *testing.T) {
		t.Setenv("ENTITYGRAPH_FRAME_DRIVER", "")
		fs, err := OpenFrameStore(ctx)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		defer func() { _ = fs.Close() }()
		if err := fs.SaveFrame(ctx, "main", []byte("x")); err != nil {
			t.Fatalf("save: %v", err)
		}
		listed, err := fs.ListFrames(ctx)
		if err != nil || !slices.Equal(listed, []string{"main"}) {
			t.Fatalf("list = %v, %v", listed, err)
		}
	})
	t.Run("sqlite", func(t *testing.T) {
		t.Setenv("ENTITYGRAPH_FRAME_DRIVER", string(FrameSQLite))
		t.Setenv("ENTITYGRAPH_SQLITE_PATH", filepath.Join(t.TempDir(), "frames.db"))
		fs, err := OpenFrameStore(ctx)
		if err != nil {
			t.Skipf("sqlite unavailable: %v", err)
		}
		defer func() { _ = fs.Close() }()
		if _, err := fs.LoadFrame(ctx, "missing"); !errors.Is(err, domain.ErrFrameNotFound) {
			t.Fatalf("expected ErrFrameNotFound, got %v", err)
		}
	})
	t.Run("blob", func(t *testing.T) {
		t.Setenv("ENTITYGRAPH_FRAME_DRIVER", string(FrameBlob))
		t.Setenv("ENTITYGRAPH_BLOB_DRIVER", "memory")
		fs, err := OpenFrameStore(ctx)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if err := fs.SaveFrame(ctx, "main", []byte("frame")); err != nil {
			t.Fatalf("save: %v", err)
		}
		got, err := fs.LoadFrame(ctx, "main")
		if err != nil || string(got) != "frame" {
			t.Fatalf("load = %q, %v", got, err)
		}
	})
	t.Run("unknown", func(t *testing.T) {
		t.Setenv("ENTITYGRAPH_FRAME_DRIVER", "tape")
		if _, err := OpenFrameStore(ctx); err == nil {
			t.Fatalf("expected error for unknown driver")
		}
	})
}
