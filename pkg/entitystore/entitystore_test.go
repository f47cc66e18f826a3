package entitystore_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"entitygraph/internal/bridge"
	"entitygraph/pkg/domain"
	"entitygraph/pkg/entitystore"
)

var serviceType = domain.MustRegister(domain.NewEntityType("StoreService",
	domain.Field{Name: "name", Type: domain.StringType},
	domain.Field{Name: "replicas", Type: domain.IntType},
).WithIdentity("name"))

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func addService(name string, replicas int64) func(*entitystore.Builder) error {
	return func(b *entitystore.Builder) error {
		_, err := b.AddEntity(serviceType, domain.FileSource("services.yaml"), func(m *domain.MutableEntity) error {
			_ = m.SetString("name", name)
			return m.SetInt("replicas", replicas)
		})
		return err
	}
}

func TestCheckpointRestore(t *testing.T) {
	ctx := context.Background()
	t.Setenv("ENTITYGRAPH_FRAME_DRIVER", "memory")
	frames, err := entitystore.OpenFrameStore(ctx)
	if err != nil {
		t.Fatalf("open frames: %v", err)
	}
	defer func() { _ = frames.Close() }()

	ws := entitystore.NewWorkspace(nil, entitystore.WithLogger(quiet()))
	if _, err := ws.Update(ctx, addService("api", 2)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := entitystore.Checkpoint(ctx, ws, frames, "main"); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if _, err := ws.Update(ctx, addService("worker", 1)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if ws.Current().EntityCount(serviceType) != 2 {
		t.Fatalf("expected two services before restore")
	}

	if err := entitystore.Restore(ctx, ws, frames, "main"); err != nil {
		t.Fatalf("restore: %v", err)
	}
	cur := ws.Current()
	if cur.EntityCount(serviceType) != 1 {
		t.Fatalf("services after restore = %d", cur.EntityCount(serviceType))
	}
	api, ok := cur.ResolvePersistent(domain.NewPersistentID("StoreService", "api"))
	if !ok || api.IntField("replicas") != 2 {
		t.Fatalf("restored service = %#v", api)
	}

	err = entitystore.Restore(ctx, ws, frames, "missing")
	if !errors.Is(err, domain.ErrFrameNotFound) {
		t.Fatalf("expected ErrFrameNotFound, got %v", err)
	}
	if ws.Current() != cur {
		t.Fatalf("failed restore replaced the snapshot")
	}
}

func TestAdvanceOnCommit(t *testing.T) {
	ctx := context.Background()
	cache, err := entitystore.NewBridge(func(_ context.Context, _ bridge.Snapshot, root *domain.Entity) (string, error) {
		return strings.ToUpper(root.StringField("name")), nil
	}, bridge.WithName("services"), bridge.WithLogger(quiet()))
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	ws := entitystore.NewWorkspace(nil, entitystore.WithLogger(quiet()), entitystore.AdvanceOnCommit(cache))
	if _, err := ws.Update(ctx, addService("api", 1)); err != nil {
		t.Fatalf("update: %v", err)
	}
	snap := ws.Current()
	api, _ := snap.ResolvePersistent(domain.NewPersistentID("StoreService", "api"))
	got, err := cache.Materialize(ctx, api.ID(), snap)
	if err != nil || got != "API" {
		t.Fatalf("materialize = %q, %v", got, err)
	}
	if cache.Len() != 1 {
		t.Fatalf("expected a cached facade")
	}

	if _, err := ws.Update(ctx, func(b *entitystore.Builder) error {
		_, err := b.ModifyEntity(api, func(m *domain.MutableEntity) error { return m.SetInt("replicas", 3) })
		return err
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if cache.Len() != 0 {
		t.Fatalf("commit did not retire stale facades")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	t.Setenv("ENTITYGRAPH_FRAME_DRIVER", "")
	frames, err := entitystore.OpenFrameStore(ctx)
	if err != nil {
		t.Fatalf("open frames: %v", err)
	}
	b := entitystore.NewBuilder(entitystore.WithBuilderLogger(quiet()))
	if err := addService("db", 1)(b); err != nil {
		t.Fatalf("add: %v", err)
	}
	snap := b.ToSnapshot()
	if err := entitystore.Save(ctx, frames, "db", snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := entitystore.Load(ctx, frames, "db")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Len() != 1 || loaded.CheckConsistency() != nil {
		t.Fatalf("loaded snapshot mismatch")
	}
	if err := frames.SaveFrame(ctx, "junk", []byte("junk")); err != nil {
		t.Fatalf("save junk: %v", err)
	}
	if _, err := entitystore.Load(ctx, frames, "junk"); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestMetricsHandler(t *testing.T) {
	ws := entitystore.NewWorkspace(nil, entitystore.WithLogger(quiet()))
	if _, err := ws.Update(context.Background(), addService("metrics", 1)); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec := httptest.NewRecorder()
	entitystore.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{"entitygraph_workspace_entities", "entitygraph_store_operations_total"} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}
}
