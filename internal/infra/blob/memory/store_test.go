package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"entitygraph/internal/blob/core"
)

func TestStoreBasicFlow(t *testing.T) {
	ctx := context.Background()
	s := New()
	info, err := s.Put(ctx, "frames/a", bytes.NewReader([]byte("data")), core.PutOptions{ContentType: "text/plain", Metadata: map[string]string{"m": "1"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "frames/a" || info.Size != 4 || info.ETag == "" {
		t.Fatalf("unexpected info %#v", info)
	}
	if _, err := s.Put(ctx, "frames/a", bytes.NewReader(nil), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	got, rc, err := s.Get(ctx, "frames/a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "data" || got.Metadata["m"] != "1" {
		t.Fatalf("unexpected get %q %#v", data, got)
	}
	got.Metadata["m"] = "changed"
	if h, _ := s.Head(ctx, "frames/a"); h.Metadata["m"] != "1" {
		t.Fatalf("metadata aliased: %#v", h.Metadata)
	}
	if _, err := s.Put(ctx, "other", bytes.NewReader([]byte("x")), core.PutOptions{}); err != nil {
		t.Fatalf("put other: %v", err)
	}
	list, err := s.List(ctx, "frames/")
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %+v", err, list)
	}
	if ok, err := s.Delete(ctx, "frames/a"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, _ := s.Delete(ctx, "frames/a"); ok {
		t.Fatalf("expected false on second delete")
	}
	if _, _, err := s.Get(ctx, "frames/a"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
