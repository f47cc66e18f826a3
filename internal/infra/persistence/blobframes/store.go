// Package blobframes archives snapshot frames in a blob store. Every save
// writes a new revision object; older revisions beyond the retention limit
// are pruned.
package blobframes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"

	"entitygraph/internal/blob/core"
	"entitygraph/pkg/domain"
)

var _ domain.FrameStore = (*Store)(nil)

const (
	prefix      = "frames/"
	suffix      = ".egsf"
	contentType = "application/x-entitygraph-frame"
)

// Store keeps frames under frames/<name>/<revision>.egsf. Revisions are
// version 7 UUIDs so key order matches save order.
type Store struct {
	blobs  core.Store
	retain int
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithRetain keeps the newest n revisions per frame (minimum 1).
func WithRetain(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.retain = n
		}
	}
}

// WithLogger sets the logger used for pruning diagnostics.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// New wraps blobs.
func New(blobs core.Store, opts ...Option) *Store {
	s := &Store{blobs: blobs, retain: 1, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("invalid frame name %q", name)
	}
	return nil
}

func (s *Store) SaveFrame(ctx context.Context, name string, frame []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	rev, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("frame revision: %w", err)
	}
	key := prefix + name + "/" + rev.String() + suffix
	if _, err := s.blobs.Put(ctx, key, bytes.NewReader(frame), core.PutOptions{
		ContentType: contentType,
		Metadata:    map[string]string{"frame": name},
	}); err != nil {
		return fmt.Errorf("save frame %s: %w", name, err)
	}
	revs, err := s.Revisions(ctx, name)
	if err != nil {
		return err
	}
	for len(revs) > s.retain {
		old := prefix + name + "/" + revs[0] + suffix
		if _, err := s.blobs.Delete(ctx, old); err != nil {
			s.logger.Warn("prune frame revision failed", "frame", name, "key", old, "error", err)
		}
		revs = revs[1:]
	}
	return nil
}

// Revisions lists the stored revisions of name, oldest first.
func (s *Store) Revisions(ctx context.Context, name string) ([]string, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	infos, err := s.blobs.List(ctx, prefix+name+"/")
	if err != nil {
		return nil, fmt.Errorf("list frame %s: %w", name, err)
	}
	revs := make([]string, 0, len(infos))
	for _, info := range infos {
		rev, ok := strings.CutSuffix(strings.TrimPrefix(info.Key, prefix+name+"/"), suffix)
		if ok && !strings.Contains(rev, "/") {
			revs = append(revs, rev)
		}
	}
	slices.Sort(revs)
	return revs, nil
}

func (s *Store) LoadFrame(ctx context.Context, name string) ([]byte, error) {
	revs, err := s.Revisions(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(revs) == 0 {
		return nil, domain.ErrFrameNotFound
	}
	_, rc, err := s.blobs.Get(ctx, prefix+name+"/"+revs[len(revs)-1]+suffix)
	if errors.Is(err, core.ErrNotFound) {
		return nil, domain.ErrFrameNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load frame %s: %w", name, err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read frame %s: %w", name, err)
	}
	return data, nil
}

func (s *Store) ListFrames(ctx context.Context) ([]string, error) {
	infos, err := s.blobs.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}
	var names []string
	for _, info := range infos {
		name, rest, ok := strings.Cut(strings.TrimPrefix(info.Key, prefix), "/")
		if !ok || !strings.HasSuffix(rest, suffix) {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return slices.Compact(names), nil
}

func (s *Store) DeleteFrame(ctx context.Context, name string) (bool, error) {
	revs, err := s.Revisions(ctx, name)
	if err != nil {
		return false, err
	}
	var deleted bool
	for _, rev := range revs {
		ok, err := s.blobs.Delete(ctx, prefix+name+"/"+rev+suffix)
		if err != nil {
			return deleted, fmt.Errorf("delete frame %s: %w", name, err)
		}
		deleted = deleted || ok
	}
	return deleted, nil
}

// Close is a no-op; the blob store owns no handles that need releasing.
func (s *Store) Close() error { return nil }
