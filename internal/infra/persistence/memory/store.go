// Package memory keeps snapshot frames in process memory. It backs tests and
// ephemeral workspaces that never need to survive a restart.
package memory

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"

	"entitygraph/pkg/domain"
)

var _ domain.FrameStore = (*Store)(nil)

var errClosed = errors.New("memory frame store closed")

// Store is a map-backed frame store safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	frames map[string][]byte
	closed bool
}

// NewStore constructs an empty in-memory frame store.
func NewStore() *Store {
	return &Store{frames: make(map[string][]byte)}
}

func (s *Store) SaveFrame(ctx context.Context, name string, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	s.frames[name] = slices.Clone(frame)
	return nil
}

func (s *Store) LoadFrame(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	frame, ok := s.frames[name]
	if !ok {
		return nil, domain.ErrFrameNotFound
	}
	return slices.Clone(frame), nil
}

func (s *Store) ListFrames(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	return slices.Sorted(maps.Keys(s.frames)), nil
}

func (s *Store) DeleteFrame(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errClosed
	}
	if _, ok := s.frames[name]; !ok {
		return false, nil
	}
	delete(s.frames, name)
	return true, nil
}

// Close releases the stored frames. Later calls fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.frames = nil
	return nil
}
