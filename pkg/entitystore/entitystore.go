// Package entitystore is the host-facing entry point: it re-exports the
// snapshot, builder and workspace types and wires them to the frame codec,
// frame stores and bridge caches.
package entitystore

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"entitygraph/internal/bridge"
	"entitygraph/internal/codec"
	"entitygraph/internal/core"
	"entitygraph/pkg/domain"
)

type (
	Snapshot        = core.Snapshot
	Builder         = core.Builder
	BuilderOption   = core.BuilderOption
	Workspace       = core.Workspace
	WorkspaceOption = core.WorkspaceOption
	MetricsRecorder = core.MetricsRecorder
	FrameDriver     = core.FrameDriver
)

var (
	EmptySnapshot      = core.EmptySnapshot
	NewBuilder         = core.NewBuilder
	BuilderFrom        = core.BuilderFrom
	WithBuilderLogger  = core.WithBuilderLogger
	WithBuilderMetrics = core.WithBuilderMetrics
	NewWorkspace       = core.NewWorkspace
	WithLogger         = core.WithLogger
	WithMetrics        = core.WithMetrics
	WithRules          = core.WithRules
	WithCommitHook     = core.WithCommitHook
	OpenFrameStore     = core.OpenFrameStore

	Serialize   = codec.Serialize
	Deserialize = codec.Deserialize
)

// Save serializes s and stores it under name.
func Save(ctx context.Context, frames domain.FrameStore, name string, s domain.Storage) error {
	data, err := codec.Serialize(s)
	if err != nil {
		return err
	}
	if err := frames.SaveFrame(ctx, name, data); err != nil {
		return fmt.Errorf("save snapshot %s: %w", name, err)
	}
	return nil
}

// Load reads and decodes the snapshot stored under name.
func Load(ctx context.Context, frames domain.FrameStore, name string) (*Snapshot, error) {
	data, err := frames.LoadFrame(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", name, err)
	}
	snap, err := codec.Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", name, err)
	}
	return snap, nil
}

// Checkpoint saves the current snapshot of ws under name.
func Checkpoint(ctx context.Context, ws *Workspace, frames domain.FrameStore, name string) error {
	return Save(ctx, frames, name, ws.Current())
}

// Restore loads the snapshot stored under name and makes it current in ws.
func Restore(ctx context.Context, ws *Workspace, frames domain.FrameStore, name string) error {
	snap, err := Load(ctx, frames, name)
	if err != nil {
		return err
	}
	ws.Reset(snap)
	return nil
}

// NewBridge constructs a derived-object cache over workspace snapshots.
func NewBridge[F any](build bridge.BuildFunc[F], opts ...bridge.Option) (*bridge.Cache[F], error) {
	return bridge.New(build, opts...)
}

// AdvanceOnCommit keeps a bridge cache in step with a workspace: every
// published snapshot retires derived objects of older generations.
func AdvanceOnCommit(cache interface{ Advance(generation uint64) }) WorkspaceOption {
	return core.WithCommitHook(func(s *Snapshot) { cache.Advance(s.Generation()) })
}

// MetricsHandler serves the process-wide prometheus registry, including
// builder, workspace and bridge metrics.
func MetricsHandler() http.Handler { return promhttp.Handler() }
