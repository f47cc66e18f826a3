package core

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"entitygraph/pkg/domain"
)

// Workspace owns the current snapshot of an entity graph. Writers are
// serialized; readers load the current snapshot without locking and never
// observe a partially applied update.
type Workspace struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]

	engine  *domain.RulesEngine
	logger  *slog.Logger
	metrics MetricsRecorder
	hooks   []func(*Snapshot)
}

// WorkspaceOption configures a Workspace.
type WorkspaceOption func(*Workspace)

// WithLogger sets the logger shared by the workspace and its builders.
func WithLogger(logger *slog.Logger) WorkspaceOption {
	return func(w *Workspace) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithMetrics sets the recorder shared by the workspace and its builders.
func WithMetrics(m MetricsRecorder) WorkspaceOption {
	return func(w *Workspace) {
		if m != nil {
			w.metrics = m
		}
	}
}

// WithRules installs the engine evaluated before every commit.
func WithRules(engine *domain.RulesEngine) WorkspaceOption {
	return func(w *Workspace) { w.engine = engine }
}

// WithCommitHook registers fn to run after each published snapshot.
func WithCommitHook(fn func(*Snapshot)) WorkspaceOption {
	return func(w *Workspace) { w.hooks = append(w.hooks, fn) }
}

// NewWorkspace constructs a workspace starting from initial (empty when nil).
func NewWorkspace(initial *Snapshot, opts ...WorkspaceOption) *Workspace {
	w := &Workspace{logger: slog.Default(), metrics: PrometheusMetrics{}}
	for _, opt := range opts {
		opt(w)
	}
	if initial == nil {
		initial = EmptySnapshot()
	}
	w.current.Store(initial)
	snapshotEntities.Set(float64(initial.Len()))
	return w
}

// Current returns the latest committed snapshot.
func (w *Workspace) Current() *Snapshot { return w.current.Load() }

// Update runs fn against a builder over the current snapshot. When fn
// succeeds and no rule blocks, the builder's snapshot becomes current.
func (w *Workspace) Update(ctx context.Context, fn func(*Builder) error) (res domain.Result, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	start := time.Now()
	defer func() { w.metrics.Observe(ctx, "workspace_update", err == nil, time.Since(start)) }()

	base := w.current.Load()
	b := BuilderFrom(base, WithBuilderLogger(w.logger), WithBuilderMetrics(w.metrics))
	if err := fn(b); err != nil {
		return domain.Result{}, err
	}
	if b.HasChanges() {
		res, err = w.engine.Evaluate(ctx, b, b.CollectChanges())
		if err != nil {
			return domain.Result{}, err
		}
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
		for _, v := range res.Violations {
			w.logger.Warn("commit rule violation", "rule", v.Rule, "severity", string(v.Severity),
				"entity", v.Entity.String(), "message", v.Message)
		}
	}
	w.publish(base, b.ToSnapshot())
	return res, nil
}

// Reset replaces the current snapshot without evaluating rules. It is used to
// install snapshots loaded from a frame store.
func (w *Workspace) Reset(s *Snapshot) {
	if s == nil {
		s = EmptySnapshot()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.publish(w.current.Load(), s)
}

func (w *Workspace) publish(prev, next *Snapshot) {
	if next == prev {
		return
	}
	w.current.Store(next)
	snapshotEntities.Set(float64(next.Len()))
	w.logger.Debug("workspace snapshot published", "generation", next.Generation(), "entities", next.Len())
	for _, hook := range w.hooks {
		hook(next)
	}
}
