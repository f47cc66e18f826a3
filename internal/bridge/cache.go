// Package bridge materializes derived objects from entity subtrees. Each
// (entity, snapshot generation) pair is built at most once at a time and all
// concurrent callers observe the same instance.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"entitygraph/pkg/domain"
)

var (
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitygraph_bridge_lookups_total",
		Help: "Bridge cache lookups by cache and result",
	}, []string{"cache", "result"})

	cacheBuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitygraph_bridge_builds_total",
		Help: "Derived object builds by cache and result",
	}, []string{"cache", "result"})
)

// DefaultSize bounds the number of retained derived objects when neither
// WithSize nor ENTITYGRAPH_BRIDGE_CACHE_SIZE says otherwise.
const DefaultSize = 4096

func sizeFromEnv() (int, error) {
	raw := os.Getenv("ENTITYGRAPH_BRIDGE_CACHE_SIZE")
	if raw == "" {
		return DefaultSize, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("ENTITYGRAPH_BRIDGE_CACHE_SIZE: %w", err)
	}
	return n, nil
}

// Snapshot is the store a derived object is built from.
type Snapshot interface {
	domain.Storage
	Generation() uint64
}

// BuildFunc builds the derived object for root. It may fail or panic; neither
// outcome is cached.
type BuildFunc[F any] func(ctx context.Context, snapshot Snapshot, root *domain.Entity) (F, error)

type key struct {
	id         domain.EntityID
	generation uint64
}

func (k key) String() string {
	return strconv.FormatUint(uint64(k.id.Type), 10) + ":" +
		strconv.FormatUint(uint64(k.id.Index), 10) + "@" +
		strconv.FormatUint(k.generation, 10)
}

type config struct {
	name     string
	size     int
	recorder FailureRecorder
	logger   *slog.Logger
}

// Option configures a Cache.
type Option func(*config)

// WithName labels the cache in metrics and logs.
func WithName(name string) Option { return func(c *config) { c.name = name } }

// WithSize bounds the number of retained derived objects.
func WithSize(n int) Option { return func(c *config) { c.size = n } }

// WithFailureRecorder receives every failed build.
func WithFailureRecorder(r FailureRecorder) Option { return func(c *config) { c.recorder = r } }

// WithLogger sets the logger used for failure diagnostics.
func WithLogger(l *slog.Logger) Option { return func(c *config) { c.logger = l } }

// Cache memoizes derived objects of type F keyed by entity id and snapshot generation.
type Cache[F any] struct {
	build   BuildFunc[F]
	cfg     config
	flight  singleflight.Group
	entries *lru.Cache[key, F]

	mu    sync.RWMutex
	floor uint64
}

// New constructs a cache around build.
func New[F any](build BuildFunc[F], opts ...Option) (*Cache[F], error) {
	size, err := sizeFromEnv()
	if err != nil {
		return nil, fmt.Errorf("bridge cache: %w", err)
	}
	cfg := config{name: "default", size: size, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.recorder == nil {
		cfg.recorder = NewFailureLog()
	}
	if cfg.size <= 0 {
		return nil, fmt.Errorf("bridge cache %s: size must be positive", cfg.name)
	}
	entries, err := lru.New[key, F](cfg.size)
	if err != nil {
		return nil, fmt.Errorf("bridge cache %s: %w", cfg.name, err)
	}
	return &Cache[F]{build: build, cfg: cfg, entries: entries}, nil
}

// Materialize returns the derived object for id under snapshot. Concurrent
// callers for the same key share one build. A caller whose ctx ends stops
// waiting with ctx.Err() while the build continues for the others.
func (c *Cache[F]) Materialize(ctx context.Context, id domain.EntityID, snapshot Snapshot) (F, error) {
	var zero F
	k := key{id: id, generation: snapshot.Generation()}
	if f, ok := c.entries.Get(k); ok {
		cacheLookups.WithLabelValues(c.cfg.name, "hit").Inc()
		return f, nil
	}
	cacheLookups.WithLabelValues(c.cfg.name, "miss").Inc()

	buildCtx := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(k.String(), func() (any, error) {
		if f, ok := c.entries.Get(k); ok {
			return f, nil
		}
		f, err := c.run(buildCtx, k, snapshot)
		if err != nil {
			return nil, err
		}
		c.mu.RLock()
		if k.generation >= c.floor {
			c.entries.Add(k, f)
		}
		c.mu.RUnlock()
		return f, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(F), nil
	}
}

func (c *Cache[F]) run(ctx context.Context, k key, snapshot Snapshot) (f F, err error) {
	root, ok := snapshot.Resolve(k.id)
	if !ok {
		return f, domain.EntityNotFoundError{ID: k.id}
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err == nil {
			cacheBuilds.WithLabelValues(c.cfg.name, "ok").Inc()
			return
		}
		failure := &domain.MaterializationFailure{ID: k.id, Generation: k.generation, Err: err}
		cacheBuilds.WithLabelValues(c.cfg.name, "error").Inc()
		c.cfg.logger.Warn("materialization failed",
			"cache", c.cfg.name, "entity", k.id.String(), "generation", k.generation, "error", err)
		c.cfg.recorder.RecordFailure(failure)
		err = failure
	}()
	return c.build(ctx, snapshot, root)
}

// Advance drops every entry built for a generation older than generation and
// refuses to retain late results for them.
func (c *Cache[F]) Advance(generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation <= c.floor {
		return
	}
	c.floor = generation
	for _, k := range c.entries.Keys() {
		if k.generation < generation {
			c.entries.Remove(k)
		}
	}
}

// Len returns the number of retained derived objects.
func (c *Cache[F]) Len() int { return c.entries.Len() }

// Purge drops every retained derived object.
func (c *Cache[F]) Purge() { c.entries.Purge() }
