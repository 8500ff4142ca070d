package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"
)

// Manager is the root of the history tree. It is constructed explicitly,
// passed to whoever records history, and closed at shutdown.
type Manager struct {
	store         Store
	logs          LogStore
	logger        *slog.Logger
	maxDepth      int
	flightTimeout time.Duration

	mu       sync.Mutex
	projects map[string]*node
	closed   bool

	// creates dedupes project lookups and creation; loads dedupes child loads.
	creates singleflight.Group
	loads   singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMaxDepth sets the maximum ID path length, project included.
func WithMaxDepth(depth int) Option {
	return func(m *Manager) {
		if depth > 0 {
			m.maxDepth = depth
		}
	}
}

// WithFlightTimeout bounds a shared store call. Shared calls run detached
// from the context of the caller that started them.
func WithFlightTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.flightTimeout = d
		}
	}
}

// DefaultFlightTimeout is the default bound on a shared store call.
const DefaultFlightTimeout = 30 * time.Second

// NewManager creates a Manager with an empty project map over the given
// stores.
func NewManager(store Store, logs LogStore, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		logs:          logs,
		logger:        slog.Default(),
		maxDepth:      DefaultMaxDepth,
		flightTimeout: DefaultFlightTimeout,
		projects:      make(map[string]*node),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "history")
	return m
}

// MaxDepth returns the nesting limit.
func (m *Manager) MaxDepth() int { return m.maxDepth }

func (m *Manager) checkOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// ProjectNames returns a snapshot of the known project names, sorted.
func (m *Manager) ProjectNames(ctx context.Context) ([]string, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	recs, err := m.store.Children(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}

	seen := make(map[string]bool, len(recs))
	names := make([]string, 0, len(recs))
	for _, rec := range recs {
		seen[rec.Key()] = true
		names = append(names, rec.Key())
	}
	m.mu.Lock()
	for name := range m.projects {
		if !seen[name] {
			names = append(names, name)
		}
	}
	m.mu.Unlock()

	sort.Strings(names)
	return names, nil
}

// Project returns the named project. When it does not exist, it is created
// if create is set and ErrNotFound is returned otherwise. Concurrent callers
// always share a single Project per name.
func (m *Manager) Project(ctx context.Context, name string, create bool) (*Project, error) {
	if err := ValidateKey(name); err != nil {
		return nil, err
	}
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if p, ok := m.cachedProject(name); ok {
		return p, nil
	}

	flight := "lookup:" + name
	if create {
		flight = "create:" + name
	}
	v, err := m.share(ctx, &m.creates, flight, func(ctx context.Context) (any, error) {
		if p, ok := m.cachedProject(name); ok {
			return p, nil
		}

		rec, err := m.store.Get(ctx, Path{name})
		switch {
		case err == nil:
		case errors.Is(err, ErrNotFound) && create:
			rec = Record{Path: Path{name}, Kind: KindProject, Created: time.Now().UTC()}
			err = m.store.Create(ctx, rec)
			if errors.Is(err, ErrKeyConflict) {
				// Created concurrently through another manager on the same store.
				rec, err = m.store.Get(ctx, Path{name})
			}
			if err != nil {
				return nil, fmt.Errorf("creating project %s: %w", name, err)
			}
			m.logger.Info("project created", "project", name)
		case errors.Is(err, ErrNotFound):
			return nil, fmt.Errorf("%w: project %q", ErrNotFound, name)
		default:
			return nil, fmt.Errorf("loading project %s: %w", name, err)
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if n, ok := m.projects[name]; ok {
			return n.elt.(*Project), nil
		}
		n := newNode(m, nil, rec)
		m.projects[name] = n
		return n.elt.(*Project), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Project), nil
}

// share runs fn once per key for all concurrent callers. fn gets a context
// that keeps ctx's values but not its cancellation, so one caller giving up
// does not fail the others. A caller whose ctx ends stops waiting.
func (m *Manager) share(ctx context.Context, g *singleflight.Group, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := g.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.flightTimeout)
		defer cancel()
		return fn(fctx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) cachedProject(name string) (*Project, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.projects[name]
	if !ok {
		return nil, false
	}
	return n.elt.(*Project), true
}

// ElementByIDPath resolves path to an element. It never creates anything.
func (m *Manager) ElementByIDPath(ctx context.Context, path Path) (Elt, error) {
	if err := path.Validate(); err != nil {
		return nil, err
	}

	project, err := m.Project(ctx, path[0], false)
	if err != nil {
		return nil, err
	}

	var elt Elt = project
	for i, key := range path[1:] {
		elt, err = elt.Child(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, path[:i+2])
			}
			return nil, err
		}
	}
	return elt, nil
}

// DeleteProject deletes a project and its whole history.
func (m *Manager) DeleteProject(ctx context.Context, name string) error {
	if err := ValidateKey(name); err != nil {
		return err
	}
	if err := m.checkOpen(); err != nil {
		return err
	}

	if err := m.deleteSubtree(ctx, Path{name}); err != nil {
		return err
	}

	m.mu.Lock()
	n, ok := m.projects[name]
	delete(m.projects, name)
	m.mu.Unlock()
	if ok {
		n.markDeleted()
	}
	m.logger.Info("project deleted", "project", name)
	return nil
}

// deleteSubtree removes path from the store and drops the logfiles under it.
func (m *Manager) deleteSubtree(ctx context.Context, path Path) error {
	recs, err := m.store.Delete(ctx, path)
	if err != nil {
		return fmt.Errorf("deleting %s: %w", path, err)
	}

	var errs error
	for _, rec := range recs {
		if rec.Kind != KindLogfile {
			continue
		}
		if err := m.logs.Remove(ctx, rec.Filename); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("removing logfile %s: %w", rec.Filename, err))
		}
	}
	if errs != nil {
		m.logger.Warn("history subtree deleted with leftover logfiles", "path", path.String(), "error", errs)
	}
	return nil
}

// Close flushes and closes both stores. Later operations fail with
// ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	return multierr.Combine(
		m.logs.Close(),
		m.store.Close(),
	)
}
