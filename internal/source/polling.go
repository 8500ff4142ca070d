package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/narvanalabs/buildmaster/internal/subscription"
)

// DefaultPollInterval is used when no poll interval is configured.
const DefaultPollInterval = time.Minute

// PollingManager is a Manager that detects changes by asking its Backend for
// the current stamp on a fixed interval, and additionally whenever a
// Watcher backend reports activity.
//
// The first successful observation establishes the baseline and is not
// reported as a change, unless the backend is an EmptyStarter that started
// empty.
type PollingManager struct {
	name     string
	backend  Backend
	interval time.Duration
	logger   *slog.Logger
	subs     *subscription.Set[Stamp]

	// detectMu serializes detection so notifications follow detection order.
	detectMu sync.Mutex
	last     Stamp

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a PollingManager.
type Option func(*PollingManager)

// WithPollInterval sets the polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(m *PollingManager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *PollingManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewPollingManager creates a manager for the repository behind backend.
func NewPollingManager(name string, backend Backend, opts ...Option) *PollingManager {
	m := &PollingManager{
		name:     name,
		backend:  backend,
		interval: DefaultPollInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("source", name)
	m.subs = subscription.NewSet[Stamp]("source:"+name, m.logger)
	return m
}

// Name implements Manager.
func (m *PollingManager) Name() string {
	return m.name
}

// Backend returns the repository backend.
func (m *PollingManager) Backend() Backend {
	return m.backend
}

// SubscribeToChanges implements Manager.
func (m *PollingManager) SubscribeToChanges(fn ChangeFunc) subscription.Subscription {
	return m.subs.Subscribe(func(stamp Stamp) {
		fn(m, stamp)
	})
}

// SubscriberCount returns the number of live change subscriptions.
func (m *PollingManager) SubscriberCount() int {
	return m.subs.Len()
}

// CurrentStamp implements Manager. It never falls back to the last known
// stamp: a backend failure is reported as ErrRepositoryUnavailable.
func (m *PollingManager) CurrentStamp(ctx context.Context) (Stamp, error) {
	stamp, err := m.backend.Current(ctx)
	if err != nil {
		if errors.Is(err, ErrRepositoryUnavailable) {
			return nil, fmt.Errorf("source %s: %w", m.name, err)
		}
		return nil, fmt.Errorf("source %s: %w: %w", m.name, ErrRepositoryUnavailable, err)
	}
	return stamp, nil
}

// Changes implements Manager.
func (m *PollingManager) Changes(ctx context.Context, since, until Stamp) ([]Change, error) {
	lister, ok := m.backend.(ChangeLister)
	if !ok {
		return nil, ErrUnsupported
	}
	changes, err := lister.Changes(ctx, since, until)
	if err != nil {
		return nil, fmt.Errorf("source %s: listing changes: %w", m.name, err)
	}
	return changes, nil
}

// LastStamp returns the last stamp observed by change detection.
func (m *PollingManager) LastStamp() (Stamp, bool) {
	m.detectMu.Lock()
	defer m.detectMu.Unlock()
	return m.last, m.last != nil
}

// Poll runs one change-detection cycle and reports whether a change was
// detected and published.
func (m *PollingManager) Poll(ctx context.Context) (bool, error) {
	m.detectMu.Lock()
	defer m.detectMu.Unlock()

	stamp, err := m.CurrentStamp(ctx)
	if err != nil {
		return false, err
	}

	if m.last != nil && m.last.Equal(stamp) {
		return false, nil
	}

	previous := m.last
	m.last = stamp
	if previous == nil {
		if es, ok := m.backend.(EmptyStarter); !ok || !es.StartedEmpty() {
			m.logger.Debug("source baseline established", "stamp", stamp.Description())
			return false, nil
		}
	}

	n := m.subs.Publish(stamp)
	m.logger.Info("source change detected",
		"previous", describe(previous),
		"stamp", stamp.Description(),
		"subscribers", n,
	)
	return true, nil
}

func describe(s Stamp) string {
	if s == nil {
		return "none"
	}
	return s.Description()
}

// Start begins change detection in the background. It is a no-op when the
// manager is already running.
func (m *PollingManager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)

	kick := make(chan struct{}, 1)
	if w, ok := m.backend.(Watcher); ok {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			err := w.Watch(ctx, func() {
				select {
				case kick <- struct{}{}:
				default:
				}
			})
			if err != nil && ctx.Err() == nil {
				m.logger.Warn("source watcher stopped, falling back to polling", "error", err)
			}
		}()
	}

	m.wg.Add(1)
	go m.loop(ctx, kick)
}

func (m *PollingManager) loop(ctx context.Context, kick <-chan struct{}) {
	defer m.wg.Done()

	m.pollAndLog(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollAndLog(ctx)
		case <-kick:
			m.pollAndLog(ctx)
		}
	}
}

func (m *PollingManager) pollAndLog(ctx context.Context) {
	if _, err := m.Poll(ctx); err != nil && ctx.Err() == nil {
		m.logger.Warn("source poll failed", "error", err)
	}
}

// Close stops change detection and cancels every subscription.
func (m *PollingManager) Close() {
	m.runMu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.runMu.Unlock()

	m.wg.Wait()
	m.subs.Close()
}
