package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/narvanalabs/buildmaster/internal/source"
	"github.com/narvanalabs/buildmaster/internal/subscription"
)

// ChangeScheduler fires when any of its source managers reports a change.
type ChangeScheduler struct {
	*runner

	managers        []source.Manager
	treeStableTimer time.Duration

	mu     sync.Mutex
	subs   []subscription.Subscription
	timer  *time.Timer
	latest source.Stamp
	halted bool
}

// NewChangeScheduler creates a scheduler watching managers. With a positive
// treeStableTimer, bursts of changes are debounced: the action fires once no
// change arrived for that long, with the latest stamp.
func NewChangeScheduler(cfg Config, managers []source.Manager, treeStableTimer time.Duration) *ChangeScheduler {
	return &ChangeScheduler{
		runner:          newRunner("change", cfg),
		managers:        managers,
		treeStableTimer: treeStableTimer,
	}
}

// Name returns the scheduler name.
func (s *ChangeScheduler) Name() string { return s.name }

// Start subscribes to every manager.
func (s *ChangeScheduler) Start(ctx context.Context) error {
	if err := s.runner.start(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.managers {
		s.subs = append(s.subs, m.SubscribeToChanges(s.onChange))
	}
	return nil
}

func (s *ChangeScheduler) onChange(m source.Manager, stamp source.Stamp) {
	s.logger.Debug("change received", "source", m.Name(), "stamp", stamp.Description())

	if s.treeStableTimer <= 0 {
		s.fire(stamp)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return
	}
	s.latest = stamp
	if s.timer == nil {
		s.timer = time.AfterFunc(s.treeStableTimer, s.treeStable)
		return
	}
	s.timer.Reset(s.treeStableTimer)
}

func (s *ChangeScheduler) treeStable() {
	s.mu.Lock()
	stamp := s.latest
	s.latest = nil
	halted := s.halted
	s.mu.Unlock()

	if stamp == nil || halted {
		return
	}
	s.fire(stamp)
}

// Stop cancels the subscriptions and the debounce timer, then waits for
// running invocations.
func (s *ChangeScheduler) Stop() {
	s.mu.Lock()
	s.halted = true
	subs := s.subs
	s.subs = nil
	if s.timer != nil {
		s.timer.Stop()
	}
	s.latest = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	s.runner.stop()
}

// Status returns the scheduler status.
func (s *ChangeScheduler) Status() Status { return s.status() }
