package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/narvanalabs/buildmaster/internal/source"
)

// PeriodicScheduler fires on a fixed interval with the current stamp of its
// source manager.
type PeriodicScheduler struct {
	*runner

	manager       source.Manager
	interval      time.Duration
	onlyIfChanged bool

	mu        sync.Mutex
	lastBuilt source.Stamp
	stopLoop  context.CancelFunc
	loopDone  chan struct{}
}

// NewPeriodicScheduler creates a scheduler firing every interval. manager
// may be nil, in which case the action receives a nil stamp. With
// onlyIfChanged, a tick whose stamp equals the last fired one is skipped.
func NewPeriodicScheduler(cfg Config, manager source.Manager, interval time.Duration, onlyIfChanged bool) (*PeriodicScheduler, error) {
	if interval <= 0 {
		return nil, errors.New("periodic scheduler needs a positive interval")
	}
	return &PeriodicScheduler{
		runner:        newRunner("periodic", cfg),
		manager:       manager,
		interval:      interval,
		onlyIfChanged: onlyIfChanged,
	}, nil
}

// Name returns the scheduler name.
func (s *PeriodicScheduler) Name() string { return s.name }

// Start begins the timer loop. The first run happens one interval after Start.
func (s *PeriodicScheduler) Start(ctx context.Context) error {
	if err := s.runner.start(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.stopLoop = cancel
	s.loopDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if _, err := s.Tick(loopCtx); err != nil && loopCtx.Err() == nil {
					s.logger.Warn("periodic tick skipped", "error", err)
				}
			}
		}
	}()
	return nil
}

// Tick runs one timer cycle immediately and reports whether the action fired.
// A source failure skips the cycle and is returned.
func (s *PeriodicScheduler) Tick(ctx context.Context) (bool, error) {
	if !s.running() {
		return false, ErrNotRunning
	}

	var stamp source.Stamp
	if s.manager != nil {
		var err error
		stamp, err = s.manager.CurrentStamp(ctx)
		if err != nil {
			return false, err
		}
	}

	s.mu.Lock()
	if s.onlyIfChanged && stamp != nil && s.lastBuilt != nil && s.lastBuilt.Equal(stamp) {
		s.mu.Unlock()
		s.logger.Debug("periodic run skipped, source unchanged", "stamp", stamp.Description())
		return false, nil
	}
	s.lastBuilt = stamp
	s.mu.Unlock()

	return s.fire(stamp), nil
}

// Stop ends the timer loop and waits for running invocations.
func (s *PeriodicScheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.stopLoop, s.loopDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.runner.stop()
}

// Status returns the scheduler status.
func (s *PeriodicScheduler) Status() Status { return s.status() }
