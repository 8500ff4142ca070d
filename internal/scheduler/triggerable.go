package scheduler

import (
	"context"

	"github.com/narvanalabs/buildmaster/internal/source"
)

// Triggerable fires when something outside the master asks it to, such as
// the HTTP API or another build.
type Triggerable struct {
	*runner
	manager source.Manager
}

// NewTriggerable creates a triggerable scheduler. When manager is set,
// triggers without a stamp build the manager's current stamp.
func NewTriggerable(cfg Config, manager source.Manager) *Triggerable {
	return &Triggerable{
		runner:  newRunner("triggerable", cfg),
		manager: manager,
	}
}

// Name returns the scheduler name.
func (s *Triggerable) Name() string { return s.name }

// Start enables Trigger.
func (s *Triggerable) Start(ctx context.Context) error {
	return s.runner.start(ctx)
}

// Trigger fires the action with stamp. A nil stamp is resolved through the
// scheduler's manager, if any.
func (s *Triggerable) Trigger(ctx context.Context, stamp source.Stamp) error {
	if !s.running() {
		return ErrNotRunning
	}
	if stamp == nil && s.manager != nil {
		var err error
		stamp, err = s.manager.CurrentStamp(ctx)
		if err != nil {
			return err
		}
	}
	if !s.fire(stamp) {
		return ErrNotRunning
	}
	return nil
}

// Stop waits for running invocations. Later triggers fail with ErrNotRunning.
func (s *Triggerable) Stop() { s.runner.stop() }

// Status returns the scheduler status.
func (s *Triggerable) Status() Status { return s.status() }
