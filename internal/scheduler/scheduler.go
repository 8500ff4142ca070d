// Package scheduler decides when builds run. A scheduler reacts to source
// changes, timers or external triggers and invokes its Action with the stamp
// that should be built.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/narvanalabs/buildmaster/internal/source"
)

// Common errors returned by schedulers.
var (
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrNotRunning     = errors.New("scheduler is not running")
	ErrUnknownOverlap = errors.New("unknown overlap policy")
)

// Action is invoked each time a scheduler fires. actx is the opaque value the
// scheduler was configured with; stamp is the source version to build and may
// be nil for schedulers without a source.
type Action func(ctx context.Context, actx any, stamp source.Stamp) error

// Overlap names what happens when a scheduler fires while a previous
// invocation of its action is still running.
type Overlap string

const (
	// OverlapConcurrent runs every trigger in its own invocation.
	OverlapConcurrent Overlap = "concurrent"
	// OverlapSerialize queues triggers and runs one invocation at a time, in
	// trigger order.
	OverlapSerialize Overlap = "serialize"
	// OverlapCoalesce runs one invocation at a time. Triggers arriving
	// meanwhile collapse into a single follow-up run with the newest stamp.
	OverlapCoalesce Overlap = "coalesce"
)

// ParseOverlap parses an overlap policy name. The empty string selects
// OverlapConcurrent.
func ParseOverlap(name string) (Overlap, error) {
	switch Overlap(name) {
	case "", OverlapConcurrent:
		return OverlapConcurrent, nil
	case OverlapSerialize, OverlapCoalesce:
		return Overlap(name), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOverlap, name)
	}
}

// Scheduler is the common surface of every scheduler kind.
type Scheduler interface {
	Name() string
	// Start begins reacting to triggers. Invocations run under ctx.
	Start(ctx context.Context) error
	// Stop cancels owned subscriptions and timers, cancels the context of
	// running invocations and waits for them to return. It is idempotent.
	Stop()
	Status() Status
}

// Config holds what every scheduler kind needs.
type Config struct {
	Name    string
	Action  Action
	Context any
	Overlap Overlap
	Logger  *slog.Logger
}

// Status is a point-in-time view of a scheduler.
type Status struct {
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Overlap   Overlap   `json:"overlap"`
	Running   bool      `json:"running"`
	InFlight  int       `json:"in_flight"`
	Queued    int       `json:"queued"`
	Runs      uint64    `json:"runs"`
	Failures  uint64    `json:"failures"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastStamp string    `json:"last_stamp,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// runner invokes an Action according to an overlap policy. Every scheduler
// kind owns one.
type runner struct {
	name    string
	kind    string
	action  Action
	actx    any
	overlap Overlap
	logger  *slog.Logger

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	stopped  bool
	inFlight int
	busy     bool
	queue    []source.Stamp
	pending  source.Stamp
	hasNext  bool

	runs      uint64
	failures  uint64
	lastRun   time.Time
	lastStamp string
	lastError string

	wg sync.WaitGroup
}

func newRunner(kind string, cfg Config) *runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	overlap := cfg.Overlap
	if overlap == "" {
		overlap = OverlapConcurrent
	}
	return &runner{
		name:    cfg.Name,
		kind:    kind,
		action:  cfg.Action,
		actx:    cfg.Context,
		overlap: overlap,
		logger:  logger.With("scheduler", cfg.Name, "kind", kind),
	}
}

func (r *runner) start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrAlreadyStarted
	}
	r.started = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.logger.Info("scheduler started", "overlap", r.overlap)
	return nil
}

func (r *runner) running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started && !r.stopped
}

// fire requests one invocation with stamp. It reports whether the request was
// accepted, which is false once the scheduler stopped.
func (r *runner) fire(stamp source.Stamp) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started || r.stopped {
		return false
	}

	switch r.overlap {
	case OverlapSerialize:
		if r.busy {
			r.queue = append(r.queue, stamp)
			return true
		}
	case OverlapCoalesce:
		if r.busy {
			r.pending = stamp
			r.hasNext = true
			return true
		}
	default:
		r.inFlight++
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.invoke(stamp)
			r.mu.Lock()
			r.inFlight--
			r.mu.Unlock()
		}()
		return true
	}

	r.busy = true
	r.inFlight++
	r.wg.Add(1)
	go r.drain(stamp)
	return true
}

// drain runs stamp and then whatever queued up behind it.
func (r *runner) drain(stamp source.Stamp) {
	defer r.wg.Done()

	for {
		r.invoke(stamp)

		r.mu.Lock()
		switch {
		case r.stopped:
		case len(r.queue) > 0:
			stamp = r.queue[0]
			r.queue = r.queue[1:]
			r.mu.Unlock()
			continue
		case r.hasNext:
			stamp = r.pending
			r.pending, r.hasNext = nil, false
			r.mu.Unlock()
			continue
		}
		r.busy = false
		r.inFlight--
		r.mu.Unlock()
		return
	}
}

func (r *runner) invoke(stamp source.Stamp) {
	desc := ""
	if stamp != nil {
		desc = stamp.Description()
	}

	start := time.Now()
	r.logger.Info("scheduler firing", "stamp", desc)

	err := r.call(stamp)

	r.mu.Lock()
	r.runs++
	r.lastRun = start
	r.lastStamp = desc
	r.lastError = ""
	if err != nil {
		r.failures++
		r.lastError = err.Error()
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("scheduler action failed",
			"stamp", desc,
			"duration", time.Since(start),
			"error", err,
		)
		return
	}
	r.logger.Info("scheduler action completed", "stamp", desc, "duration", time.Since(start))
}

func (r *runner) call(stamp source.Stamp) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("action panicked: %v", rec)
		}
	}()
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	return r.action(ctx, r.actx, stamp)
}

// stop drops queued triggers, cancels running invocations and waits for them.
func (r *runner) stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		r.wg.Wait()
		return
	}
	r.stopped = true
	r.queue = nil
	r.pending, r.hasNext = nil, false
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("scheduler stopped")
}

func (r *runner) status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	queued := len(r.queue)
	if r.hasNext {
		queued = 1
	}
	return Status{
		Name:      r.name,
		Kind:      r.kind,
		Overlap:   r.overlap,
		Running:   r.started && !r.stopped,
		InFlight:  r.inFlight,
		Queued:    queued,
		Runs:      r.runs,
		Failures:  r.failures,
		LastRun:   r.lastRun,
		LastStamp: r.lastStamp,
		LastError: r.lastError,
	}
}
