package slave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

type job struct {
	cmd     Command
	pending *Pending
}

// Remote is a Slave reached through an Agent. A single worker goroutine runs
// its queue in submission order.
type Remote struct {
	name   string
	agent  Agent
	logger *slog.Logger

	mu        sync.Mutex
	connected bool
	reason    string
	queue     []*job
	current   *job
	cancelRun context.CancelFunc
	wake      chan struct{}

	disconnected chan struct{}
	workerDone   chan struct{}
}

// NewRemote creates a connected slave backed by agent.
func NewRemote(name string, agent Agent, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Remote{
		name:         name,
		agent:        agent,
		logger:       logger.With("slave", name),
		connected:    true,
		wake:         make(chan struct{}, 1),
		disconnected: make(chan struct{}),
		workerDone:   make(chan struct{}),
	}
	go r.work()
	return r
}

// Name implements Slave.
func (r *Remote) Name() string { return r.name }

// Connected implements Slave.
func (r *Remote) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// Disconnected is closed when the slave disconnects.
func (r *Remote) Disconnected() <-chan struct{} {
	return r.disconnected
}

// DisconnectReason returns the reason given to Disconnect.
func (r *Remote) DisconnectReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

// QueueLen returns the number of commands queued or running.
func (r *Remote) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.queue)
	if r.current != nil {
		n++
	}
	return n
}

// RunCommand implements Slave. On a disconnected slave the returned Pending
// is already resolved with ErrConnectionLost.
func (r *Remote) RunCommand(cmd Command) *Pending {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.connected {
		return resolved(r.lostError())
	}

	j := &job{cmd: cmd, pending: newPending()}
	r.queue = append(r.queue, j)
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return j.pending
}

// Disconnect marks the slave as gone. The running command's context is
// cancelled and every outstanding Pending resolves with ErrConnectionLost.
// Disconnect is idempotent and does not wait for the running command.
func (r *Remote) Disconnect(reason string) {
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return
	}
	r.connected = false
	r.reason = reason
	err := r.lostError()

	outstanding := r.queue
	r.queue = nil
	if r.current != nil {
		outstanding = append([]*job{r.current}, outstanding...)
	}
	if r.cancelRun != nil {
		r.cancelRun()
	}
	close(r.disconnected)
	r.mu.Unlock()

	for _, j := range outstanding {
		j.pending.resolve(err)
	}
	r.logger.Info("slave disconnected", "reason", reason, "failed_commands", len(outstanding))
}

// Wait blocks until the worker goroutine exited after a disconnect.
func (r *Remote) Wait(ctx context.Context) error {
	select {
	case <-r.workerDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Remote) lostError() error {
	if r.reason == "" {
		return fmt.Errorf("slave %s: %w", r.name, ErrConnectionLost)
	}
	return fmt.Errorf("slave %s: %w: %s", r.name, ErrConnectionLost, r.reason)
}

func (r *Remote) work() {
	defer close(r.workerDone)

	for {
		j, ctx, ok := r.next()
		if !ok {
			return
		}
		if j == nil {
			select {
			case <-r.wake:
			case <-r.disconnected:
			}
			continue
		}

		err := r.run(ctx, j.cmd)

		r.mu.Lock()
		r.current = nil
		if r.cancelRun != nil {
			r.cancelRun()
			r.cancelRun = nil
		}
		connected := r.connected
		lost := r.lostError()
		r.mu.Unlock()

		switch {
		case !connected:
			j.pending.resolve(lost)
		case err == nil:
			j.pending.resolve(nil)
		case errors.Is(err, ErrConnectionLost):
			j.pending.resolve(err)
		default:
			r.logger.Error("command dispatch failed", "error", err)
			j.pending.resolve(fmt.Errorf("slave %s: %w: %w", r.name, ErrDispatchFault, err))
		}
	}
}

// next pops the head of the queue. ok is false once the slave disconnected.
func (r *Remote) next() (*job, context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.connected {
		return nil, nil, false
	}
	if len(r.queue) == 0 {
		return nil, nil, true
	}

	j := r.queue[0]
	r.queue = r.queue[1:]
	r.current = j

	ctx, cancel := context.WithCancel(context.Background())
	r.cancelRun = cancel
	return j, ctx, true
}

func (r *Remote) run(ctx context.Context, cmd Command) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("command panicked: %v", rec)
		}
	}()
	return cmd.Run(ctx, r.agent)
}
