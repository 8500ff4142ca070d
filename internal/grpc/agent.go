package grpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/narvanalabs/buildmaster/internal/slave"
)

// streamAgent implements slave.Agent over an Attach stream. Executions are
// matched to their output and results by request ID.
type streamAgent struct {
	name   string
	stream AttachServer
	logger *slog.Logger

	// sendMu serializes writes; grpc streams allow one concurrent sender.
	sendMu sync.Mutex

	mu       sync.Mutex
	calls    map[string]*call
	closeErr error
}

type call struct {
	output slave.OutputFunc
	done   chan struct{}
	result *slave.ExecResult
	err    error
}

func newStreamAgent(name string, stream AttachServer, logger *slog.Logger) *streamAgent {
	return &streamAgent{
		name:   name,
		stream: stream,
		logger: logger,
		calls:  make(map[string]*call),
	}
}

func (a *streamAgent) send(m *MasterMessage) error {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	return a.stream.Send(m)
}

// Execute implements slave.Agent.
func (a *streamAgent) Execute(ctx context.Context, req *slave.ExecRequest, output slave.OutputFunc) (*slave.ExecResult, error) {
	// A disconnect may have cancelled ctx before the command was dequeued.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.ID == "" {
		withID := *req
		withID.ID = uuid.NewString()
		req = &withID
	}

	c := &call{output: output, done: make(chan struct{})}
	a.mu.Lock()
	if a.closeErr != nil {
		err := a.closeErr
		a.mu.Unlock()
		return nil, err
	}
	if _, dup := a.calls[req.ID]; dup {
		a.mu.Unlock()
		return nil, fmt.Errorf("duplicate request id %s", req.ID)
	}
	a.calls[req.ID] = c
	a.mu.Unlock()

	if err := a.send(&MasterMessage{Exec: req}); err != nil {
		a.remove(req.ID)
		return nil, fmt.Errorf("slave %s: %w: sending exec: %v", a.name, slave.ErrConnectionLost, err)
	}
	a.logger.Debug("exec sent", "request_id", req.ID, "argv", req.Argv)

	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		if a.remove(req.ID) {
			if err := a.send(&MasterMessage{Cancel: &Cancel{ID: req.ID}}); err != nil {
				a.logger.Debug("failed to send cancel", "request_id", req.ID, "error", err)
			}
		}
		return nil, ctx.Err()
	}
}

func (a *streamAgent) remove(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.calls[id]
	delete(a.calls, id)
	return ok
}

func (a *streamAgent) lookup(id string) *call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[id]
}

// deliver hands output to the execution it belongs to. It is only called
// from the stream's receive loop, so output calls never overlap.
func (a *streamAgent) deliver(o *Output) {
	c := a.lookup(o.ID)
	if c == nil {
		return
	}
	if c.output != nil && len(o.Data) > 0 {
		c.output(o.Stream, o.Data)
	}
}

// complete resolves an execution with its result.
func (a *streamAgent) complete(r *Result) {
	a.mu.Lock()
	c, ok := a.calls[r.ID]
	delete(a.calls, r.ID)
	a.mu.Unlock()
	if !ok {
		a.logger.Debug("result for unknown request", "request_id", r.ID)
		return
	}

	switch {
	case r.Error != "":
		c.err = fmt.Errorf("slave %s: %s", a.name, r.Error)
	case r.Result == nil:
		c.err = fmt.Errorf("slave %s: empty result for %s", a.name, r.ID)
	default:
		c.result = r.Result
	}
	close(c.done)
}

// fail resolves every outstanding execution with err and rejects new ones.
func (a *streamAgent) fail(err error) {
	a.mu.Lock()
	if a.closeErr == nil {
		a.closeErr = err
	}
	calls := a.calls
	a.calls = make(map[string]*call)
	a.mu.Unlock()

	for _, c := range calls {
		c.err = err
		close(c.done)
	}
}
