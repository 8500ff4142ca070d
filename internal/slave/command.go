package slave

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ShellResult is the result of a ShellCommand.
type ShellResult struct {
	ExitCode int
	// Output holds stdout and stderr interleaved in arrival order.
	Output   []byte
	Duration time.Duration
	TimedOut bool
	Failure  string
}

// Succeeded reports whether the process ran and exited with status zero.
func (r *ShellResult) Succeeded() bool {
	return r != nil && r.ExitCode == 0 && !r.TimedOut && r.Failure == ""
}

// ShellCommand runs a process on the slave and records its exit status and
// output. It can be dispatched once.
type ShellCommand struct {
	Argv    []string
	Dir     string
	Env     []string
	Timeout time.Duration
	UsePTY  bool
	// Output, when set, also receives output as it arrives.
	Output OutputFunc

	mu      sync.Mutex
	started bool
	done    bool
	result  *ShellResult
	reqID   string
}

// NewShellCommand creates a command running argv.
func NewShellCommand(argv ...string) *ShellCommand {
	return &ShellCommand{Argv: argv}
}

// Run implements Command.
func (c *ShellCommand) Run(ctx context.Context, agent Agent) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyRun
	}
	c.started = true
	c.reqID = uuid.NewString()
	c.mu.Unlock()

	if len(c.Argv) == 0 {
		return errors.New("shell command has no argv")
	}

	req := &ExecRequest{
		ID:      c.reqID,
		Argv:    c.Argv,
		Dir:     c.Dir,
		Env:     c.Env,
		Timeout: c.Timeout,
		UsePTY:  c.UsePTY,
	}

	var out bytes.Buffer
	res, err := agent.Execute(ctx, req, func(stream Stream, p []byte) {
		out.Write(p)
		if c.Output != nil {
			c.Output(stream, p)
		}
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.result = &ShellResult{
		ExitCode: res.ExitCode,
		Output:   out.Bytes(),
		Duration: res.Duration,
		TimedOut: res.TimedOut,
		Failure:  res.Failure,
	}
	c.done = true
	return nil
}

// RequestID returns the ID sent to the agent, empty before Run.
func (c *ShellCommand) RequestID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reqID
}

// Result returns the result once the command completed.
func (c *ShellCommand) Result() (*ShellResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.done
}
