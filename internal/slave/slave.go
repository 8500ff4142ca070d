// Package slave dispatches commands to build slaves and collects their
// results asynchronously.
//
// A Slave runs the Commands submitted to it one at a time, in submission
// order, through an Agent: the transport capability that actually executes a
// process on the slave machine. When a slave disconnects, every command it
// still owes a result fails with ErrConnectionLost.
package slave

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by slaves and commands.
var (
	// ErrConnectionLost is returned when the slave disconnected while a
	// command was queued or running, or before it was submitted.
	ErrConnectionLost = errors.New("slave connection lost")
	// ErrDispatchFault is returned when running a command failed inside the
	// master rather than on the slave.
	ErrDispatchFault = errors.New("command dispatch fault")
	// ErrAlreadyRun is returned when a command is dispatched a second time.
	ErrAlreadyRun = errors.New("command already run")
	// ErrUnknownSlave is returned when a slave name is not configured.
	ErrUnknownSlave = errors.New("unknown slave")
)

// Slave is a remote worker able to execute Commands.
type Slave interface {
	Name() string
	Connected() bool
	// RunCommand queues cmd for execution and returns immediately.
	RunCommand(cmd Command) *Pending
}

// Command is one remote operation. Implementations keep their own result and
// expose it once Run returned.
type Command interface {
	Run(ctx context.Context, agent Agent) error
}

// Stream identifies an output stream of a remote process.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// OutputFunc receives process output as it is produced. Calls for one
// execution never overlap.
type OutputFunc func(stream Stream, p []byte)

// ExecRequest describes a process to run on a slave.
type ExecRequest struct {
	ID      string        `json:"id"`
	Argv    []string      `json:"argv"`
	Dir     string        `json:"dir,omitempty"`
	Env     []string      `json:"env,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
	UsePTY  bool          `json:"use_pty,omitempty"`
}

// ExecResult is the outcome of a process that the slave managed to run or
// tried to start. A process that could not be started is still a result:
// ExitCode is -1 and Failure explains why.
type ExecResult struct {
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Failure  string        `json:"failure,omitempty"`
}

// Agent executes processes on behalf of a slave. Execute returns an error
// only when the transport failed; process failures are reported through
// ExecResult.
type Agent interface {
	Execute(ctx context.Context, req *ExecRequest, output OutputFunc) (*ExecResult, error)
}
