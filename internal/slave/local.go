package slave

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// LocalAgent runs processes on the machine it lives on. The worker binary
// serves it over gRPC; the master uses it directly for slaves declared local.
type LocalAgent struct {
	// WorkDir is the base for relative request directories.
	WorkDir string
	// Env is the base environment of every process, in "KEY=value" form.
	// Request variables are appended after it.
	Env    []string
	Logger *slog.Logger
}

// inheritedEnv lists the variables a process receives from the agent's own
// environment.
var inheritedEnv = []string{"PATH", "HOME", "LANG", "TMPDIR"}

// BaseEnv keeps only the inherited variables of environ.
func BaseEnv(environ []string) []string {
	env := []string{}
	for _, kv := range environ {
		key, _, ok := strings.Cut(kv, "=")
		if ok && slices.Contains(inheritedEnv, key) {
			env = append(env, kv)
		}
	}
	return env
}

// NewLocalAgent creates an agent rooted at workDir. A nil env uses
// BaseEnv(os.Environ()).
func NewLocalAgent(workDir string, env []string, logger *slog.Logger) *LocalAgent {
	if logger == nil {
		logger = slog.Default()
	}
	if env == nil {
		env = BaseEnv(os.Environ())
	}
	return &LocalAgent{WorkDir: workDir, Env: env, Logger: logger}
}

// outputWriter forwards writes to an OutputFunc, serializing callers.
type outputWriter struct {
	mu     *sync.Mutex
	stream Stream
	fn     OutputFunc
}

func (w *outputWriter) Write(p []byte) (int, error) {
	if w.fn == nil {
		return len(p), nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.fn(w.stream, buf)
	return len(p), nil
}

// Execute implements Agent. Cancelling ctx kills the process and returns
// ctx's error; a request timeout is reported in the result instead.
func (a *LocalAgent) Execute(ctx context.Context, req *ExecRequest, output OutputFunc) (*ExecResult, error) {
	if len(req.Argv) == 0 {
		return nil, errors.New("exec request has no argv")
	}

	dir := req.Dir
	if dir == "" {
		dir = a.WorkDir
	} else if !filepath.IsAbs(dir) && a.WorkDir != "" {
		dir = filepath.Join(a.WorkDir, dir)
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &ExecResult{ExitCode: -1, Failure: fmt.Sprintf("creating work dir: %v", err)}, nil
		}
	}

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, req.Argv[0], req.Argv[1:]...)
	cmd.Dir = dir
	// A nil Env would inherit the whole environment.
	cmd.Env = make([]string, 0, len(a.Env)+len(req.Env))
	cmd.Env = append(cmd.Env, a.Env...)
	cmd.Env = append(cmd.Env, req.Env...)
	cmd.WaitDelay = 2 * time.Second

	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("executing command", "request_id", req.ID, "argv", req.Argv, "dir", dir, "pty", req.UsePTY)

	start := time.Now()
	var runErr error
	if req.UsePTY {
		runErr = a.runPTY(cmd, output)
	} else {
		mu := &sync.Mutex{}
		cmd.Stdout = &outputWriter{mu: mu, stream: StreamStdout, fn: output}
		cmd.Stderr = &outputWriter{mu: mu, stream: StreamStderr, fn: output}
		runErr = cmd.Run()
	}
	result := &ExecResult{Duration: time.Since(start)}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		result.ExitCode = 0
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.ExitCode = -1
		result.TimedOut = true
		result.Failure = fmt.Sprintf("timed out after %s", req.Timeout)
	case errors.As(runErr, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			result.Failure = fmt.Sprintf("killed by signal %s", status.Signal())
		}
	default:
		result.ExitCode = -1
		result.Failure = runErr.Error()
	}

	logger.Debug("command finished",
		"request_id", req.ID,
		"exit_code", result.ExitCode,
		"duration", result.Duration,
	)
	return result, nil
}

// runPTY runs cmd attached to a pseudo terminal. Everything the process
// writes arrives on StreamStdout.
func (a *LocalAgent) runPTY(cmd *exec.Cmd, output OutputFunc) error {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return err
	}
	defer ptmx.Close()

	w := &outputWriter{mu: &sync.Mutex{}, stream: StreamStdout, fn: output}
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		// Reading the master side fails with EIO once the child exits.
		_, _ = io.Copy(w, ptmx)
	}()

	err = cmd.Wait()
	select {
	case <-copied:
	case <-time.After(cmd.WaitDelay):
		// A background process inherited the terminal.
		ptmx.Close()
		<-copied
	}
	return err
}
