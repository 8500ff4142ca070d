package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Environment variables passed to a CommandBackend's changes command.
const (
	EnvSince = "BUILDMASTER_SINCE"
	EnvUntil = "BUILDMASTER_UNTIL"
)

// CommandBackend asks an external command for the repository version.
// The command runs through /bin/sh and its trimmed stdout is the version,
// e.g. "git -C /src/app rev-parse HEAD".
type CommandBackend struct {
	Repository string
	Command    string
	Dir        string
	Env        []string
	Timeout    time.Duration

	// ChangesCommand optionally lists changes between two versions. It
	// receives them in BUILDMASTER_SINCE and BUILDMASTER_UNTIL and prints one
	// change per line as tab separated revision, author, comment and a comma
	// separated file list.
	ChangesCommand string
}

// Current implements Backend.
func (b *CommandBackend) Current(ctx context.Context) (Stamp, error) {
	out, err := b.run(ctx, b.Command, nil)
	if err != nil {
		return nil, err
	}
	version := strings.TrimSpace(string(out))
	if version == "" {
		return nil, fmt.Errorf("%w: command %q printed no version", ErrRepositoryUnavailable, b.Command)
	}
	return NewRevision(b.Repository, version), nil
}

// Changes implements ChangeLister.
func (b *CommandBackend) Changes(ctx context.Context, since, until Stamp) ([]Change, error) {
	if b.ChangesCommand == "" {
		return nil, ErrUnsupported
	}
	env := []string{EnvSince + "=" + versionOf(since), EnvUntil + "=" + versionOf(until)}
	out, err := b.run(ctx, b.ChangesCommand, env)
	if err != nil {
		return nil, err
	}
	return parseChanges(out), nil
}

func (b *CommandBackend) run(ctx context.Context, command string, extraEnv []string) ([]byte, error) {
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = b.Dir
	cmd.Env = append(append(os.Environ(), b.Env...), extraEnv...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: command %q exited with %d: %s",
				ErrRepositoryUnavailable, command, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("%w: running %q: %w", ErrRepositoryUnavailable, command, err)
	}
	return out, nil
}

func versionOf(s Stamp) string {
	switch r := s.(type) {
	case Revision:
		return r.Version
	case *Revision:
		if r != nil {
			return r.Version
		}
	}
	if s == nil {
		return ""
	}
	return s.Filename()
}

// parseChanges decodes the tab separated output of a changes command.
func parseChanges(out []byte) []Change {
	var changes []Change
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 4)
		c := Change{Revision: fields[0], When: time.Now().UTC()}
		if len(fields) > 1 {
			c.Author = fields[1]
		}
		if len(fields) > 2 {
			c.Comment = fields[2]
		}
		if len(fields) > 3 && fields[3] != "" {
			c.Files = strings.Split(fields[3], ",")
		}
		changes = append(changes, c)
	}
	return changes
}
