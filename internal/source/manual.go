package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ManualBackend holds a version pushed from outside the master, typically by
// a repository hook calling the change API.
type ManualBackend struct {
	repository string
	empty      bool

	mu       sync.Mutex
	version  string
	err      error
	history  []manualEntry
	watchers map[int]func()
	nextID   int
}

type manualEntry struct {
	version string
	changes []Change
}

// NewManualBackend creates a backend reporting initialVersion until Push is
// called. An empty initialVersion makes Current fail until the first push,
// and that first push is a change.
func NewManualBackend(repository, initialVersion string) *ManualBackend {
	b := &ManualBackend{
		repository: repository,
		empty:      initialVersion == "",
		version:    initialVersion,
		watchers:   make(map[int]func()),
	}
	if initialVersion != "" {
		b.history = append(b.history, manualEntry{version: initialVersion})
	}
	return b
}

// Push records a new version with the changes that produced it and wakes any
// running watcher. It also clears an outage set by SetUnavailable.
func (b *ManualBackend) Push(version string, changes ...Change) error {
	if version == "" {
		return errors.New("version is required")
	}

	b.mu.Lock()
	for i := range changes {
		if changes[i].Revision == "" {
			changes[i].Revision = version
		}
		if changes[i].When.IsZero() {
			changes[i].When = time.Now().UTC()
		}
	}
	b.version = version
	b.err = nil
	b.history = append(b.history, manualEntry{version: version, changes: changes})
	watchers := make([]func(), 0, len(b.watchers))
	for _, w := range b.watchers {
		watchers = append(watchers, w)
	}
	b.mu.Unlock()

	for _, notify := range watchers {
		notify()
	}
	return nil
}

// StartedEmpty implements EmptyStarter.
func (b *ManualBackend) StartedEmpty() bool { return b.empty }

// SetUnavailable makes Current fail with err until the next Push. A nil err
// restores availability.
func (b *ManualBackend) SetUnavailable(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

// Current implements Backend.
func (b *ManualBackend) Current(ctx context.Context) (Stamp, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRepositoryUnavailable, b.err)
	}
	if b.version == "" {
		return nil, fmt.Errorf("%w: no version pushed yet", ErrRepositoryUnavailable)
	}
	return NewRevision(b.repository, b.version), nil
}

// Changes implements ChangeLister. It returns the changes pushed after since,
// up to and including until.
func (b *ManualBackend) Changes(ctx context.Context, since, until Stamp) ([]Change, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := 0
	if since != nil {
		start = -1
		for i := len(b.history) - 1; i >= 0; i-- {
			if b.history[i].version == versionOf(since) {
				start = i + 1
				break
			}
		}
		if start < 0 {
			return nil, fmt.Errorf("unknown version %s", since.Description())
		}
	}

	var changes []Change
	for i := start; i < len(b.history); i++ {
		changes = append(changes, b.history[i].changes...)
		if until != nil && b.history[i].version == versionOf(until) {
			return changes, nil
		}
	}
	if until != nil {
		return nil, fmt.Errorf("unknown version %s", until.Description())
	}
	return changes, nil
}

// Watch implements Watcher.
func (b *ManualBackend) Watch(ctx context.Context, notify func()) error {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.watchers[id] = notify
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	delete(b.watchers, id)
	b.mu.Unlock()
	return nil
}
