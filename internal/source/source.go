// Package source monitors source repositories and identifies their versions.
//
// A Manager owns one repository. It produces Stamps for the repository's
// current state and notifies subscribers when that state changes. Concrete
// version-control logic lives behind the Backend interface.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/narvanalabs/buildmaster/internal/subscription"
)

// Common errors returned by source managers and backends.
var (
	// ErrRepositoryUnavailable is returned when the repository backend cannot be reached.
	ErrRepositoryUnavailable = errors.New("repository unavailable")
	// ErrUnsupported is returned when a backend does not provide optional metadata.
	ErrUnsupported = errors.New("operation not supported by source backend")
)

// Stamp identifies a specific version of the source code controlled by a Manager.
type Stamp interface {
	// Description returns a human readable, possibly long, description that
	// allows a person to find the version.
	Description() string
	// Filename returns a short filename-safe identifier with negligible
	// probability of clashing with any other stamp of the same repository.
	Filename() string
	// Equal reports whether both stamps denote the same repository state.
	Equal(other Stamp) bool
}

// ChangeFunc receives change notifications.
type ChangeFunc func(m Manager, stamp Stamp)

// Manager monitors one source repository.
type Manager interface {
	// Name returns the manager's configured name.
	Name() string
	// SubscribeToChanges invokes fn with the manager and the new Stamp once
	// per detected change, on the subscription's own goroutine.
	SubscribeToChanges(fn ChangeFunc) subscription.Subscription
	// CurrentStamp returns the Stamp for the current repository state.
	CurrentStamp(ctx context.Context) (Stamp, error)
	// Changes lists the changes between two stamps when the backend supports it.
	Changes(ctx context.Context, since, until Stamp) ([]Change, error)
}

// Change describes one change contributing to a new repository state.
type Change struct {
	Revision string    `json:"revision"`
	Author   string    `json:"author,omitempty"`
	Comment  string    `json:"comment,omitempty"`
	Files    []string  `json:"files,omitempty"`
	When     time.Time `json:"when"`
}

// Backend materializes the current state of a repository.
type Backend interface {
	Current(ctx context.Context) (Stamp, error)
}

// Watcher is implemented by backends that can push change hints instead of
// relying on polling alone. Watch blocks until ctx is done.
type Watcher interface {
	Watch(ctx context.Context, notify func()) error
}

// EmptyStarter is implemented by backends that can start out with no
// version at all. When StartedEmpty reports true, the first stamp the
// manager observes counts as a change instead of a baseline.
type EmptyStarter interface {
	StartedEmpty() bool
}

// ChangeLister is implemented by backends that can describe the changes
// between two stamps (ancestry, blame, affected files).
type ChangeLister interface {
	Changes(ctx context.Context, since, until Stamp) ([]Change, error)
}
