// Package history records build history as a tree of projects, builds,
// steps and logfiles.
//
// Every element has a URL-safe key unique among its siblings and is
// addressed by its ID path: the project name followed by the keys leading
// down to it. Elements are created explicitly under their parent and are
// loaded lazily from a Store the first time their children are needed.
// Logfile content lives in a separate LogStore.
package history

import (
	"context"
	"errors"
	"io"
	"time"
)

// Common errors returned by the history tree and its stores.
var (
	// ErrNotFound is returned when a project, element or key does not exist.
	ErrNotFound = errors.New("history element not found")
	// ErrKeyConflict is returned when creating an element whose key is taken.
	ErrKeyConflict = errors.New("history key already exists")
	// ErrInvalidKey is returned for keys that are not URL-safe path segments.
	ErrInvalidKey = errors.New("invalid history key")
	// ErrDepthExceeded is returned when an element would be nested too deep.
	ErrDepthExceeded = errors.New("history nesting limit exceeded")
	// ErrDetached is returned when navigating from an element whose ancestors
	// were deleted.
	ErrDetached = errors.New("history element detached from its tree")
	// ErrClosed is returned after the Manager was closed.
	ErrClosed = errors.New("history manager closed")
)

// Kind is the variant of a history element.
type Kind string

const (
	KindProject Kind = "project"
	KindBuild   Kind = "build"
	KindStep    Kind = "step"
	KindLogfile Kind = "logfile"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindProject, KindBuild, KindStep, KindLogfile:
		return true
	}
	return false
}

// Elt is a node of the history tree.
type Elt interface {
	Key() string
	Kind() Kind
	// IDPath returns the path from the owning project down to this element.
	IDPath() (Path, error)
	// Parent returns the parent element. Projects have no parent and return
	// nil without error.
	Parent() (Elt, error)
	// Child returns the child with the given key.
	Child(ctx context.Context, key string) (Elt, error)
	// ChildKeys returns the keys of all children, sorted.
	ChildKeys(ctx context.Context) ([]string, error)
}

// Container is an element that can hold builds and steps.
type Container interface {
	Elt
	NewBuild(ctx context.Context, key string) (*Build, error)
	NewStep(ctx context.Context, key string) (*Step, error)
	// DeleteChild deletes the child and its whole subtree.
	DeleteChild(ctx context.Context, key string) error
}

// Record is the persisted form of an element.
type Record struct {
	Path     Path
	Kind     Kind
	Filename string
	Created  time.Time
}

// Key returns the last path segment.
func (r Record) Key() string {
	if len(r.Path) == 0 {
		return ""
	}
	return r.Path[len(r.Path)-1]
}

// Store persists the shape of the history tree.
type Store interface {
	// Create inserts rec. It fails with ErrKeyConflict when the path exists
	// and with ErrNotFound when the parent of a non-project path is missing.
	Create(ctx context.Context, rec Record) error
	// Get returns the record at path.
	Get(ctx context.Context, path Path) (Record, error)
	// Children returns the direct children of parent. An empty parent lists
	// the projects.
	Children(ctx context.Context, parent Path) ([]Record, error)
	// Delete removes path and its subtree and returns the removed records.
	Delete(ctx context.Context, path Path) ([]Record, error)
	Close() error
}

// LogStore persists logfile content addressed by filename.
type LogStore interface {
	// Create makes an empty logfile, failing with ErrKeyConflict if it exists.
	Create(ctx context.Context, filename string) error
	// Append adds p to the end of the logfile.
	Append(ctx context.Context, filename string, p []byte) error
	// Open returns the logfile content.
	Open(ctx context.Context, filename string) (io.ReadCloser, error)
	// Remove deletes the logfile. Removing a missing logfile is not an error.
	Remove(ctx context.Context, filename string) error
	Close() error
}
