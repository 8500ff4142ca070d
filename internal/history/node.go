package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
	"weak"
)

// node is the shared core of every element. A parent owns its children
// through the children map; children only keep a weak reference back.
type node struct {
	mgr     *Manager
	key     string
	kind    Kind
	created time.Time
	parent  weak.Pointer[node]
	// elt is the typed wrapper handed out for this node.
	elt Elt
	// filename is set for logfiles.
	filename string

	mu       sync.Mutex
	loaded   bool
	deleted  bool
	children map[string]*node
	reserved map[string]bool
}

func newNode(mgr *Manager, parent *node, rec Record) *node {
	n := &node{
		mgr:      mgr,
		key:      rec.Key(),
		kind:     rec.Kind,
		created:  rec.Created,
		filename: rec.Filename,
		children: make(map[string]*node),
		reserved: make(map[string]bool),
	}
	if parent != nil {
		n.parent = weak.Make(parent)
	}
	switch rec.Kind {
	case KindProject:
		n.elt = &Project{n}
	case KindBuild:
		n.elt = &Build{n}
	case KindStep:
		n.elt = &Step{n}
	case KindLogfile:
		n.elt = &Logfile{n}
		n.loaded = true
	}
	return n
}

// Key returns the element's key.
func (n *node) Key() string { return n.key }

// Kind returns the element's kind.
func (n *node) Kind() Kind { return n.kind }

// Created returns the creation time.
func (n *node) Created() time.Time { return n.created }

func (n *node) isDeleted() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.deleted
}

// IDPath reconstructs the path by walking up the parent references.
func (n *node) IDPath() (Path, error) {
	var rev []string
	for cur := n; cur != nil; {
		if cur.isDeleted() {
			return nil, fmt.Errorf("%w: %s was deleted", ErrNotFound, cur.key)
		}
		rev = append(rev, cur.key)
		if cur.kind == KindProject {
			break
		}
		parent := cur.parent.Value()
		if parent == nil {
			return nil, fmt.Errorf("%w: parent of %s is gone", ErrDetached, cur.key)
		}
		cur = parent
	}

	path := make(Path, len(rev))
	for i, key := range rev {
		path[len(rev)-1-i] = key
	}
	return path, nil
}

// Parent returns the parent element.
func (n *node) Parent() (Elt, error) {
	if n.kind == KindProject {
		return nil, nil
	}
	parent := n.parent.Value()
	if parent == nil || parent.isDeleted() {
		return nil, fmt.Errorf("%w: parent of %s is gone", ErrDetached, n.key)
	}
	return parent.elt, nil
}

// ensureLoaded reads the children from the store once.
func (n *node) ensureLoaded(ctx context.Context) error {
	n.mu.Lock()
	loaded, deleted := n.loaded, n.deleted
	n.mu.Unlock()
	if deleted {
		return fmt.Errorf("%w: %s was deleted", ErrNotFound, n.key)
	}
	if loaded {
		return nil
	}

	path, err := n.IDPath()
	if err != nil {
		return err
	}

	_, err = n.mgr.share(ctx, &n.mgr.loads, "children:"+path.String(), func(ctx context.Context) (any, error) {
		n.mu.Lock()
		done := n.loaded
		n.mu.Unlock()
		if done {
			return nil, nil
		}

		recs, err := n.mgr.store.Children(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("loading children of %s: %w", path, err)
		}

		n.mu.Lock()
		defer n.mu.Unlock()
		if n.loaded {
			return nil, nil
		}
		for _, rec := range recs {
			if _, ok := n.children[rec.Key()]; !ok {
				n.children[rec.Key()] = newNode(n.mgr, n, rec)
			}
		}
		n.loaded = true
		n.mgr.logger.Debug("history children loaded", "path", path.String(), "count", len(recs))
		return nil, nil
	})
	return err
}

// Child returns the child with the given key.
func (n *node) Child(ctx context.Context, key string) (Elt, error) {
	if n.kind == KindLogfile {
		return nil, fmt.Errorf("%w: logfile %s has no children", ErrNotFound, n.key)
	}
	if err := n.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	child, ok := n.children[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no child %q", ErrNotFound, n.key, key)
	}
	return child.elt, nil
}

// ChildKeys returns the keys of all children, sorted.
func (n *node) ChildKeys(ctx context.Context) ([]string, error) {
	if n.kind == KindLogfile {
		return nil, nil
	}
	if err := n.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	keys := make([]string, 0, len(n.children))
	for key := range n.children {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// newChild creates a child of the given kind. Concurrent creators of one key
// race; exactly one wins and the others get ErrKeyConflict.
func (n *node) newChild(ctx context.Context, kind Kind, key string) (*node, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if err := n.mgr.checkOpen(); err != nil {
		return nil, err
	}
	if err := n.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	parentPath, err := n.IDPath()
	if err != nil {
		return nil, err
	}
	path := parentPath.Child(key)
	if len(path) > n.mgr.maxDepth {
		return nil, fmt.Errorf("%w: %s has %d segments, limit is %d", ErrDepthExceeded, path, len(path), n.mgr.maxDepth)
	}

	n.mu.Lock()
	if n.deleted {
		n.mu.Unlock()
		return nil, fmt.Errorf("%w: %s was deleted", ErrNotFound, n.key)
	}
	if _, taken := n.children[key]; taken || n.reserved[key] {
		n.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrKeyConflict, path)
	}
	n.reserved[key] = true
	n.mu.Unlock()

	release := func() {
		n.mu.Lock()
		delete(n.reserved, key)
		n.mu.Unlock()
	}

	rec := Record{Path: path, Kind: kind, Created: time.Now().UTC()}
	if kind == KindLogfile {
		rec.Filename = path.String()
	}

	if err := n.mgr.store.Create(ctx, rec); err != nil {
		release()
		return nil, fmt.Errorf("creating %s %s: %w", kind, path, err)
	}
	if kind == KindLogfile {
		if err := n.mgr.logs.Create(ctx, rec.Filename); err != nil {
			if _, delErr := n.mgr.store.Delete(ctx, path); delErr != nil {
				n.mgr.logger.Error("failed to roll back logfile record", "path", path.String(), "error", delErr)
			}
			release()
			return nil, fmt.Errorf("creating logfile %s: %w", path, err)
		}
	}

	child := newNode(n.mgr, n, rec)
	child.loaded = true

	n.mu.Lock()
	delete(n.reserved, key)
	n.children[key] = child
	n.mu.Unlock()

	n.mgr.logger.Debug("history element created", "path", path.String(), "kind", kind)
	return child, nil
}

// deleteChild removes a child and its subtree from the store and the tree.
func (n *node) deleteChild(ctx context.Context, key string) error {
	if err := n.mgr.checkOpen(); err != nil {
		return err
	}
	if err := n.ensureLoaded(ctx); err != nil {
		return err
	}

	n.mu.Lock()
	child, ok := n.children[key]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s has no child %q", ErrNotFound, n.key, key)
	}

	path, err := child.IDPath()
	if err != nil {
		return err
	}
	if err := n.mgr.deleteSubtree(ctx, path); err != nil {
		return err
	}

	n.mu.Lock()
	if n.children[key] == child {
		delete(n.children, key)
	}
	n.mu.Unlock()
	child.markDeleted()
	return nil
}

func (n *node) markDeleted() {
	n.mu.Lock()
	n.deleted = true
	children := make([]*node, 0, len(n.children))
	for _, c := range n.children {
		children = append(children, c)
	}
	n.mu.Unlock()

	for _, c := range children {
		c.markDeleted()
	}
}

// Project is the root of one project's history.
type Project struct{ *node }

// NewBuild creates a build directly under the project.
func (p *Project) NewBuild(ctx context.Context, key string) (*Build, error) {
	return newBuild(ctx, p.node, key)
}

// NewStep creates a step directly under the project.
func (p *Project) NewStep(ctx context.Context, key string) (*Step, error) {
	return newStep(ctx, p.node, key)
}

// DeleteChild deletes a child subtree.
func (p *Project) DeleteChild(ctx context.Context, key string) error {
	return p.deleteChild(ctx, key)
}

// Build is one build, possibly nested in another build or a step.
type Build struct{ *node }

// NewBuild creates a nested build.
func (b *Build) NewBuild(ctx context.Context, key string) (*Build, error) {
	return newBuild(ctx, b.node, key)
}

// NewStep creates a step of this build.
func (b *Build) NewStep(ctx context.Context, key string) (*Step, error) {
	return newStep(ctx, b.node, key)
}

// DeleteChild deletes a child subtree.
func (b *Build) DeleteChild(ctx context.Context, key string) error {
	return b.deleteChild(ctx, key)
}

// Step is one step of a build. Steps hold logfiles and may nest builds and
// steps.
type Step struct{ *node }

// NewBuild creates a build nested in the step.
func (s *Step) NewBuild(ctx context.Context, key string) (*Build, error) {
	return newBuild(ctx, s.node, key)
}

// NewStep creates a sub-step.
func (s *Step) NewStep(ctx context.Context, key string) (*Step, error) {
	return newStep(ctx, s.node, key)
}

// NewLogfile creates an empty logfile named name.
func (s *Step) NewLogfile(ctx context.Context, name string) (*Logfile, error) {
	n, err := s.newChild(ctx, KindLogfile, name)
	if err != nil {
		return nil, err
	}
	return n.elt.(*Logfile), nil
}

// DeleteChild deletes a child subtree.
func (s *Step) DeleteChild(ctx context.Context, key string) error {
	return s.deleteChild(ctx, key)
}

func newBuild(ctx context.Context, parent *node, key string) (*Build, error) {
	n, err := parent.newChild(ctx, KindBuild, key)
	if err != nil {
		return nil, err
	}
	return n.elt.(*Build), nil
}

func newStep(ctx context.Context, parent *node, key string) (*Step, error) {
	n, err := parent.newChild(ctx, KindStep, key)
	if err != nil {
		return nil, err
	}
	return n.elt.(*Step), nil
}

// Logfile is a named stream of output recorded under a step.
type Logfile struct{ *node }

// Filename returns the name of the logfile in the LogStore.
func (l *Logfile) Filename() string { return l.filename }

// Append adds p to the logfile.
func (l *Logfile) Append(ctx context.Context, p []byte) error {
	if l.isDeleted() {
		return fmt.Errorf("%w: logfile %s was deleted", ErrNotFound, l.key)
	}
	if err := l.mgr.logs.Append(ctx, l.filename, p); err != nil {
		return fmt.Errorf("appending to %s: %w", l.filename, err)
	}
	return nil
}

// Writer returns an io.Writer appending to the logfile under ctx.
func (l *Logfile) Writer(ctx context.Context) io.Writer {
	return &logWriter{ctx: ctx, l: l}
}

// Open returns a reader over the logfile content.
func (l *Logfile) Open(ctx context.Context) (io.ReadCloser, error) {
	if l.isDeleted() {
		return nil, fmt.Errorf("%w: logfile %s was deleted", ErrNotFound, l.key)
	}
	return l.mgr.logs.Open(ctx, l.filename)
}

// Read returns the whole logfile content.
func (l *Logfile) Read(ctx context.Context) ([]byte, error) {
	rc, err := l.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", l.filename, err)
	}
	return data, nil
}

type logWriter struct {
	ctx context.Context
	l   *Logfile
}

func (w *logWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := w.l.Append(w.ctx, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// AsContainer returns elt as a Container when it can hold builds and steps.
func AsContainer(elt Elt) (Container, bool) {
	c, ok := elt.(Container)
	return c, ok
}

// IsNotFound reports whether err means a missing element.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
