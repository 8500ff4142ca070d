package history_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/narvanalabs/buildmaster/internal/history"
	"github.com/narvanalabs/buildmaster/internal/history/logfs"
	"github.com/narvanalabs/buildmaster/internal/history/memstore"
)

func newManager(opts ...history.Option) (*history.Manager, *memstore.Store, *logfs.Store) {
	store := memstore.New()
	logs := logfs.NewMemory()
	return history.NewManager(store, logs, opts...), store, logs
}

// genKey generates URL-safe keys.
func genKey() gopter.Gen {
	return gen.RegexMatch(`^[a-z][a-z0-9._-]{0,11}$`)
}

// TestPropertyIDPathRoundTrip verifies that every created element resolves
// back to itself through its ID path.
func TestPropertyIDPathRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("ElementByIDPath inverts IDPath", prop.ForAll(
		func(project string, keys []string, useSteps []bool) bool {
			m, _, _ := newManager()
			ctx := context.Background()

			p, err := m.Project(ctx, project, true)
			if err != nil {
				return false
			}

			var parent history.Container = p
			var created []history.Elt
			for i, key := range keys {
				key = fmt.Sprintf("%s-%d", key, i)
				var child history.Container
				if i < len(useSteps) && useSteps[i] {
					child, err = parent.NewStep(ctx, key)
				} else {
					child, err = parent.NewBuild(ctx, key)
				}
				if err != nil {
					return false
				}
				created = append(created, child)
				parent = child
			}
			if step, ok := parent.(*history.Step); ok {
				lf, err := step.NewLogfile(ctx, "stdout")
				if err != nil {
					return false
				}
				created = append(created, lf)
			}

			for _, elt := range created {
				path, err := elt.IDPath()
				if err != nil || path.Project() != project {
					return false
				}
				got, err := m.ElementByIDPath(ctx, path)
				if err != nil || got != elt {
					return false
				}
				reparsed, err := history.ParsePath(path.String())
				if err != nil || !reparsed.Equal(path) {
					return false
				}
			}
			return true
		},
		genKey(),
		gen.SliceOfN(6, genKey()),
		gen.SliceOfN(6, gen.Bool()),
	))

	properties.TestingRun(t)
}

func TestProjectSingleCreation(t *testing.T) {
	m, _, _ := newManager()
	ctx := context.Background()

	const callers = 50
	results := make([]*history.Project, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := m.Project(ctx, "demo", true)
			if err != nil {
				t.Errorf("Project() error = %v", err)
				return
			}
			results[i] = p
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Fatalf("caller %d got a distinct project instance", i)
		}
	}
	names, err := m.ProjectNames(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "demo" {
		t.Errorf("ProjectNames() = %v, want [demo]", names)
	}
}

// gatedStore blocks Get until the gate opens or the call's context ends.
type gatedStore struct {
	*memstore.Store
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (s *gatedStore) Get(ctx context.Context, path history.Path) (history.Record, error) {
	s.once.Do(func() { close(s.entered) })
	select {
	case <-s.gate:
	case <-ctx.Done():
		return history.Record{}, ctx.Err()
	}
	return s.Store.Get(ctx, path)
}

func TestProjectCallerCancelDoesNotFailOthers(t *testing.T) {
	store := &gatedStore{
		Store:   memstore.New(),
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	m := history.NewManager(store, logfs.NewMemory())

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := m.Project(ctxA, "demo", true)
		errA <- err
	}()
	<-store.entered

	type result struct {
		p   *history.Project
		err error
	}
	resB := make(chan result, 1)
	go func() {
		p, err := m.Project(context.Background(), "demo", true)
		resB <- result{p, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("cancelled caller error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled caller still waiting")
	}

	close(store.gate)
	select {
	case res := <-resB:
		if res.err != nil {
			t.Fatalf("other caller error = %v", res.err)
		}
		if res.p.Key() != "demo" {
			t.Errorf("Key() = %q, want demo", res.p.Key())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("other caller never returned")
	}
}

func TestProjectWithoutCreate(t *testing.T) {
	m, _, _ := newManager()
	ctx := context.Background()

	if _, err := m.Project(ctx, "missing", false); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("Project(create=false) error = %v, want ErrNotFound", err)
	}
	names, _ := m.ProjectNames(ctx)
	if len(names) != 0 {
		t.Errorf("lookup created projects: %v", names)
	}
	if _, err := m.Project(ctx, "Demo", true); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Project(ctx, "demo", false); !errors.Is(err, history.ErrNotFound) {
		t.Error("project names must be case sensitive")
	}
}

func TestConcurrentNewBuildSingleWinner(t *testing.T) {
	m, _, _ := newManager()
	ctx := context.Background()
	p, _ := m.Project(ctx, "demo", true)

	const creators = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []*history.Build
		conflicts int
	)
	for i := 0; i < creators; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := p.NewBuild(ctx, "build-1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, b)
			case errors.Is(err, history.ErrKeyConflict):
				conflicts++
			default:
				t.Errorf("NewBuild() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if len(winners) != 1 || conflicts != creators-1 {
		t.Fatalf("winners = %d, conflicts = %d", len(winners), conflicts)
	}
	got, err := p.Child(ctx, "build-1")
	if err != nil || got != history.Elt(winners[0]) {
		t.Errorf("Child() = %v, %v; want the winning build", got, err)
	}
}

func TestKeyConflictLeavesExistingChild(t *testing.T) {
	m, _, _ := newManager()
	ctx := context.Background()
	p, _ := m.Project(ctx, "demo", true)
	b, _ := p.NewBuild(ctx, "build-1")
	step, _ := b.NewStep(ctx, "compile")

	if _, err := p.NewStep(ctx, "build-1"); !errors.Is(err, history.ErrKeyConflict) {
		t.Errorf("NewStep() on taken key error = %v, want ErrKeyConflict", err)
	}
	if _, err := step.NewLogfile(ctx, "stdout"); err != nil {
		t.Fatal(err)
	}
	if _, err := step.NewLogfile(ctx, "stdout"); !errors.Is(err, history.ErrKeyConflict) {
		t.Errorf("NewLogfile() on taken key error = %v, want ErrKeyConflict", err)
	}

	got, _ := p.Child(ctx, "build-1")
	if got != history.Elt(b) || got.Kind() != history.KindBuild {
		t.Error("conflicting creation replaced the existing child")
	}
}

func TestElementByIDPathNotFound(t *testing.T) {
	m, _, _ := newManager()
	ctx := context.Background()
	p, _ := m.Project(ctx, "demo", true)
	p.NewBuild(ctx, "build-1")

	for _, path := range []history.Path{
		{"nope"},
		{"demo", "build-2"},
		{"demo", "build-1", "compile"},
	} {
		if _, err := m.ElementByIDPath(ctx, path); !errors.Is(err, history.ErrNotFound) {
			t.Errorf("ElementByIDPath(%s) error = %v, want ErrNotFound", path, err)
		}
	}

	names, _ := m.ProjectNames(ctx)
	if len(names) != 1 {
		t.Errorf("lookups created projects: %v", names)
	}
}

func TestInvalidKeys(t *testing.T) {
	m, _, _ := newManager()
	ctx := context.Background()

	for _, key := range []string{"", ".", "..", "a/b", "sp ace", "q?x", "ü"} {
		if _, err := m.Project(ctx, key, true); !errors.Is(err, history.ErrInvalidKey) {
			t.Errorf("Project(%q) error = %v, want ErrInvalidKey", key, err)
		}
	}

	p, _ := m.Project(ctx, "demo", true)
	if _, err := p.NewBuild(ctx, "build 1"); !errors.Is(err, history.ErrInvalidKey) {
		t.Errorf("NewBuild() error = %v, want ErrInvalidKey", err)
	}
}

func TestNestingLimit(t *testing.T) {
	m, _, _ := newManager(history.WithMaxDepth(3))
	ctx := context.Background()

	p, _ := m.Project(ctx, "demo", true)
	b, err := p.NewBuild(ctx, "outer")
	if err != nil {
		t.Fatal(err)
	}
	inner, err := b.NewBuild(ctx, "inner")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := inner.NewStep(ctx, "too-deep"); !errors.Is(err, history.ErrDepthExceeded) {
		t.Errorf("NewStep() error = %v, want ErrDepthExceeded", err)
	}
}

func TestLogfileContent(t *testing.T) {
	m, _, _ := newManager()
	ctx := context.Background()

	p, _ := m.Project(ctx, "demo", true)
	b, _ := p.NewBuild(ctx, "build-1")
	s, _ := b.NewStep(ctx, "compile")
	lf, err := s.NewLogfile(ctx, "stdout")
	if err != nil {
		t.Fatal(err)
	}
	if lf.Filename() != "demo/build-1/compile/stdout" {
		t.Errorf("Filename() = %q", lf.Filename())
	}

	if err := lf.Append(ctx, []byte("gcc main.c\n")); err != nil {
		t.Fatal(err)
	}
	fmt.Fprintf(lf.Writer(ctx), "ok %d\n", 1)

	data, err := lf.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "gcc main.c\nok 1\n" {
		t.Errorf("Read() = %q", data)
	}

	keys, _ := lf.ChildKeys(ctx)
	if len(keys) != 0 {
		t.Errorf("logfile has children: %v", keys)
	}
	if _, err := lf.Child(ctx, "x"); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("Child() on logfile error = %v, want ErrNotFound", err)
	}
}

func TestParentNavigation(t *testing.T) {
	m, _, _ := newManager()
	ctx := context.Background()

	p, _ := m.Project(ctx, "demo", true)
	b, _ := p.NewBuild(ctx, "build-1")
	s, _ := b.NewStep(ctx, "compile")

	parent, err := s.Parent()
	if err != nil || parent != history.Elt(b) {
		t.Errorf("step Parent() = %v, %v", parent, err)
	}
	parent, err = b.Parent()
	if err != nil || parent != history.Elt(p) {
		t.Errorf("build Parent() = %v, %v", parent, err)
	}
	parent, err = p.Parent()
	if err != nil || parent != nil {
		t.Errorf("project Parent() = %v, %v; want nil", parent, err)
	}

	if err := m.DeleteProject(ctx, "demo"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Parent(); !errors.Is(err, history.ErrDetached) {
		t.Errorf("Parent() after project deletion error = %v, want ErrDetached", err)
	}
	if _, err := s.IDPath(); err == nil {
		t.Error("IDPath() succeeded for a deleted element")
	}
}

func TestDeleteChildRemovesSubtree(t *testing.T) {
	m, store, _ := newManager()
	ctx := context.Background()

	p, _ := m.Project(ctx, "demo", true)
	b, _ := p.NewBuild(ctx, "build-1")
	s, _ := b.NewStep(ctx, "compile")
	lf, _ := s.NewLogfile(ctx, "stdout")
	lf.Append(ctx, []byte("output"))
	p.NewBuild(ctx, "build-2")

	if err := p.DeleteChild(ctx, "build-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ElementByIDPath(ctx, history.Path{"demo", "build-1", "compile"}); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("deleted step still resolvable: %v", err)
	}
	if err := lf.Append(ctx, []byte("more")); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("Append() to deleted logfile error = %v, want ErrNotFound", err)
	}
	if store.Len() != 2 {
		t.Errorf("store has %d records, want 2", store.Len())
	}

	// The key is free again.
	if _, err := p.NewBuild(ctx, "build-1"); err != nil {
		t.Errorf("recreating deleted key: %v", err)
	}
	if err := p.DeleteChild(ctx, "ghost"); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("DeleteChild(ghost) error = %v, want ErrNotFound", err)
	}
}

func TestLazyLoadFromStore(t *testing.T) {
	store := memstore.New()
	logs := logfs.NewMemory()
	ctx := context.Background()

	first := history.NewManager(store, logs)
	p, _ := first.Project(ctx, "demo", true)
	b, _ := p.NewBuild(ctx, "build-7")
	s, _ := b.NewStep(ctx, "test")
	lf, _ := s.NewLogfile(ctx, "stdout")
	lf.Append(ctx, []byte("PASS\n"))

	second := history.NewManager(store, logs)
	names, err := second.ProjectNames(ctx)
	if err != nil || len(names) != 1 {
		t.Fatalf("ProjectNames() = %v, %v", names, err)
	}

	elt, err := second.ElementByIDPath(ctx, history.Path{"demo", "build-7", "test", "stdout"})
	if err != nil {
		t.Fatalf("ElementByIDPath() error = %v", err)
	}
	loaded, ok := elt.(*history.Logfile)
	if !ok {
		t.Fatalf("element is %T, want *history.Logfile", elt)
	}
	data, _ := loaded.Read(ctx)
	if string(data) != "PASS\n" {
		t.Errorf("Read() = %q", data)
	}

	step, _ := second.ElementByIDPath(ctx, history.Path{"demo", "build-7", "test"})
	keys, _ := step.ChildKeys(ctx)
	if len(keys) != 1 || keys[0] != "stdout" {
		t.Errorf("ChildKeys() = %v", keys)
	}
	if _, err := step.(*history.Step).NewLogfile(ctx, "stdout"); !errors.Is(err, history.ErrKeyConflict) {
		t.Errorf("NewLogfile() over a stored key error = %v, want ErrKeyConflict", err)
	}
}

func TestClose(t *testing.T) {
	m, _, _ := newManager()
	ctx := context.Background()
	p, _ := m.Project(ctx, "demo", true)

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := m.Project(ctx, "demo", false); !errors.Is(err, history.ErrClosed) {
		t.Errorf("Project() after Close error = %v, want ErrClosed", err)
	}
	if _, err := p.NewBuild(ctx, "late"); !errors.Is(err, history.ErrClosed) {
		t.Errorf("NewBuild() after Close error = %v, want ErrClosed", err)
	}
}
