package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/narvanalabs/buildmaster/internal/source"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}

// callLog records action invocations.
type callLog struct {
	mu      sync.Mutex
	actxs   []any
	stamps  []string
	active  int32
	maxSeen int32
}

func (l *callLog) action(hold <-chan struct{}) Action {
	return func(ctx context.Context, actx any, stamp source.Stamp) error {
		n := atomic.AddInt32(&l.active, 1)
		for {
			m := atomic.LoadInt32(&l.maxSeen)
			if n <= m || atomic.CompareAndSwapInt32(&l.maxSeen, m, n) {
				break
			}
		}
		defer atomic.AddInt32(&l.active, -1)

		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
			}
		}

		desc := "<nil>"
		if stamp != nil {
			desc = stamp.(source.Revision).Version
		}
		l.mu.Lock()
		l.actxs = append(l.actxs, actx)
		l.stamps = append(l.stamps, desc)
		l.mu.Unlock()
		return nil
	}
}

func (l *callLog) versions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.stamps))
	copy(out, l.stamps)
	return out
}

func (l *callLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.stamps)
}

func newSource(t *testing.T, version string) (*source.PollingManager, *source.ManualBackend) {
	t.Helper()
	backend := source.NewManualBackend("app", version)
	m := source.NewPollingManager("app", backend)
	if _, err := m.Poll(context.Background()); err != nil {
		t.Fatalf("baseline poll: %v", err)
	}
	t.Cleanup(m.Close)
	return m, backend
}

func push(t *testing.T, m *source.PollingManager, b *source.ManualBackend, version string) {
	t.Helper()
	if err := b.Push(version); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestParseOverlap(t *testing.T) {
	tests := []struct {
		in      string
		want    Overlap
		wantErr bool
	}{
		{"", OverlapConcurrent, false},
		{"concurrent", OverlapConcurrent, false},
		{"serialize", OverlapSerialize, false},
		{"coalesce", OverlapCoalesce, false},
		{"parallel", "", true},
	}
	for _, tt := range tests {
		got, err := ParseOverlap(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseOverlap(%q) = %q, %v", tt.in, got, err)
		}
		if tt.wantErr && !errors.Is(err, ErrUnknownOverlap) {
			t.Errorf("ParseOverlap(%q) error = %v, want ErrUnknownOverlap", tt.in, err)
		}
	}
}

func TestChangeSchedulerFiresWithStampAndContext(t *testing.T) {
	m, b := newSource(t, "v1")
	log := &callLog{}
	s := NewChangeScheduler(Config{Name: "on-change", Action: log.action(nil), Context: "demo"}, []source.Manager{m}, 0)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	push(t, m, b, "v2")
	if !waitFor(t, time.Second, func() bool { return log.count() == 1 }) {
		t.Fatalf("action ran %d times, want 1", log.count())
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	if log.actxs[0] != "demo" {
		t.Errorf("actx = %v, want demo", log.actxs[0])
	}
	if log.stamps[0] != "v2" {
		t.Errorf("stamp = %s, want v2", log.stamps[0])
	}
}

func TestChangeSchedulerStartTwice(t *testing.T) {
	s := NewChangeScheduler(Config{Name: "x", Action: (&callLog{}).action(nil)}, nil, 0)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestChangeSchedulerStopCancelsSubscriptions(t *testing.T) {
	m, b := newSource(t, "v1")
	log := &callLog{}
	s := NewChangeScheduler(Config{Name: "x", Action: log.action(nil)}, []source.Manager{m}, 0)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1", m.SubscriberCount())
	}

	s.Stop()
	s.Stop()
	if m.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() after Stop = %d, want 0", m.SubscriberCount())
	}

	push(t, m, b, "v2")
	time.Sleep(20 * time.Millisecond)
	if log.count() != 0 {
		t.Errorf("stopped scheduler ran %d times", log.count())
	}
}

func TestChangeSchedulerTreeStableTimer(t *testing.T) {
	m, b := newSource(t, "v1")
	log := &callLog{}
	s := NewChangeScheduler(Config{Name: "debounced", Action: log.action(nil)}, []source.Manager{m}, 50*time.Millisecond)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	for _, v := range []string{"v2", "v3", "v4"} {
		push(t, m, b, v)
	}

	if !waitFor(t, 2*time.Second, func() bool { return log.count() == 1 }) {
		t.Fatalf("action ran %d times, want 1", log.count())
	}
	time.Sleep(100 * time.Millisecond)
	got := log.versions()
	if len(got) != 1 || got[0] != "v4" {
		t.Errorf("runs = %v, want [v4]", got)
	}
}

func TestConcurrentOverlapRunsInParallel(t *testing.T) {
	hold := make(chan struct{})
	log := &callLog{}
	s := NewTriggerable(Config{Name: "t", Action: log.action(hold), Overlap: OverlapConcurrent}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	for i := 0; i < 3; i++ {
		if err := s.Trigger(context.Background(), source.NewRevision("app", fmt.Sprint(i))); err != nil {
			t.Fatal(err)
		}
	}
	if !waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&log.active) == 3 }) {
		t.Fatalf("active = %d, want 3", atomic.LoadInt32(&log.active))
	}
	if st := s.Status(); st.InFlight != 3 {
		t.Errorf("Status().InFlight = %d, want 3", st.InFlight)
	}
	close(hold)
	if !waitFor(t, time.Second, func() bool { return log.count() == 3 }) {
		t.Fatalf("completed = %d, want 3", log.count())
	}
}

// TestPropertySerializeKeepsTriggerOrder verifies the serialize policy never
// overlaps invocations and runs triggers in the order they arrived.
func TestPropertySerializeKeepsTriggerOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("serialized runs are sequential and ordered", prop.ForAll(
		func(versions []string) bool {
			log := &callLog{}
			s := NewTriggerable(Config{Name: "serial", Action: log.action(nil), Overlap: OverlapSerialize}, nil)
			if err := s.Start(context.Background()); err != nil {
				return false
			}
			defer s.Stop()

			for _, v := range versions {
				if err := s.Trigger(context.Background(), source.NewRevision("app", v)); err != nil {
					return false
				}
			}
			if !waitFor(t, 2*time.Second, func() bool { return log.count() == len(versions) }) {
				return false
			}
			got := log.versions()
			for i := range versions {
				if got[i] != versions[i] {
					return false
				}
			}
			return atomic.LoadInt32(&log.maxSeen) <= 1
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}

func TestCoalesceCollapsesToNewest(t *testing.T) {
	hold := make(chan struct{})
	log := &callLog{}
	s := NewTriggerable(Config{Name: "c", Action: log.action(hold), Overlap: OverlapCoalesce}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	ctx := context.Background()
	_ = s.Trigger(ctx, source.NewRevision("app", "first"))
	if !waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&log.active) == 1 }) {
		t.Fatal("first run did not start")
	}
	for _, v := range []string{"a", "b", "newest"} {
		_ = s.Trigger(ctx, source.NewRevision("app", v))
	}
	if st := s.Status(); st.Queued != 1 {
		t.Errorf("Status().Queued = %d, want 1", st.Queued)
	}

	close(hold)
	if !waitFor(t, time.Second, func() bool { return log.count() == 2 }) {
		t.Fatalf("runs = %v, want 2 runs", log.versions())
	}
	time.Sleep(20 * time.Millisecond)
	got := log.versions()
	if len(got) != 2 || got[0] != "first" || got[1] != "newest" {
		t.Errorf("runs = %v, want [first newest]", got)
	}
	if atomic.LoadInt32(&log.maxSeen) != 1 {
		t.Errorf("max concurrent runs = %d, want 1", atomic.LoadInt32(&log.maxSeen))
	}
}

func TestActionErrorsAndPanicsAreRecorded(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	action := func(ctx context.Context, actx any, stamp source.Stamp) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("compile failed")
		}
		panic("boom")
	}

	s := NewTriggerable(Config{Name: "t", Action: action, Overlap: OverlapSerialize}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	_ = s.Trigger(context.Background(), nil)
	_ = s.Trigger(context.Background(), nil)

	if !waitFor(t, time.Second, func() bool { return s.Status().Runs == 2 }) {
		t.Fatalf("Runs = %d, want 2", s.Status().Runs)
	}
	st := s.Status()
	if st.Failures != 2 {
		t.Errorf("Failures = %d, want 2", st.Failures)
	}
	if st.LastError == "" {
		t.Error("LastError is empty after a panic")
	}
}

func TestStopCancelsRunningActionContext(t *testing.T) {
	started := make(chan struct{})
	var sawCancel atomic.Bool
	action := func(ctx context.Context, actx any, stamp source.Stamp) error {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	}

	s := NewTriggerable(Config{Name: "t", Action: action}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	_ = s.Trigger(context.Background(), nil)
	<-started

	s.Stop()
	if !sawCancel.Load() {
		t.Error("Stop returned before the running action observed cancellation")
	}
	if err := s.Trigger(context.Background(), nil); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Trigger() after Stop error = %v, want ErrNotRunning", err)
	}
}

func TestTriggerableResolvesStampFromManager(t *testing.T) {
	m, _ := newSource(t, "v7")
	log := &callLog{}
	s := NewTriggerable(Config{Name: "t", Action: log.action(nil)}, m)

	if err := s.Trigger(context.Background(), nil); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Trigger() before Start error = %v, want ErrNotRunning", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if err := s.Trigger(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if !waitFor(t, time.Second, func() bool { return log.count() == 1 }) {
		t.Fatal("action did not run")
	}
	if got := log.versions()[0]; got != "v7" {
		t.Errorf("stamp = %s, want v7", got)
	}
}

func TestPeriodicOnlyIfChanged(t *testing.T) {
	m, b := newSource(t, "v1")
	log := &callLog{}
	s, err := NewPeriodicScheduler(Config{Name: "nightly", Action: log.action(nil), Overlap: OverlapSerialize}, m, time.Hour, true)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	fired, err := s.Tick(ctx)
	if err != nil || !fired {
		t.Fatalf("first Tick() = %v, %v; want fired", fired, err)
	}
	fired, _ = s.Tick(ctx)
	if fired {
		t.Error("Tick() fired without a source change")
	}

	push(t, m, b, "v2")
	fired, _ = s.Tick(ctx)
	if !fired {
		t.Error("Tick() did not fire after a source change")
	}

	b.SetUnavailable(errors.New("down"))
	if _, err := s.Tick(ctx); !errors.Is(err, source.ErrRepositoryUnavailable) {
		t.Errorf("Tick() error = %v, want ErrRepositoryUnavailable", err)
	}

	if !waitFor(t, time.Second, func() bool { return log.count() == 2 }) {
		t.Fatalf("runs = %v, want 2", log.versions())
	}
}

func TestPeriodicFiresOnTimer(t *testing.T) {
	log := &callLog{}
	s, err := NewPeriodicScheduler(Config{Name: "tick", Action: log.action(nil), Overlap: OverlapCoalesce}, nil, 10*time.Millisecond, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !waitFor(t, time.Second, func() bool { return log.count() >= 2 }) {
		t.Fatalf("runs = %d, want at least 2", log.count())
	}
	s.Stop()
	n := log.count()
	time.Sleep(30 * time.Millisecond)
	if log.count() != n {
		t.Error("periodic scheduler kept firing after Stop")
	}

	if _, err := NewPeriodicScheduler(Config{Name: "bad"}, nil, 0, false); err == nil {
		t.Error("NewPeriodicScheduler() with zero interval should fail")
	}
}
