package shutdown

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// orderLog records the order in which components were shut down.
type orderLog struct {
	mu    sync.Mutex
	names []string
}

func (l *orderLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, name)
}

func (l *orderLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

func recording(log *orderLog, name string, delay time.Duration, err error) *FuncComponent {
	return NewFuncComponent(name, func(ctx context.Context) error {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		log.add(name)
		return err
	})
}

// Components are shut down newest first, every one of them runs even when
// earlier ones fail, and failures are reported through Err.
func TestPropertyLIFOOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("components stop in reverse registration order", prop.ForAll(
		func(failures []bool) bool {
			log := &orderLog{}
			c := NewCoordinator(WithTimeout(5 * time.Second))

			var want []string
			failed := 0
			for i, fail := range failures {
				name := string(rune('a' + i))
				var err error
				if fail {
					err = errors.New(name + " failed")
					failed++
				}
				c.Register(recording(log, name, 0, err))
				want = append([]string{name}, want...)
			}

			c.Shutdown()
			c.Wait()

			got := log.get()
			if len(got) != len(want) {
				return false
			}
			for i := range want {
				if got[i] != want[i] {
					return false
				}
			}
			if (failed > 0) != (c.Err() != nil) {
				return false
			}
			return c.ExitCode() == 0
		},
		gen.SliceOfN(6, gen.Bool()),
	))

	properties.TestingRun(t)
}

func TestSignalTriggersShutdown(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	log := &orderLog{}
	c := NewCoordinator(WithTimeout(time.Second), WithSignalChannel(sigCh))
	c.Register(recording(log, "history", 0, nil))
	c.Register(recording(log, "api", 10*time.Millisecond, nil))

	done := make(chan struct{})
	go func() {
		c.WaitForSignal(context.Background())
		close(done)
	}()

	sigCh <- os.Interrupt

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	if got := log.get(); len(got) != 2 || got[0] != "api" || got[1] != "history" {
		t.Errorf("order = %v", got)
	}
}

func TestContextTriggersShutdown(t *testing.T) {
	c := NewCoordinator(WithSignalChannel(make(chan os.Signal)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c.WaitForSignal(ctx)
	c.Wait()
	if c.ExitCode() != 0 {
		t.Errorf("exit code = %d", c.ExitCode())
	}
}

func TestTimeoutForcesExitCode(t *testing.T) {
	log := &orderLog{}
	c := NewCoordinator(WithTimeout(50 * time.Millisecond))
	c.Register(recording(log, "history", 0, nil))
	c.Register(NewFuncComponent("stuck", func(ctx context.Context) error {
		time.Sleep(time.Second)
		return nil
	}))

	start := time.Now()
	c.Shutdown()
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("shutdown took %v", elapsed)
	}
	if c.ExitCode() != 1 {
		t.Errorf("exit code = %d, want 1", c.ExitCode())
	}
	if len(log.get()) != 0 {
		t.Errorf("component after the deadline ran: %v", log.get())
	}
	if !errors.Is(c.Err(), context.DeadlineExceeded) {
		t.Errorf("err = %v", c.Err())
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	log := &orderLog{}
	c := NewCoordinator()
	c.Register(recording(log, "once", 0, nil))

	c.Shutdown()
	c.Shutdown()
	if got := log.get(); len(got) != 1 {
		t.Errorf("shutdown ran %d times", len(got))
	}
}

func TestShutdownContextHonoursParent(t *testing.T) {
	c := NewCoordinator(WithTimeout(time.Hour))
	c.Register(NewFuncComponent("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	c.ShutdownContext(ctx)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("shutdown took %v, want it bounded by the parent context", elapsed)
	}
	if err := c.Err(); !errors.Is(err, context.DeadlineExceeded) || !strings.Contains(err.Error(), "stuck") {
		t.Errorf("err = %v, want a deadline error naming the component", err)
	}
}

func TestWithTimeoutIgnoresZero(t *testing.T) {
	if c := NewCoordinator(WithTimeout(0)); c.timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", c.timeout, DefaultTimeout)
	}
}

type stopper struct{ stopped bool }

func (s *stopper) Stop() { s.stopped = true }

type closer struct{ closed bool }

func (c *closer) Close() error {
	c.closed = true
	return nil
}

func TestAdapters(t *testing.T) {
	s := &stopper{}
	cl := &closer{}
	c := NewCoordinator()
	c.Register(NewStopperComponent("scheduler", s))
	c.Register(NewCloserComponent("history", cl))
	c.Shutdown()

	if !s.stopped || !cl.closed {
		t.Errorf("stopped=%v closed=%v", s.stopped, cl.closed)
	}
}
