package slave

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func testRegistryConfig(known ...string) *RegistryConfig {
	return &RegistryConfig{
		HealthCheckInterval: time.Hour,
		DegradedThreshold:   30 * time.Second,
		DownThreshold:       60 * time.Second,
		Known:               known,
	}
}

// TestPropertyStatusFromHeartbeatAge verifies the status follows the
// degraded and down thresholds.
func TestPropertyStatusFromHeartbeatAge(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	r := NewRegistry(nil, testRegistryConfig())

	properties.Property("status reflects time since heartbeat", prop.ForAll(
		func(seconds int) bool {
			since := time.Duration(seconds) * time.Second
			status := r.CalculateStatus(since)
			switch {
			case since >= 60*time.Second:
				return status == StatusDown
			case since >= 30*time.Second:
				return status == StatusDegraded
			default:
				return status == StatusHealthy
			}
		},
		gen.IntRange(0, 300),
	))

	properties.TestingRun(t)
}

func TestAcquireWaitsForAttach(t *testing.T) {
	r := NewRegistry(nil, testRegistryConfig("builder"))
	defer r.Stop()

	got := make(chan Slave, 1)
	go func() {
		s, err := r.Acquire(context.Background(), "builder")
		if err != nil {
			t.Errorf("Acquire() error = %v", err)
		}
		got <- s
	}()

	time.Sleep(20 * time.Millisecond)
	remote, err := r.Attach("builder", &fakeAgent{}, map[string]string{"os": "linux"})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case s := <-got:
		if s != Slave(remote) {
			t.Error("Acquire() returned a different slave")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Acquire() did not return after attach")
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	r := NewRegistry(nil, testRegistryConfig())
	defer r.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.Acquire(ctx, "nobody"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire() error = %v, want deadline exceeded", err)
	}
}

func TestUnknownSlaveRejected(t *testing.T) {
	r := NewRegistry(nil, testRegistryConfig("builder"))
	defer r.Stop()

	if _, err := r.Attach("intruder", &fakeAgent{}, nil); !errors.Is(err, ErrUnknownSlave) {
		t.Errorf("Attach() error = %v, want ErrUnknownSlave", err)
	}
	if _, err := r.Acquire(context.Background(), "intruder"); !errors.Is(err, ErrUnknownSlave) {
		t.Errorf("Acquire() error = %v, want ErrUnknownSlave", err)
	}
}

func TestAttachReplacesExistingConnection(t *testing.T) {
	r := NewRegistry(nil, testRegistryConfig())
	defer r.Stop()

	old, _ := r.Attach("builder", &fakeAgent{}, nil)
	newer, _ := r.Attach("builder", &fakeAgent{}, nil)

	if old.Connected() {
		t.Error("replaced connection still connected")
	}
	if got, _ := r.Get("builder"); got != newer {
		t.Error("Get() did not return the newest connection")
	}

	// A late detach of the old connection must not drop the new one.
	r.Detach(old, "stream closed")
	if got, ok := r.Get("builder"); !ok || got != newer {
		t.Error("detaching a replaced connection removed the newer one")
	}
	if r.ConnectionCount() != 1 {
		t.Errorf("ConnectionCount() = %d, want 1", r.ConnectionCount())
	}
}

func TestCheckHealthDetachesDownSlaves(t *testing.T) {
	r := NewRegistry(nil, testRegistryConfig("a", "b"))
	defer r.Stop()

	release := make(chan struct{})
	defer close(release)
	a, _ := r.Attach("a", blockingAgent(nil, release), nil)
	r.Attach("b", &fakeAgent{}, nil)
	pending := a.RunCommand(NewShellCommand("long"))

	now := time.Now()
	r.CheckHealth(now.Add(45 * time.Second))
	if r.Status("a") != StatusDegraded {
		t.Errorf("Status(a) = %s, want degraded", r.Status("a"))
	}

	r.CheckHealth(now.Add(90 * time.Second))
	if r.Status("a") != StatusDetached {
		t.Errorf("Status(a) = %s, want detached", r.Status("a"))
	}
	if err := waitPending(t, pending); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("command on down slave error = %v, want ErrConnectionLost", err)
	}

	infos := r.Slaves()
	if len(infos) != 2 || infos[0].Name != "a" || infos[0].Status != StatusDetached {
		t.Errorf("Slaves() = %+v", infos)
	}
}

func TestHeartbeatRestoresHealthy(t *testing.T) {
	r := NewRegistry(nil, testRegistryConfig())
	defer r.Stop()

	r.Attach("a", &fakeAgent{}, nil)
	r.CheckHealth(time.Now().Add(40 * time.Second))
	if r.Status("a") != StatusDegraded {
		t.Fatalf("Status = %s, want degraded", r.Status("a"))
	}
	if !r.Heartbeat("a") {
		t.Fatal("Heartbeat() = false for attached slave")
	}
	if r.Status("a") != StatusHealthy {
		t.Errorf("Status = %s, want healthy", r.Status("a"))
	}
	if r.Heartbeat("ghost") {
		t.Error("Heartbeat() = true for unknown slave")
	}
}

func TestStopDisconnectsEverything(t *testing.T) {
	r := NewRegistry(nil, testRegistryConfig())
	a, _ := r.Attach("a", &fakeAgent{}, nil)

	r.StartHealthChecker(context.Background())
	r.Stop()

	if a.Connected() {
		t.Error("slave still connected after Stop")
	}
	if _, err := r.Acquire(context.Background(), "a"); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("Acquire() after Stop error = %v, want ErrConnectionLost", err)
	}
}
