package slave

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of an attached slave.
type Status int

const (
	// StatusHealthy indicates the slave is responding normally.
	StatusHealthy Status = iota
	// StatusDegraded indicates the slave has missed some heartbeats.
	StatusDegraded
	// StatusDown indicates the slave is unresponsive.
	StatusDown
	// StatusDetached indicates no connection is attached for the slave.
	StatusDetached
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusDown:
		return "down"
	case StatusDetached:
		return "detached"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// connection is an attached slave and its liveness bookkeeping.
type connection struct {
	remote        *Remote
	attachedAt    time.Time
	lastHeartbeat time.Time
	status        Status
	info          map[string]string
}

// Info is a point-in-time view of a slave.
type Info struct {
	Name          string            `json:"name"`
	Status        Status            `json:"status"`
	Connected     bool              `json:"connected"`
	AttachedAt    time.Time         `json:"attached_at,omitempty"`
	LastHeartbeat time.Time         `json:"last_heartbeat,omitempty"`
	Queued        int               `json:"queued"`
	Labels        map[string]string `json:"labels,omitempty"`
}

// RegistryConfig holds configuration for the Registry.
type RegistryConfig struct {
	HealthCheckInterval time.Duration
	DegradedThreshold   time.Duration
	DownThreshold       time.Duration
	// Known restricts Attach to these slave names when not empty.
	Known []string
}

// DefaultRegistryConfig returns default configuration values.
func DefaultRegistryConfig() *RegistryConfig {
	return &RegistryConfig{
		HealthCheckInterval: 10 * time.Second,
		DegradedThreshold:   30 * time.Second,
		DownThreshold:       60 * time.Second,
	}
}

// Registry tracks the slaves attached to the master. Transports attach a
// slave when its connection is established and detach it when the
// connection ends; a background health checker disconnects slaves whose
// heartbeats stopped.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*connection
	known       map[string]bool
	waiters     map[string]chan struct{}
	logger      *slog.Logger

	healthCheckInterval time.Duration
	degradedThreshold   time.Duration
	downThreshold       time.Duration

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewRegistry creates a Registry. A nil cfg uses DefaultRegistryConfig.
func NewRegistry(logger *slog.Logger, cfg *RegistryConfig) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = DefaultRegistryConfig()
	}

	r := &Registry{
		connections:         make(map[string]*connection),
		waiters:             make(map[string]chan struct{}),
		logger:              logger,
		healthCheckInterval: cfg.HealthCheckInterval,
		degradedThreshold:   cfg.DegradedThreshold,
		downThreshold:       cfg.DownThreshold,
		stopChan:            make(chan struct{}),
	}
	if len(cfg.Known) > 0 {
		r.known = make(map[string]bool, len(cfg.Known))
		for _, name := range cfg.Known {
			r.known[name] = true
		}
	}
	return r
}

// IsKnown reports whether name may attach.
func (r *Registry) IsKnown(name string) bool {
	return r.known == nil || r.known[name]
}

// Attach registers a connection for the named slave and returns the Slave
// that dispatches to agent. An existing connection for the same name is
// disconnected and replaced.
func (r *Registry) Attach(name string, agent Agent, labels map[string]string) (*Remote, error) {
	if !r.IsKnown(name) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSlave, name)
	}

	remote := NewRemote(name, agent, r.logger)
	now := time.Now()

	r.mu.Lock()
	existing := r.connections[name]
	r.connections[name] = &connection{
		remote:        remote,
		attachedAt:    now,
		lastHeartbeat: now,
		status:        StatusHealthy,
		info:          labels,
	}
	if ch, ok := r.waiters[name]; ok {
		close(ch)
		delete(r.waiters, name)
	}
	r.mu.Unlock()

	if existing != nil {
		r.logger.Info("replacing existing connection for slave", "slave", name)
		existing.remote.Disconnect("replaced by a new connection")
	}
	r.logger.Info("slave attached", "slave", name)
	return remote, nil
}

// Detach disconnects remote and forgets it, unless a newer connection
// already replaced it.
func (r *Registry) Detach(remote *Remote, reason string) {
	r.mu.Lock()
	conn, ok := r.connections[remote.Name()]
	if ok && conn.remote == remote {
		delete(r.connections, remote.Name())
	}
	r.mu.Unlock()

	remote.Disconnect(reason)
	if ok && conn.remote == remote {
		r.logger.Info("slave detached", "slave", remote.Name(), "reason", reason)
	}
}

// Heartbeat records liveness for the named slave.
func (r *Registry) Heartbeat(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[name]
	if !ok {
		return false
	}
	conn.lastHeartbeat = time.Now()
	if conn.status != StatusHealthy {
		r.logger.Info("slave recovered", "slave", name, "old_status", conn.status.String())
		conn.status = StatusHealthy
	}
	return true
}

// Get returns the attached slave with the given name.
func (r *Registry) Get(name string) (*Remote, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[name]
	if !ok {
		return nil, false
	}
	return conn.remote, true
}

// Acquire returns the named slave, waiting for it to attach if necessary.
func (r *Registry) Acquire(ctx context.Context, name string) (Slave, error) {
	if !r.IsKnown(name) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSlave, name)
	}

	for {
		r.mu.Lock()
		if conn, ok := r.connections[name]; ok && conn.remote.Connected() {
			r.mu.Unlock()
			return conn.remote, nil
		}
		ch, ok := r.waiters[name]
		if !ok {
			ch = make(chan struct{})
			r.waiters[name] = ch
		}
		r.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for slave %s: %w", name, ctx.Err())
		case <-r.stopChan:
			return nil, fmt.Errorf("waiting for slave %s: %w", name, ErrConnectionLost)
		}
	}
}

// StartHealthChecker starts the background health checker goroutine.
func (r *Registry) StartHealthChecker(ctx context.Context) {
	r.wg.Add(1)
	go r.healthCheckerLoop(ctx)
}

// Stop stops the health checker and disconnects every slave.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
	r.wg.Wait()

	r.mu.Lock()
	remotes := make([]*Remote, 0, len(r.connections))
	for name, conn := range r.connections {
		remotes = append(remotes, conn.remote)
		delete(r.connections, name)
	}
	r.mu.Unlock()

	for _, remote := range remotes {
		remote.Disconnect("master shutting down")
	}
}

func (r *Registry) healthCheckerLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("health checker stopped by context")
			return
		case <-r.stopChan:
			r.logger.Info("health checker stopped")
			return
		case <-ticker.C:
			r.CheckHealth(time.Now())
		}
	}
}

// CheckHealth recomputes every slave's status as of now. Slaves found down
// are detached, which fails their outstanding commands.
func (r *Registry) CheckHealth(now time.Time) {
	var down []*Remote

	r.mu.Lock()
	for name, conn := range r.connections {
		since := now.Sub(conn.lastHeartbeat)
		newStatus := r.CalculateStatus(since)
		if newStatus == conn.status {
			continue
		}
		r.logger.Info("slave status changed",
			"slave", name,
			"old_status", conn.status.String(),
			"new_status", newStatus.String(),
			"time_since_heartbeat", since,
		)
		conn.status = newStatus
		if newStatus == StatusDown {
			down = append(down, conn.remote)
		}
	}
	r.mu.Unlock()

	for _, remote := range down {
		r.Detach(remote, "heartbeat timeout")
	}
}

// CalculateStatus determines the status based on time since last heartbeat.
func (r *Registry) CalculateStatus(sinceHeartbeat time.Duration) Status {
	if sinceHeartbeat >= r.downThreshold {
		return StatusDown
	}
	if sinceHeartbeat >= r.degradedThreshold {
		return StatusDegraded
	}
	return StatusHealthy
}

// Status returns the status of the named slave.
func (r *Registry) Status(name string) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if conn, ok := r.connections[name]; ok {
		return conn.status
	}
	return StatusDetached
}

// Slaves returns a snapshot of every known or attached slave, sorted by name.
func (r *Registry) Slaves() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var infos []Info
	for name, conn := range r.connections {
		seen[name] = true
		infos = append(infos, Info{
			Name:          name,
			Status:        conn.status,
			Connected:     conn.remote.Connected(),
			AttachedAt:    conn.attachedAt,
			LastHeartbeat: conn.lastHeartbeat,
			Queued:        conn.remote.QueueLen(),
			Labels:        conn.info,
		})
	}
	for name := range r.known {
		if !seen[name] {
			infos = append(infos, Info{Name: name, Status: StatusDetached})
		}
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// ConnectionCount returns the number of attached slaves.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}
