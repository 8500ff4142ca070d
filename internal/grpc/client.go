package grpc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/narvanalabs/buildmaster/internal/slave"
)

// ErrNotWelcomed is returned when the master answered a Hello with anything
// but a Welcome.
var ErrNotWelcomed = errors.New("master did not welcome the slave")

// ClientConfig holds configuration for the slave side connection.
type ClientConfig struct {
	// Address is the master's gRPC target.
	Address string
	// Slave is the name the slave attaches under.
	Slave  string
	Token  string
	Labels map[string]string
	// TLSConfig for secure connections. If nil, insecure connections are used.
	TLSConfig *tls.Config
	// InitialBackoff is the initial delay between reconnection attempts.
	InitialBackoff time.Duration
	// MaxBackoff is the maximum delay between reconnection attempts.
	MaxBackoff time.Duration
	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
	// DialOptions are appended to the default dial options.
	DialOptions []grpc.DialOption
}

// DefaultClientConfig returns a ClientConfig with sensible defaults.
func DefaultClientConfig(address, name string) *ClientConfig {
	return &ClientConfig{
		Address:           address,
		Slave:             name,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Client keeps a slave attached to the master and runs the executions it
// receives through a local agent.
type Client struct {
	config *ClientConfig
	agent  slave.Agent
	logger *slog.Logger
}

// NewClient creates a Client that executes requests with agent.
func NewClient(cfg *ClientConfig, agent slave.Agent, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 2.0
	}
	return &Client{
		config: cfg,
		agent:  agent,
		logger: logger.With("slave", cfg.Slave),
	}
}

// Run attaches to the master and reattaches with exponential backoff when
// the connection drops. It returns nil when ctx is done and an error when
// the master rejected the slave.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.config.InitialBackoff

	for {
		attached, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if isPermanent(err) {
			return fmt.Errorf("master rejected slave %s: %w", c.config.Slave, err)
		}
		if attached {
			backoff = c.config.InitialBackoff
		}

		c.logger.Warn("connection to master lost, reconnecting",
			"error", err,
			"backoff", backoff,
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * c.config.BackoffMultiplier)
		if backoff > c.config.MaxBackoff {
			backoff = c.config.MaxBackoff
		}
	}
}

// isPermanent reports whether reconnecting cannot help.
func isPermanent(err error) bool {
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied, codes.NotFound, codes.InvalidArgument:
		return true
	}
	return false
}

func (c *Client) dialOptions() []grpc.DialOption {
	var opts []grpc.DialOption
	if c.config.TLSConfig != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.config.TLSConfig)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:    30 * time.Second,
		Timeout: 10 * time.Second,
	}))
	return append(opts, c.config.DialOptions...)
}

// session runs one Attach stream to completion. attached reports whether
// the master welcomed the slave.
func (c *Client) session(ctx context.Context) (attached bool, err error) {
	conn, err := grpc.NewClient(c.config.Address, c.dialOptions()...)
	if err != nil {
		return false, fmt.Errorf("creating connection to %s: %w", c.config.Address, err)
	}
	defer conn.Close()

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if c.config.Token != "" {
		sctx = metadata.AppendToOutgoingContext(sctx, "authorization", "Bearer "+c.config.Token)
	}

	stream, err := NewAttachClient(sctx, conn)
	if err != nil {
		return false, err
	}
	sess := &session{
		stream:  stream,
		agent:   c.agent,
		logger:  c.logger,
		running: make(map[string]context.CancelFunc),
	}
	defer sess.stop()

	if err := sess.send(&SlaveMessage{Hello: &Hello{Slave: c.config.Slave, Labels: c.config.Labels}}); err != nil {
		return false, sess.streamError(err)
	}
	first, err := stream.Recv()
	if err != nil {
		return false, err
	}
	if first.Welcome == nil {
		return false, ErrNotWelcomed
	}
	c.logger.Info("attached to master", "address", c.config.Address)

	interval := first.Welcome.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultConfig().HeartbeatInterval
	}
	go sess.heartbeat(sctx, interval)

	for {
		m, err := stream.Recv()
		if err != nil {
			return true, err
		}
		switch {
		case m.Exec != nil:
			sess.start(sctx, m.Exec)
		case m.Cancel != nil:
			sess.cancel(m.Cancel.ID)
		default:
			c.logger.Warn("unexpected message from master")
		}
	}
}

// session is the state of one attached stream.
type session struct {
	stream AttachClient
	agent  slave.Agent
	logger *slog.Logger

	sendMu sync.Mutex

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func (s *session) send(m *SlaveMessage) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.stream.Send(m)
}

// streamError returns the real stream status after a failed Send, which
// only reports io.EOF.
func (s *session) streamError(sendErr error) error {
	if _, err := s.stream.Recv(); err != nil {
		return err
	}
	return sendErr
}

func (s *session) heartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.mu.Lock()
			running := len(s.running)
			s.mu.Unlock()
			if err := s.send(&SlaveMessage{Heartbeat: &Heartbeat{Time: now, Running: running}}); err != nil {
				s.logger.Debug("failed to send heartbeat", "error", err)
				return
			}
		}
	}
}

// start runs req in the background and reports its output and result.
func (s *session) start(ctx context.Context, req *slave.ExecRequest) {
	ectx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if _, dup := s.running[req.ID]; dup {
		s.mu.Unlock()
		cancel()
		s.logger.Warn("duplicate exec request", "request_id", req.ID)
		return
	}
	s.running[req.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, req.ID)
			s.mu.Unlock()
			cancel()
		}()

		s.logger.Info("executing", "request_id", req.ID, "argv", req.Argv)
		output := func(stream slave.Stream, p []byte) {
			data := append([]byte(nil), p...)
			if err := s.send(&SlaveMessage{Output: &Output{ID: req.ID, Stream: stream, Data: data}}); err != nil {
				s.logger.Debug("failed to send output", "request_id", req.ID, "error", err)
			}
		}

		res := &Result{ID: req.ID}
		result, err := s.agent.Execute(ectx, req, output)
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Result = result
		}
		if err := s.send(&SlaveMessage{Result: res}); err != nil {
			s.logger.Debug("failed to send result", "request_id", req.ID, "error", err)
		}
	}()
}

func (s *session) cancel(id string) {
	s.mu.Lock()
	cancel, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		s.logger.Info("exec cancelled by master", "request_id", id)
		cancel()
	}
}

// stop cancels every running execution and waits for them.
func (s *session) stop() {
	s.mu.Lock()
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
