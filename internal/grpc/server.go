// Package grpc carries the slave protocol over gRPC: slaves dial the master
// and hold one bidirectional Attach stream, over which the master sends
// process executions and the slave streams back output and results.
package grpc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/narvanalabs/buildmaster/internal/auth"
	"github.com/narvanalabs/buildmaster/internal/slave"
)

// Config holds the gRPC server configuration.
type Config struct {
	Port                 int
	TLSCertFile          string
	TLSKeyFile           string
	MaxConcurrentStreams uint32
	KeepaliveTime        time.Duration
	KeepaliveTimeout     time.Duration
	MaxRecvMsgSize       int
	// HeartbeatInterval is announced to slaves in the Welcome message.
	HeartbeatInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:                 9989,
		MaxConcurrentStreams: 1000,
		KeepaliveTime:        30 * time.Second,
		KeepaliveTimeout:     10 * time.Second,
		MaxRecvMsgSize:       16 * 1024 * 1024, // 16MB
		HeartbeatInterval:    10 * time.Second,
	}
}

// AuthService defines the interface for authentication operations.
type AuthService interface {
	ValidateToken(tokenString string) (*auth.Claims, error)
}

// Server accepts slave connections and attaches them to a Registry.
type Server struct {
	config      *Config
	registry    *slave.Registry
	authService AuthService
	logger      *slog.Logger

	mu         sync.Mutex
	grpcServer *grpc.Server
	health     *health.Server

	serving  atomic.Bool
	quit     chan struct{}
	quitOnce sync.Once
}

// NewServer creates a new gRPC server instance. A nil authService accepts
// unauthenticated slaves.
func NewServer(cfg *Config, registry *slave.Registry, authSvc AuthService, logger *slog.Logger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}

	return &Server{
		config:      cfg,
		registry:    registry,
		authService: authSvc,
		logger:      logger,
		quit:        make(chan struct{}),
	}
}

// buildServerOptions constructs the gRPC server options.
func (s *Server) buildServerOptions() ([]grpc.ServerOption, error) {
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    s.config.KeepaliveTime,
			Timeout: s.config.KeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(
			s.loggingInterceptor(),
			s.authInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			s.streamLoggingInterceptor(),
			s.recoveryInterceptor(),
			s.streamAuthInterceptor(),
		),
	}

	if s.config.MaxConcurrentStreams > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(s.config.MaxConcurrentStreams))
	}
	if s.config.MaxRecvMsgSize > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(s.config.MaxRecvMsgSize))
	}

	if s.config.TLSCertFile != "" && s.config.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS credentials: %w", err)
		}
		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}

	return opts, nil
}

// setup creates the underlying grpc.Server once.
func (s *Server) setup() (*grpc.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpcServer != nil {
		return s.grpcServer, nil
	}

	opts, err := s.buildServerOptions()
	if err != nil {
		return nil, fmt.Errorf("building server options: %w", err)
	}

	s.grpcServer = grpc.NewServer(opts...)
	s.health = health.NewServer()
	RegisterSlaveServiceServer(s.grpcServer, s)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	return s.grpcServer, nil
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	srv, err := s.setup()
	if err != nil {
		return err
	}
	if s.authService == nil {
		s.logger.Warn("slave authentication disabled")
	}

	s.serving.Store(true)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	s.logger.Info("gRPC server starting", "address", lis.Addr().String())

	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serving gRPC: %w", err)
	}
	return nil
}

// Start listens on the configured port and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	return s.Serve(lis)
}

// Stop gracefully stops the gRPC server. Attached slaves see their streams
// end and are detached from the registry.
func (s *Server) Stop(ctx context.Context) error {
	s.serving.Store(false)
	s.quitOnce.Do(func() { close(s.quit) })

	s.mu.Lock()
	srv, hs := s.grpcServer, s.health
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("gRPC server stopping")
	hs.Shutdown()

	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("gRPC server stopped gracefully")
	case <-time.After(5 * time.Second):
		s.logger.Warn("gRPC server graceful stop timed out, forcing stop")
		srv.Stop()
	case <-ctx.Done():
		s.logger.Warn("context cancelled, forcing stop")
		srv.Stop()
	}
	return nil
}

// IsServing returns whether the server is currently serving requests.
func (s *Server) IsServing() bool {
	return s.serving.Load()
}

// Attach implements SlaveServiceServer.
func (s *Server) Attach(stream AttachServer) error {
	ctx := stream.Context()

	claims, authenticated := auth.ClaimsFromContext(ctx)
	if authenticated {
		if err := auth.Authorize(claims, auth.PermissionAttach); err != nil {
			return status.Error(codes.PermissionDenied, err.Error())
		}
	}

	first, err := stream.Recv()
	if err != nil {
		return err
	}
	hello := first.Hello
	if hello == nil || hello.Slave == "" {
		return status.Error(codes.InvalidArgument, "first message must be a hello naming the slave")
	}
	name := hello.Slave
	if authenticated && !auth.SecureCompare(name, claims.Subject) {
		return status.Errorf(codes.PermissionDenied, "token was not issued to slave %q", name)
	}

	agent := newStreamAgent(name, stream, s.logger.With("slave", name))
	remote, err := s.registry.Attach(name, agent, hello.Labels)
	if err != nil {
		if errors.Is(err, slave.ErrUnknownSlave) {
			return status.Error(codes.NotFound, err.Error())
		}
		return status.Errorf(codes.Internal, "attaching slave: %v", err)
	}

	if err := agent.send(&MasterMessage{Welcome: &Welcome{HeartbeatInterval: s.config.HeartbeatInterval}}); err != nil {
		agent.fail(fmt.Errorf("slave %s: %w", name, slave.ErrConnectionLost))
		s.registry.Detach(remote, "welcome failed")
		return err
	}

	msgs := make(chan *SlaveMessage)
	recvErr := make(chan error, 1)
	go func() {
		for {
			m, err := stream.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case msgs <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	var (
		reason string
		result error
	)
loop:
	for {
		select {
		case m := <-msgs:
			s.handleSlaveMessage(name, agent, m)
		case err := <-recvErr:
			if errors.Is(err, io.EOF) {
				reason = "slave closed the stream"
			} else {
				reason = fmt.Sprintf("stream error: %v", err)
			}
			break loop
		case <-remote.Disconnected():
			reason = remote.DisconnectReason()
			result = status.Error(codes.Aborted, reason)
			break loop
		case <-ctx.Done():
			reason = "stream closed"
			break loop
		case <-s.quit:
			reason = "master shutting down"
			result = status.Error(codes.Unavailable, reason)
			break loop
		}
	}

	agent.fail(fmt.Errorf("slave %s: %w", name, slave.ErrConnectionLost))
	s.registry.Detach(remote, reason)
	return result
}

func (s *Server) handleSlaveMessage(name string, agent *streamAgent, m *SlaveMessage) {
	switch {
	case m.Heartbeat != nil:
		s.registry.Heartbeat(name)
	case m.Output != nil:
		agent.deliver(m.Output)
	case m.Result != nil:
		agent.complete(m.Result)
	default:
		s.logger.Warn("unexpected message from slave", "slave", name)
	}
}

// extractToken extracts the auth token from gRPC metadata.
func extractToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "missing metadata")
	}

	tokens := md.Get("authorization")
	if len(tokens) == 0 {
		return "", status.Error(codes.Unauthenticated, "missing authorization header")
	}

	return auth.ExtractBearerToken(tokens[0]), nil
}
