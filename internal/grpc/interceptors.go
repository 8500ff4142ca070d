package grpc

import (
	"context"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/narvanalabs/buildmaster/internal/auth"
)

// healthCheckMethods are served without a token.
var healthCheckMethods = map[string]bool{
	"/grpc.health.v1.Health/Check": true,
	"/grpc.health.v1.Health/Watch": true,
	"/grpc.health.v1.Health/List":  true,
}

// callInfo is filled in by inner interceptors and reported by the logging
// interceptor once the call ends.
type callInfo struct {
	subject string
	role    auth.Role
}

type callInfoKey struct{}

func callInfoFrom(ctx context.Context) *callInfo {
	ci, _ := ctx.Value(callInfoKey{}).(*callInfo)
	return ci
}

// authenticate validates the bearer token in ctx and returns a context
// carrying its claims.
func (s *Server) authenticate(ctx context.Context) (context.Context, error) {
	token, err := extractToken(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, status.Error(codes.Unauthenticated, "missing auth token")
	}

	claims, err := s.authService.ValidateToken(token)
	if err != nil {
		s.logger.Debug("auth token validation failed", "error", err)
		return nil, status.Error(codes.Unauthenticated, "invalid auth token")
	}
	if ci := callInfoFrom(ctx); ci != nil {
		ci.subject, ci.role = claims.Subject, claims.Role
	}
	return auth.WithClaims(ctx, claims), nil
}

func (s *Server) authInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if s.authService == nil || healthCheckMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		ctx, err := s.authenticate(ctx)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func (s *Server) streamAuthInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if s.authService == nil || healthCheckMethods[info.FullMethod] {
			return handler(srv, ss)
		}
		ctx, err := s.authenticate(ss.Context())
		if err != nil {
			return err
		}
		return handler(srv, &contextStream{ServerStream: ss, ctx: ctx})
	}
}

// recoveryInterceptor turns a handler panic into codes.Internal so that one
// misbehaving slave stream cannot take the master down.
func (s *Server) recoveryInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic in grpc handler",
					"method", info.FullMethod,
					"error", rec,
					"stack_trace", string(debug.Stack()),
				)
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(srv, ss)
	}
}

func (s *Server) loggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		ci := &callInfo{}
		resp, err := handler(context.WithValue(ctx, callInfoKey{}, ci), req)

		s.logger.Debug("grpc request",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"subject", ci.subject,
			"duration", time.Since(start),
		)
		return resp, err
	}
}

// streamLoggingInterceptor logs one line per stream. For Attach streams this
// is the lifetime of a slave session.
func (s *Server) streamLoggingInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		ci := &callInfo{}
		ctx := context.WithValue(ss.Context(), callInfoKey{}, ci)
		err := handler(srv, &contextStream{ServerStream: ss, ctx: ctx})

		addr := ""
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			addr = p.Addr.String()
		}
		level := s.logger.Info
		if code := status.Code(err); code != codes.OK && code != codes.Canceled {
			level = s.logger.Warn
		}
		level("grpc stream closed",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"subject", ci.subject,
			"role", ci.role,
			"peer", addr,
			"duration", time.Since(start),
		)
		return err
	}
}

// contextStream replaces the context of a grpc.ServerStream.
type contextStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *contextStream) Context() context.Context {
	return s.ctx
}
