// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/narvanalabs/buildmaster/internal/api/errors"
)

// quietPaths are polled by load balancers and logged at debug level only.
var quietPaths = []string{"/health", "/ready"}

// RequestLogger returns a middleware that logs one line per request. Server
// errors are logged at error level, client errors at warn, health probes at
// debug and everything else at info. Websocket streams are logged when they
// close, with their lifetime as duration.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				status := ww.Status()
				msg := "request completed"
				if isWebsocket(r) {
					msg = "stream closed"
				}
				logger.Log(r.Context(), requestLevel(r.URL.Path, status), msg,
					"method", r.Method,
					"path", r.URL.Path,
					"status", status,
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start).String(),
					"request_id", middleware.GetReqID(r.Context()),
					"remote_addr", r.RemoteAddr,
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func requestLevel(path string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	}
	for _, p := range quietPaths {
		if path == p {
			return slog.LevelDebug
		}
	}
	return slog.LevelInfo
}

func isWebsocket(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// Recovery returns a middleware that turns a handler panic into a 500 with a
// correlation ID that is also logged with the stack.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				requestID := middleware.GetReqID(r.Context())
				entry := apierrors.NewErrorLogEntry(requestID, apierrors.CodeInternalError, "panic recovered")
				logger.Error("panic recovered",
					"error", rec,
					"correlation_id", entry.CorrelationID,
					"stack_trace", string(debug.Stack()),
					"request_id", requestID,
					"method", r.Method,
					"path", r.URL.Path,
				)

				if isWebsocket(r) {
					// The connection may already be hijacked.
					return
				}
				apierrors.WriteError(w, apierrors.NewInternalError("An unexpected error occurred").
					WithRequestID(requestID).
					WithDetails(map[string]any{"correlation_id": entry.CorrelationID}))
			}()

			next.ServeHTTP(w, r)
		})
	}
}
