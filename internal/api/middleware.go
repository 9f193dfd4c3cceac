package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// contextKey is an unexported type for context keys defined in this package.
// Using a custom type prevents collisions with keys defined in other packages.
type contextKey int

const (
	// contextKeyCaller is the context key under which the advisory caller
	// identity from the X-Agent-Id / X-Pid headers is stored.
	contextKeyCaller contextKey = iota
)

// Caller is the advisory identity a client attaches to its requests. Both
// fields may be empty — registration is optional for basic use.
type Caller struct {
	AgentID string
	PID     int
}

// CallerIdentity extracts X-Agent-Id and X-Pid into the request context.
// Nothing is verified; the identity only attributes events and enforces the
// per-agent caps of registered agents.
func CallerIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := Caller{AgentID: r.Header.Get("X-Agent-Id")}
		if raw := r.Header.Get("X-Pid"); raw != "" {
			if pid, err := strconv.Atoi(raw); err == nil {
				caller.PID = pid
			}
		}
		ctx := context.WithValue(r.Context(), contextKeyCaller, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// callerFromCtx retrieves the caller identity stored by CallerIdentity.
// Returns the zero Caller for requests without identity headers.
func callerFromCtx(ctx context.Context) Caller {
	caller, _ := ctx.Value(contextKeyCaller).(Caller)
	return caller
}

// RequestLogger returns a Chi-compatible middleware that logs each request
// using the provided zap logger. It logs method, path, status, and latency.
// Chi's middleware.RequestID is expected to run before this middleware so
// that the request ID is available in the context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("agent", callerFromCtx(r.Context()).AgentID),
			)
		})
	}
}
