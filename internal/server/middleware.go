package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/me/ledispatch/internal/engine"
)

type ctxKey string

const ctxKeyRequestID ctxKey = "request_id"

// maxRequestIDLen bounds caller-supplied request IDs kept in logs.
const maxRequestIDLen = 64

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return id
	}
	return ""
}

// requestIDMiddleware stores a request ID in the context and echoes it in
// X-Request-ID. A caller's X-Request-ID is kept so a worker's retries of
// one claim share an ID across logs.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" || len(reqID) > maxRequestIDLen || strings.ContainsAny(reqID, " \t\r\n") {
			reqID = requestID()
		}
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs each request once it has been routed, with the
// task, context, worker and slot IDs taken from the matched path.
// Client errors log at WARN and server errors at ERROR.
func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration", time.Since(start).String(),
				"request_id", RequestIDFromContext(r.Context()),
			}
			attrs = append(attrs, routeAttrs(r)...)

			level := slog.LevelInfo
			switch {
			case sw.status >= 500:
				level = slog.LevelError
			case sw.status >= 400:
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "request", attrs...)
		})
	}
}

// routeAttrs returns the matched route pattern and its URL parameters as
// log attributes.
func routeAttrs(r *http.Request) []any {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return nil
	}
	var attrs []any
	if p := rctx.RoutePattern(); p != "" {
		attrs = append(attrs, "route", p)
	}
	for i, key := range rctx.URLParams.Keys {
		if i >= len(rctx.URLParams.Values) {
			break
		}
		v := rctx.URLParams.Values[i]
		if v == "" || key == "*" {
			continue
		}
		attrs = append(attrs, paramAttr(key, v), v)
	}
	return attrs
}

// paramAttr names a path parameter for logs. Generic {id} parameters are
// named by their ID prefix.
func paramAttr(key, value string) string {
	switch key {
	case "slot":
		return "slot_key"
	case "tid":
		return "task_id"
	case "id":
		switch {
		case strings.HasPrefix(value, engine.TaskIDPrefix):
			return "task_id"
		case strings.HasPrefix(value, engine.ContextIDPrefix):
			return "context_id"
		case strings.HasPrefix(value, WorkerIDPrefix):
			return "worker_id"
		}
	}
	return key
}

// statusWriter captures the response status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
