// Package middleware provides HTTP middleware components for the feed API server.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"
)

// requestFieldsKey is the context key for per-request log fields.
type requestFieldsKey struct{}

// errorCodeKey is the context key for an error code set outside a logged request.
type errorCodeKey struct{}

// requestFields collects values handlers report for the request log line.
// Logging installs it before calling the handler, so handlers can fill it
// through a derived context.
type requestFields struct {
	mu        sync.Mutex
	errorCode string
	sessionID string
}

func fieldsFrom(ctx context.Context) *requestFields {
	f, _ := ctx.Value(requestFieldsKey{}).(*requestFields)
	return f
}

// SetErrorCode records an error code for the request log line.
// Handlers call this when writing an error response.
func SetErrorCode(ctx context.Context, code string) context.Context {
	if f := fieldsFrom(ctx); f != nil {
		f.mu.Lock()
		f.errorCode = code
		f.mu.Unlock()
	}
	return context.WithValue(ctx, errorCodeKey{}, code)
}

// GetErrorCode returns the error code recorded for the request, or "".
func GetErrorCode(ctx context.Context) string {
	if f := fieldsFrom(ctx); f != nil {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.errorCode != "" {
			return f.errorCode
		}
	}
	if code, ok := ctx.Value(errorCodeKey{}).(string); ok {
		return code
	}
	return ""
}

// SetSessionID records the feed session a request operated on.
func SetSessionID(ctx context.Context, id string) {
	if f := fieldsFrom(ctx); f != nil {
		f.mu.Lock()
		f.sessionID = id
		f.mu.Unlock()
	}
}

// GetSessionID returns the feed session recorded for the request, or "".
func GetSessionID(ctx context.Context) string {
	if f := fieldsFrom(ctx); f != nil {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.sessionID
	}
	return ""
}

// responseWriter wraps http.ResponseWriter to capture status code and response size.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int
	wroteHeader bool
}

// WriteHeader captures the status code. Only the first call takes effect.
func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size and writes the data.
func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// NewLogger creates an slog.Logger based on the environment.
// In production (env == "production"), it returns a JSON handler.
// Otherwise, it returns a text handler for development.
func NewLogger(env string) *slog.Logger {
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}
	return slog.New(handler)
}

// Logging is a middleware that logs HTTP requests with structured fields:
// method, path, status, latency_ms, size, request_id, and session_id and
// error_code when a handler reported them.
//
// If a handler panics, the log entry is not written.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			fields := &requestFields{}
			r = r.WithContext(context.WithValue(r.Context(), requestFieldsKey{}, fields))
			rw := newResponseWriter(w)

			next.ServeHTTP(rw, r)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rw.statusCode),
				slog.Int64("latency_ms", time.Since(start).Milliseconds()),
				slog.Int("size", rw.size),
			}

			if requestID := GetRequestID(r.Context()); requestID != "" {
				attrs = append(attrs, slog.String("request_id", requestID))
			}
			if sessionID := GetSessionID(r.Context()); sessionID != "" {
				attrs = append(attrs, slog.String("session_id", sessionID))
			}
			if rw.statusCode >= 400 {
				if errorCode := GetErrorCode(r.Context()); errorCode != "" {
					attrs = append(attrs, slog.String("error_code", errorCode))
				}
			}

			level := slog.LevelInfo
			switch {
			case rw.statusCode >= 500:
				level = slog.LevelError
			case rw.statusCode >= 400:
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "request completed", attrs...)
		})
	}
}
