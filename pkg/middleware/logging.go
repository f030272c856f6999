// Package middleware provides HTTP middleware for the query coordination
// layer's raw endpoints (currently the usage dashboard).
//
// This file implements structured request logging with:
//   - Request/response logging with timing
//   - Correlation ID propagation (X-Request-ID header)
//   - Context-based request ID storage
//   - JSON structured logging
//
// Design Notes:
//   - Correlation IDs tie a dashboard request to the usage queries it runs
//   - Request IDs stored in context for downstream use
//   - Log level: Info for success, Warn for 4xx, Error for 5xx
package middleware

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// contextKey type for context keys to avoid collisions
type contextKey string

const requestIDKey contextKey = "request-id"

// RequestLogger is a middleware that logs HTTP requests with structured
// logging.
//
// Example usage:
//
//	handler := middleware.RequestLogger(http.HandlerFunc(serveDashboard))
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = NewRequestID()
		}

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		r = r.WithContext(ctx)
		w.Header().Set("X-Request-ID", requestID)

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		logRequest(requestID, r, wrapped.statusCode, wrapped.bytesWritten, time.Since(start))
	})
}

// WithRequestID adds a request ID to the context.
// Useful for manually propagating request IDs.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromCtx retrieves the request ID from the context.
// Returns empty string if not found.
func RequestIDFromCtx(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// NewRequestID creates a new UUID-based correlation ID. Also used by the
// docstore repositories when a caller did not supply one.
func NewRequestID() string {
	return uuid.New().String()
}

// logRequest writes a structured JSON log entry.
func logRequest(requestID string, r *http.Request, statusCode int, bytesWritten int, duration time.Duration) {
	logEntry := map[string]interface{}{
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"request_id":  requestID,
		"method":      r.Method,
		"path":        r.URL.Path,
		"query":       r.URL.RawQuery,
		"status":      statusCode,
		"duration_ms": duration.Milliseconds(),
		"bytes":       bytesWritten,
		"remote_addr": r.RemoteAddr,
	}

	data, err := json.Marshal(logEntry)
	if err != nil {
		log.Printf("[ERROR] Failed to marshal log entry: %v", err)
		log.Printf("[%s] %s %s - %d (%dms)", requestID, r.Method, r.URL.Path, statusCode, duration.Milliseconds())
		return
	}

	if statusCode >= 500 {
		log.Printf("[ERROR] %s", string(data))
	} else if statusCode >= 400 {
		log.Printf("[WARN] %s", string(data))
	} else {
		log.Printf("[INFO] %s", string(data))
	}
}

// responseWriter wraps http.ResponseWriter to capture status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

// WriteHeader captures the status code.
func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

// Write captures the number of bytes written.
func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// Flush implements http.Flusher interface.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
