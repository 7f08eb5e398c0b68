package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rmacdonaldsmith/livequery/internal/auth"
	"github.com/rmacdonaldsmith/livequery/pkg/datastore"
)

// ContextKey type for context keys to avoid collisions
type ContextKey string

const (
	// AccountabilityKey is the context key for the caller's accountability
	AccountabilityKey ContextKey = "accountability"
)

// Middleware provides HTTP middleware functions
type Middleware struct {
	auth           *auth.Bridge
	allowedOrigins []string
	logger         *logrus.Entry
}

// NewMiddleware creates a new middleware instance. An empty allowedOrigins
// list allows every origin.
func NewMiddleware(bridge *auth.Bridge, allowedOrigins []string, logger *logrus.Entry) *Middleware {
	return &Middleware{
		auth:           bridge,
		allowedOrigins: allowedOrigins,
		logger:         logger,
	}
}

// Authenticate resolves the bearer token, if any, into an accountability.
// Requests without a token run as the public accountability.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acc, err := m.auth.Authenticate(extractToken(r))
		if err != nil {
			writeError(w, "Invalid token: "+err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAccountability(r.Context(), acc)))
	})
}

// AdminRequired middleware requires an admin token
func (m *Middleware) AdminRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeError(w, "Authorization header required for admin access", http.StatusUnauthorized)
			return
		}

		acc, err := m.auth.Authenticate(token)
		if err != nil {
			writeError(w, "Invalid token for admin access: "+err.Error(), http.StatusUnauthorized)
			return
		}
		if !acc.Admin {
			writeError(w, "Admin privileges required", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithAccountability(r.Context(), acc)))
	})
}

// CORS middleware adds CORS headers for browser compatibility
func (m *Middleware) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowed := m.allowOrigin(origin); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// allowOrigin returns the value of Access-Control-Allow-Origin for origin, or
// "" when the origin is not allowed.
func (m *Middleware) allowOrigin(origin string) string {
	if len(m.allowedOrigins) == 0 {
		return "*"
	}
	for _, o := range m.allowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}

// CheckOrigin reports whether a websocket upgrade from r is allowed.
func (m *Middleware) CheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return m.allowOrigin(origin) != ""
}

// ContentType middleware sets the content type to JSON
func (m *Middleware) ContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Logging middleware logs HTTP requests
func (m *Middleware) Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		entry := m.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start),
			"remote":   r.RemoteAddr,
		})
		switch {
		case rec.hijacked:
			entry.Debug("connection upgraded")
		case rec.status >= http.StatusInternalServerError:
			entry.Warn("request failed")
		default:
			entry.Debug("request handled")
		}
	})
}

// Recovery middleware recovers from panics and returns 500 error
func (m *Middleware) Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				m.logger.WithFields(logrus.Fields{
					"path":  r.URL.Path,
					"panic": fmt.Sprint(err),
					"stack": string(debug.Stack()),
				}).Error("http handler panicked")
				writeError(w, "Internal server error", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// statusRecorder remembers the response status. It passes hijacking through
// so that websocket upgrades work behind the logging middleware.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	hijacked    bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.hijacked = true
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Helper functions

// extractToken extracts the JWT token from the Authorization header
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	// Support both "Bearer token" and "token" formats
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return authHeader
}

// writeError writes an error response as JSON
func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}, statusCode)
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// WithAccountability returns a copy of ctx carrying acc.
func WithAccountability(ctx context.Context, acc *datastore.Accountability) context.Context {
	return context.WithValue(ctx, AccountabilityKey, acc)
}

// GetAccountability extracts the accountability from the request context. It
// falls back to the public accountability.
func GetAccountability(r *http.Request) *datastore.Accountability {
	if acc, ok := r.Context().Value(AccountabilityKey).(*datastore.Accountability); ok && acc != nil {
		return acc
	}
	return datastore.Public()
}
