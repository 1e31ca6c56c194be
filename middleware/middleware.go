package middleware

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	auth "databounty-backend/storage/auth"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// Error writes a standardized JSON error response.
func Error(w http.ResponseWriter, code int, message string) {
	JSON(w, code, map[string]string{"error": message})
}

// CORS middleware
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Logging middleware
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		entry := map[string]interface{}{
			"ts":       start.UTC().Format(time.RFC3339Nano),
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   wrapped.statusCode,
			"duration": duration.String(),
		}
		if err := json.NewEncoder(log.Writer()).Encode(entry); err != nil {
			log.Printf("%s %s %d %v", r.Method, r.URL.Path, wrapped.statusCode, duration)
		}
	})
}

// Recovery middleware
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("Panic recovered: %v", err)
				Error(w, http.StatusInternalServerError, "internal server error")
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// SecurityHeaders middleware
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains; preload")
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		next.ServeHTTP(w, r)
	})
}

// Timeout middleware
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			r = r.WithContext(ctx)

			tracked := &timeoutTrackingWriter{ResponseWriter: w}

			done := make(chan struct{})
			go func() {
				defer close(done)
				next.ServeHTTP(tracked, r)
			}()

			select {
			case <-done:
			case <-ctx.Done():
				// Only write the error if nothing was committed yet.
				if !tracked.committed {
					Error(w, http.StatusRequestTimeout, "request timed out")
				}
			}
		})
	}
}

type timeoutTrackingWriter struct {
	http.ResponseWriter
	committed bool
}

func (tw *timeoutTrackingWriter) WriteHeader(statusCode int) {
	tw.committed = true
	tw.ResponseWriter.WriteHeader(statusCode)
}

func (tw *timeoutTrackingWriter) Write(b []byte) (int, error) {
	if !tw.committed {
		tw.ResponseWriter.WriteHeader(http.StatusOK)
		tw.committed = true
	}
	return tw.ResponseWriter.Write(b)
}

// RateLimit middleware (simple per-client fixed window)
func RateLimit(requests int, window time.Duration) func(http.Handler) http.Handler {
	type client struct {
		requests int
		window   time.Time
	}

	var mu sync.Mutex
	clients := make(map[string]*client)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := r.RemoteAddr
			now := time.Now()

			mu.Lock()
			c, exists := clients[clientIP]
			if !exists {
				clients[clientIP] = &client{requests: 1, window: now}
				mu.Unlock()
				next.ServeHTTP(w, r)
				return
			}
			if now.Sub(c.window) > window {
				c.requests = 1
				c.window = now
				mu.Unlock()
				next.ServeHTTP(w, r)
				return
			}
			c.requests++
			over := c.requests > requests
			mu.Unlock()

			if over {
				Error(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	wrote      bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wrote {
		return
	}
	rw.wrote = true
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// APIAuth validates API keys against the validator
func APIAuth(validator auth.APIKeyValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				authz := r.Header.Get("Authorization")
				if strings.HasPrefix(authz, "Bearer ") {
					apiKey = strings.TrimPrefix(authz, "Bearer ")
				}
			}

			if apiKey == "" {
				Error(w, http.StatusUnauthorized, "API key required")
				return
			}

			if validator != nil && !validator.Validate(apiKey) {
				Error(w, http.StatusForbidden, "invalid API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
