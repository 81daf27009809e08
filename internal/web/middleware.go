package web

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/greengpt/internal/gate"
	"github.com/goodtune/greengpt/internal/impact"
	"github.com/goodtune/greengpt/internal/metrics"
	"github.com/rs/zerolog"
)

// TokenCookie carries the JWT for browser clients.
const TokenCookie = "greengpt_token"

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// ContextKeyUserID is the context key for user ID.
	ContextKeyUserID contextKey = "user_id"

	// ContextKeyUsername is the context key for username.
	ContextKeyUsername contextKey = "username"

	// ContextKeySession is the context key for session ID.
	ContextKeySession contextKey = "session_id"
)

// tokenFromRequest reads a bearer token from the Authorization header or the
// token cookie.
func tokenFromRequest(r *http.Request) (string, bool) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}

	cookie, err := r.Cookie(TokenCookie)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}

func withSession(ctx context.Context, session *Session) context.Context {
	ctx = context.WithValue(ctx, ContextKeyUserID, session.UserID)
	ctx = context.WithValue(ctx, ContextKeyUsername, session.Username)
	return context.WithValue(ctx, ContextKeySession, session.ID)
}

// AuthMiddleware rejects API requests without a valid token.
func AuthMiddleware(auth *AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := tokenFromRequest(r)
			if !ok {
				WriteError(w, http.StatusUnauthorized, "Authentication required")
				return
			}

			session, err := auth.Authenticate(token)
			if err != nil {
				WriteError(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(withSession(r.Context(), session)))
		})
	}
}

// GateMiddleware applies the page gate. Visitors the policy refuses are
// redirected; signed-in visitors get X-URL and X-Is-CI request headers for
// the page handlers.
func GateMiddleware(engine *gate.Engine, auth *AuthService, ci bool, logger zerolog.Logger) func(http.Handler) http.Handler {
	isCI := strconv.FormatBool(ci)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var session *Session
			if token, ok := tokenFromRequest(r); ok {
				session, _ = auth.Authenticate(token)
			}

			decision, err := engine.Evaluate(r.Context(), gate.Input{
				Path:          r.URL.Path,
				Method:        r.Method,
				Authenticated: session != nil,
			})
			if err != nil {
				metrics.GateDecisions.WithLabelValues("error").Inc()
				logger.Error().Err(err).Str("path", r.URL.Path).Msg("Gate evaluation failed")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			switch {
			case decision.Exempt:
				metrics.GateDecisions.WithLabelValues("exempt").Inc()
			case decision.Allow:
				metrics.GateDecisions.WithLabelValues("allow").Inc()
			default:
				metrics.GateDecisions.WithLabelValues("redirect").Inc()
				target := decision.Redirect
				if target == "" {
					target = "/login"
				}
				http.Redirect(w, r, target, http.StatusTemporaryRedirect)
				return
			}

			if session != nil {
				r.Header.Set("X-URL", requestURL(r))
				r.Header.Set("X-Is-CI", isCI)
				r = r.WithContext(withSession(r.Context(), session))
			}

			next.ServeHTTP(w, r)
		})
	}
}

// requestURL reconstructs the absolute URL the client asked for.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// ImpactMiddleware makes the aggregator available to handlers through the
// request context.
func ImpactMiddleware(agg *impact.Aggregator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(impact.WithAggregator(r.Context(), agg)))
		})
	}
}

// LoggingMiddleware creates middleware for logging HTTP requests.
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Int("status", wrapped.statusCode).
				Dur("duration", time.Since(start)).
				Msg("Web request")
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Flush keeps event streams working through the logger.
func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// RateLimiter implements a simple fixed-window rate limiter.
type RateLimiter struct {
	requests map[string]*bucket
	mu       sync.Mutex
	rate     int           // requests per window
	window   time.Duration // time window
	done     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	tokens    int
	lastReset time.Time
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(requestsPerWindow int, window time.Duration) *RateLimiter {
	limiter := &RateLimiter{
		requests: make(map[string]*bucket),
		rate:     requestsPerWindow,
		window:   window,
		done:     make(chan struct{}),
	}

	go limiter.cleanup()

	return limiter
}

// Allow checks if a request from the given identifier is allowed.
func (rl *RateLimiter) Allow(identifier string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	b, exists := rl.requests[identifier]
	if !exists {
		rl.requests[identifier] = &bucket{
			tokens:    rl.rate - 1,
			lastReset: now,
		}
		return true
	}

	if now.Sub(b.lastReset) > rl.window {
		b.tokens = rl.rate - 1
		b.lastReset = now
		return true
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}

	return false
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

// cleanup periodically removes old buckets.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.window * 2)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
		}

		rl.mu.Lock()
		now := time.Now()
		for id, b := range rl.requests {
			if now.Sub(b.lastReset) > rl.window*2 {
				delete(rl.requests, id)
			}
		}
		rl.mu.Unlock()
	}
}

// RateLimitMiddleware creates middleware for rate limiting.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identifier := remoteHost(r.RemoteAddr)

			if username, ok := GetUsernameFromContext(r.Context()); ok {
				identifier = "user:" + username
			}

			if !limiter.Allow(identifier) {
				WriteError(w, http.StatusTooManyRequests, "Rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// remoteHost strips the port so one client maps to one bucket.
func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// CORSMiddleware creates middleware for CORS support.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, allowedOrigin := range allowedOrigins {
				if allowedOrigin == "*" || allowedOrigin == origin {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GetUserIDFromContext extracts the user ID from the request context.
func GetUserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(ContextKeyUserID).(string)
	return userID, ok
}

// GetUsernameFromContext extracts the username from the request context.
func GetUsernameFromContext(ctx context.Context) (string, bool) {
	username, ok := ctx.Value(ContextKeyUsername).(string)
	return username, ok
}

// GetSessionFromContext extracts the session ID from the request context.
func GetSessionFromContext(ctx context.Context) (string, bool) {
	sessionID, ok := ctx.Value(ContextKeySession).(string)
	return sessionID, ok
}
