package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"ejunz/internal/config"
	"ejunz/internal/ratelimit"
)

// RateLimitMiddleware limits requests per token, or per IP when anonymous
type RateLimitMiddleware struct {
	enabled       bool
	anonymous     *ratelimit.Window
	authenticated *ratelimit.Window
	onExceeded    func(r *http.Request, identifier string, anonymous bool)
	logger        *zap.Logger
}

// NewRateLimitMiddleware builds limiters from the rate limiting config
func NewRateLimitMiddleware(cfg config.RateLimitingConfig, onExceeded func(*http.Request, string, bool), logger *zap.Logger) *RateLimitMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &RateLimitMiddleware{
		enabled:    cfg.Enabled,
		onExceeded: onExceeded,
		logger:     logger,
	}
	if !cfg.Enabled {
		return m
	}

	cleanup := time.Duration(cfg.CleanupIntervalSeconds) * time.Second
	m.anonymous = ratelimit.NewWindow(
		time.Duration(cfg.Anonymous.WindowSeconds)*time.Second, cfg.Anonymous.MaxRequests, cleanup)
	m.authenticated = ratelimit.NewWindow(
		time.Duration(cfg.Authenticated.WindowSeconds)*time.Second, cfg.Authenticated.MaxRequests, cleanup)
	return m
}

// Wrap applies the limit. Run it after AuthMiddleware so tokens are known.
func (m *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Check(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Check counts r and writes a 429 if it is over the limit. WebSocket
// handlers call it directly before authenticating the upgrade.
func (m *RateLimitMiddleware) Check(w http.ResponseWriter, r *http.Request) bool {
	if !m.enabled {
		return true
	}

	limiter, id, anonymous := m.anonymous, ClientIP(r), true
	if info := GetAuthInfo(r.Context()); info != nil {
		limiter, id, anonymous = m.authenticated, info.TokenID, false
	}

	d := limiter.Allow(id)
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if d.Allowed {
		return true
	}

	retry := int(d.RetryAfter / time.Second)
	h.Set("Retry-After", strconv.Itoa(retry))
	if m.onExceeded != nil {
		m.onExceeded(r, id, anonymous)
	}
	m.logger.Info("rate limit exceeded",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Bool("anonymous", anonymous))

	h.Set("Content-Type", "application/json")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":       "rate_limit_exceeded",
		"message":     "Rate limit exceeded. Try again later.",
		"retry_after": retry,
	})
	return false
}

// Stop releases the limiters' sweepers
func (m *RateLimitMiddleware) Stop() {
	if m.anonymous != nil {
		m.anonymous.Stop()
	}
	if m.authenticated != nil {
		m.authenticated.Stop()
	}
}

// Stats reports limiter usage for the metrics endpoint
func (m *RateLimitMiddleware) Stats() map[string]ratelimit.Stats {
	if !m.enabled {
		return nil
	}
	return map[string]ratelimit.Stats{
		"anonymous":     m.anonymous.Stats(),
		"authenticated": m.authenticated.Stats(),
	}
}

// ClientIP returns the caller's address, honoring X-Forwarded-For and X-Real-IP
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
