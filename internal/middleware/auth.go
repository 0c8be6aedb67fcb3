// Package middleware authenticates and rate limits gateway HTTP traffic.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"ejunz/internal/auth"
)

type contextKey string

// AuthContextKey is the context key for storing authentication info
const AuthContextKey contextKey = "auth"

// AuthInfo is the authenticated identity attached to a request
type AuthInfo struct {
	TokenID         string
	ClientName      string
	Kind            string
	Domain          string
	ClientID        string
	ExpiresAt       *time.Time
	Metadata        map[string]string
	Source          auth.TokenSource
	AuthenticatedAt time.Time
}

func newAuthInfo(info *auth.TokenInfo, source auth.TokenSource) *AuthInfo {
	return &AuthInfo{
		TokenID:         info.TokenID,
		ClientName:      info.ClientName,
		Kind:            info.Kind(),
		Domain:          info.Domain(),
		ClientID:        info.Metadata[auth.MetaClientID],
		ExpiresAt:       info.ExpiresAt,
		Metadata:        info.Metadata,
		Source:          source,
		AuthenticatedAt: time.Now(),
	}
}

// WithAuthInfo returns a context carrying info
func WithAuthInfo(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, AuthContextKey, info)
}

// GetAuthInfo returns the request's auth info, or nil if unauthenticated
func GetAuthInfo(ctx context.Context) *AuthInfo {
	if info, ok := ctx.Value(AuthContextKey).(*AuthInfo); ok {
		return info
	}
	return nil
}

// AuthError is an authentication failure reported to the caller. Messages
// stay generic so they do not reveal why a token was refused.
type AuthError struct {
	Code    int    `json:"-"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

var (
	ErrMissingToken = AuthError{
		Code:    http.StatusUnauthorized,
		Error:   "unauthorized",
		Message: "Authentication required",
	}
	ErrMalformedToken = ErrMissingToken
	ErrInvalidToken   = AuthError{
		Code:    http.StatusForbidden,
		Error:   "forbidden",
		Message: "Access denied",
	}
	ErrExpiredToken = ErrInvalidToken
)

// TokenValidator checks raw tokens. *auth.TokenStorage satisfies it.
type TokenValidator interface {
	ValidateToken(ctx context.Context, rawToken string) (*auth.TokenInfo, error)
}

// authenticate runs extraction and validation shared by the HTTP and
// WebSocket paths
func authenticate(r *http.Request, extractor *auth.TokenExtractor, validator TokenValidator, logger *zap.Logger) (*AuthInfo, *AuthError) {
	extracted := extractor.Extract(r)
	if extracted.Token == "" {
		if extracted.IsMalformed {
			logger.Debug("malformed token",
				zap.String("remote", r.RemoteAddr),
				zap.Stringer("source", extracted.Source))
			return nil, &ErrMalformedToken
		}
		return nil, &ErrMissingToken
	}

	info, err := validator.ValidateToken(r.Context(), extracted.Token)
	if err != nil {
		logger.Info("token rejected",
			zap.String("remote", r.RemoteAddr),
			zap.Stringer("source", extracted.Source),
			zap.String("token", auth.SanitizeTokenForLogging(extracted.Token)),
			zap.Error(err))
		if errors.Is(err, auth.ErrTokenExpired) {
			return nil, &ErrExpiredToken
		}
		return nil, &ErrInvalidToken
	}
	return newAuthInfo(info, extracted.Source), nil
}

// AuthMiddleware requires a valid token on HTTP requests
type AuthMiddleware struct {
	validator   TokenValidator
	extractor   *auth.TokenExtractor
	skipPaths   map[string]bool
	kinds       map[string]bool
	onAuthError func(r *http.Request, err AuthError)
	logger      *zap.Logger
}

// AuthMiddlewareConfig contains configuration for AuthMiddleware
type AuthMiddlewareConfig struct {
	// SkipPaths don't require authentication
	SkipPaths []string
	// Kinds restricts which token kinds are accepted; empty accepts all
	Kinds []string
	// OnAuthError is called when authentication fails
	OnAuthError func(r *http.Request, err AuthError)
	Logger      *zap.Logger
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(validator TokenValidator, config AuthMiddlewareConfig) *AuthMiddleware {
	m := &AuthMiddleware{
		validator:   validator,
		extractor:   auth.NewTokenExtractor(),
		skipPaths:   make(map[string]bool),
		kinds:       make(map[string]bool),
		onAuthError: config.OnAuthError,
		logger:      config.Logger,
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	for _, p := range config.SkipPaths {
		m.skipPaths[p] = true
	}
	for _, k := range config.Kinds {
		m.kinds[k] = true
	}
	return m
}

// Wrap wraps an http.Handler with authentication
func (m *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		info, authErr := authenticate(r, m.extractor, m.validator, m.logger)
		if authErr == nil && len(m.kinds) > 0 && !m.kinds[info.Kind] {
			authErr = &ErrInvalidToken
		}
		if authErr != nil {
			if m.onAuthError != nil {
				m.onAuthError(r, *authErr)
			}
			writeAuthError(w, *authErr)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithAuthInfo(r.Context(), info)))
	})
}

func writeAuthError(w http.ResponseWriter, authErr AuthError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="ejunz"`)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(authErr.Code)
	_ = json.NewEncoder(w).Encode(authErr)
}
