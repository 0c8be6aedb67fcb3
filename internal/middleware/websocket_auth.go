package middleware

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ejunz/internal/auth"
)

// WebSocket close codes in the private 4000-4999 range
const (
	CloseUnauthorized     = 4401
	CloseForbidden        = 4403
	CloseAlreadyConnected = 4409
)

// WebSocketAuthenticator validates upgrade requests before the handshake
type WebSocketAuthenticator struct {
	validator TokenValidator
	extractor *auth.TokenExtractor
	logger    *zap.Logger
}

// WebSocketAuthResult is the outcome of authenticating an upgrade
type WebSocketAuthResult struct {
	AuthInfo *AuthInfo
	// ResponseProtocol must be echoed in the upgrade response when the
	// token came from Sec-WebSocket-Protocol
	ResponseProtocol string
	Error            *AuthError
}

// Authenticated reports whether the upgrade may proceed
func (r WebSocketAuthResult) Authenticated() bool {
	return r.Error == nil && r.AuthInfo != nil
}

// ResponseHeader returns the header to pass to Upgrade
func (r WebSocketAuthResult) ResponseHeader() http.Header {
	if r.ResponseProtocol == "" {
		return nil
	}
	return http.Header{"Sec-WebSocket-Protocol": []string{r.ResponseProtocol}}
}

// NewWebSocketAuthenticator creates a new WebSocket authenticator
func NewWebSocketAuthenticator(validator TokenValidator, logger *zap.Logger) *WebSocketAuthenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketAuthenticator{
		validator: validator,
		extractor: auth.NewWebSocketTokenExtractor(),
		logger:    logger,
	}
}

// Authenticate validates an upgrade request
func (a *WebSocketAuthenticator) Authenticate(r *http.Request) WebSocketAuthResult {
	info, authErr := authenticate(r, a.extractor, a.validator, a.logger)
	if authErr != nil {
		return WebSocketAuthResult{Error: authErr}
	}

	result := WebSocketAuthResult{AuthInfo: info}
	if info.Source == auth.TokenSourceWebSocketProtocol {
		result.ResponseProtocol = auth.WebSocketAuthProtocol
	}
	return result
}

// RejectUpgrade answers a failed authentication with a plain HTTP error
func (a *WebSocketAuthenticator) RejectUpgrade(w http.ResponseWriter, authErr *AuthError) {
	writeAuthError(w, *authErr)
}

// CloseCode maps an auth failure to its WebSocket close code
func CloseCode(authErr *AuthError) int {
	if authErr.Code == http.StatusForbidden {
		return CloseForbidden
	}
	return CloseUnauthorized
}

// CloseWith sends a close frame with code and reason, then closes conn
func CloseWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

// RejectConnection closes an upgraded connection whose authentication failed
func (a *WebSocketAuthenticator) RejectConnection(conn *websocket.Conn, authErr *AuthError) {
	CloseWith(conn, CloseCode(authErr), authErr.Message)
}
