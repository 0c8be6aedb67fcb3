package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ejunz/internal/auth"
	"ejunz/internal/config"
)

type fakeValidator map[string]*auth.TokenInfo

func (f fakeValidator) ValidateToken(_ context.Context, raw string) (*auth.TokenInfo, error) {
	switch raw {
	case "expired":
		return nil, auth.ErrTokenExpired
	}
	if info, ok := f[raw]; ok {
		return info, nil
	}
	return nil, auth.ErrInvalidToken
}

func testValidator() fakeValidator {
	return fakeValidator{
		"client-token": {TokenID: "t1", ClientName: "kiosk", IsActive: true, Metadata: map[string]string{
			auth.MetaDomain: "lobby", auth.MetaClientID: "kiosk-1",
		}},
		"edge-token": {TokenID: "t2", ClientName: "printer", IsActive: true, Metadata: map[string]string{
			auth.MetaKind: auth.KindEdge,
		}},
	}
}

func TestAuthMiddleware(t *testing.T) {
	var seen *AuthInfo
	handler := NewAuthMiddleware(testValidator(), AuthMiddlewareConfig{SkipPaths: []string{"/health"}}).
		Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = GetAuthInfo(r.Context())
		}))

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"valid", "/api", "Bearer client-token", http.StatusOK},
		{"skipped path", "/health", "", http.StatusOK},
		{"missing", "/api", "", http.StatusUnauthorized},
		{"malformed", "/api", "Bearer ", http.StatusUnauthorized},
		{"unknown", "/api", "Bearer nope", http.StatusForbidden},
		{"expired", "/api", "Bearer expired", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want != http.StatusOK {
				assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
				assert.NotContains(t, rec.Body.String(), "expired")
			}
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("Authorization", "Bearer client-token")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	require.NotNil(t, seen)
	assert.Equal(t, "lobby", seen.Domain)
	assert.Equal(t, "kiosk-1", seen.ClientID)
	assert.Equal(t, auth.KindClient, seen.Kind)
}

func TestAuthMiddlewareKinds(t *testing.T) {
	var failures int
	handler := NewAuthMiddleware(testValidator(), AuthMiddlewareConfig{
		Kinds:       []string{auth.KindEdge},
		OnAuthError: func(*http.Request, AuthError) { failures++ },
	}).Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	for token, want := range map[string]int{"edge-token": http.StatusOK, "client-token": http.StatusForbidden} {
		req := httptest.NewRequest(http.MethodGet, "/edge", nil)
		req.Header.Set("X-API-Key", token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, token)
	}
	assert.Equal(t, 1, failures)
}

func TestWebSocketAuthenticatorSubprotocol(t *testing.T) {
	a := NewWebSocketAuthenticator(testValidator(), nil)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Sec-WebSocket-Protocol", "ejunz-auth, client-token")
	result := a.Authenticate(req)
	require.True(t, result.Authenticated())
	assert.Equal(t, auth.WebSocketAuthProtocol, result.ResponseProtocol)
	assert.Equal(t, []string{"ejunz-auth"}, result.ResponseHeader()["Sec-WebSocket-Protocol"])

	req = httptest.NewRequest(http.MethodGet, "/ws?token=client-token", nil)
	result = a.Authenticate(req)
	require.True(t, result.Authenticated())
	assert.Nil(t, result.ResponseHeader())

	req = httptest.NewRequest(http.MethodGet, "/ws?token=nope", nil)
	result = a.Authenticate(req)
	require.False(t, result.Authenticated())
	assert.Equal(t, CloseForbidden, CloseCode(result.Error))
	assert.Equal(t, CloseUnauthorized, CloseCode(&ErrMissingToken))
}

func TestRejectConnectionSendsCloseCode(t *testing.T) {
	a := NewWebSocketAuthenticator(testValidator(), nil)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		a.RejectConnection(conn, &ErrInvalidToken)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseForbidden, closeErr.Code)
	assert.Equal(t, "Access denied", closeErr.Text)
}

func TestRateLimitMiddleware(t *testing.T) {
	cfg := config.RateLimitingConfig{
		Enabled:       true,
		Anonymous:     config.RateLimitTierConfig{WindowSeconds: 60, MaxRequests: 2},
		Authenticated: config.RateLimitTierConfig{WindowSeconds: 60, MaxRequests: 3},
	}
	var exceeded []string
	m := NewRateLimitMiddleware(cfg, func(_ *http.Request, id string, anonymous bool) {
		exceeded = append(exceeded, id)
	}, nil)
	defer m.Stop()
	handler := m.Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	do := func(authed bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api", nil)
		req.RemoteAddr = "10.1.2.3:5555"
		if authed {
			req = req.WithContext(WithAuthInfo(req.Context(), &AuthInfo{TokenID: "t1"}))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := do(false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, http.StatusOK, do(false).Code)
	rec = do(false)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, do(true).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, do(true).Code)
	assert.Equal(t, []string{"10.1.2.3", "t1"}, exceeded)
	assert.Equal(t, 1, m.Stats()["anonymous"].ActiveBuckets)
}

func TestRateLimitDisabled(t *testing.T) {
	m := NewRateLimitMiddleware(config.RateLimitingConfig{}, nil, nil)
	defer m.Stop()
	rec := httptest.NewRecorder()
	assert.True(t, m.Check(rec, httptest.NewRequest(http.MethodGet, "/", nil)))
	assert.Nil(t, m.Stats())
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", ClientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "garbage")
	assert.Equal(t, "198.51.100.7", ClientIP(req))
}
