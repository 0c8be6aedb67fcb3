// Package auth provides token storage and extraction for gateway connections.
package auth

import (
	"net/http"
	"strings"
)

// WebSocketAuthProtocol is the subprotocol that precedes a token in
// Sec-WebSocket-Protocol, for browsers that cannot set headers
const WebSocketAuthProtocol = "ejunz-auth"

// TokenSource indicates where a token was extracted from
type TokenSource int

const (
	TokenSourceNone TokenSource = iota
	TokenSourceBearerHeader
	TokenSourceAPIKeyHeader
	TokenSourceQueryParam
	TokenSourceWebSocketProtocol
)

func (s TokenSource) String() string {
	switch s {
	case TokenSourceBearerHeader:
		return "bearer_header"
	case TokenSourceAPIKeyHeader:
		return "api_key_header"
	case TokenSourceQueryParam:
		return "query_param"
	case TokenSourceWebSocketProtocol:
		return "websocket_protocol"
	default:
		return "none"
	}
}

// ExtractedToken is the result of looking for a token in a request
type ExtractedToken struct {
	Token  string
	Source TokenSource
	// IsMalformed is set when a token location was present but empty,
	// e.g. "Authorization: Bearer" with nothing after it
	IsMalformed bool
}

type extractFunc func(*http.Request) ExtractedToken

// TokenExtractor tries token sources in priority order
type TokenExtractor struct {
	extractors []extractFunc
}

// NewTokenExtractor checks Authorization: Bearer, X-API-Key, then ?token=
func NewTokenExtractor() *TokenExtractor {
	return &TokenExtractor{extractors: []extractFunc{
		fromBearerHeader,
		fromAPIKeyHeader,
		fromQueryParam,
	}}
}

// NewWebSocketTokenExtractor also accepts "ejunz-auth, <token>" in
// Sec-WebSocket-Protocol, ahead of the query parameter
func NewWebSocketTokenExtractor() *TokenExtractor {
	return &TokenExtractor{extractors: []extractFunc{
		fromBearerHeader,
		fromAPIKeyHeader,
		fromWebSocketProtocol,
		fromQueryParam,
	}}
}

// Extract returns the first token found. A malformed location also stops
// the search so the caller can report it.
func (e *TokenExtractor) Extract(r *http.Request) ExtractedToken {
	for _, extract := range e.extractors {
		result := extract(r)
		if result.Token != "" || result.IsMalformed {
			return result
		}
	}
	return ExtractedToken{Source: TokenSourceNone}
}

func found(token string, source TokenSource) ExtractedToken {
	token = strings.TrimSpace(token)
	if token == "" {
		return ExtractedToken{Source: source, IsMalformed: true}
	}
	return ExtractedToken{Token: token, Source: source}
}

func fromBearerHeader(r *http.Request) ExtractedToken {
	scheme, rest, _ := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	// Scheme comparison is case-insensitive (RFC 7235)
	if !strings.EqualFold(scheme, "Bearer") {
		return ExtractedToken{}
	}
	return found(rest, TokenSourceBearerHeader)
}

func fromAPIKeyHeader(r *http.Request) ExtractedToken {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		return ExtractedToken{}
	}
	return found(key, TokenSourceAPIKeyHeader)
}

func fromQueryParam(r *http.Request) ExtractedToken {
	token := r.URL.Query().Get("token")
	if token == "" {
		return ExtractedToken{}
	}
	return found(token, TokenSourceQueryParam)
}

func fromWebSocketProtocol(r *http.Request) ExtractedToken {
	header := r.Header.Get("Sec-WebSocket-Protocol")
	if header == "" {
		return ExtractedToken{}
	}

	seen := false
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "":
		case part == WebSocketAuthProtocol:
			seen = true
		case seen:
			return found(part, TokenSourceWebSocketProtocol)
		}
	}
	if seen {
		return ExtractedToken{Source: TokenSourceWebSocketProtocol, IsMalformed: true}
	}
	return ExtractedToken{}
}

// SanitizeTokenForLogging keeps a token's first 8 and last 4 characters
func SanitizeTokenForLogging(token string) string {
	if token == "" {
		return "<empty>"
	}
	if len(token) < 12 {
		return "****"
	}
	return token[:8] + "****" + token[len(token)-4:]
}
