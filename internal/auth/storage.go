package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TokenPrefix marks gateway tokens so they are recognizable in logs and config
const TokenPrefix = "ejunz_"

// Token metadata keys read by the gateway at upgrade
const (
	MetaKind     = "kind"
	MetaDomain   = "domain"
	MetaClientID = "client_id"
)

// Token kinds
const (
	KindClient = "client"
	KindEdge   = "edge"
	KindAPI    = "api"
)

var (
	// ErrInvalidToken is returned for unknown or revoked tokens
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned for tokens past their expiry
	ErrTokenExpired = errors.New("token has expired")

	// ErrTokenNotFound is returned when a token id does not exist
	ErrTokenNotFound = errors.New("token not found")
)

// TokenStorage manages hashed authentication tokens in the database
type TokenStorage struct {
	db *sql.DB
}

// TokenInfo is the public view of a token
type TokenInfo struct {
	TokenID    string            `json:"token_id"`
	ClientName string            `json:"client_name"`
	CreatedAt  time.Time         `json:"created_at"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	LastUsedAt *time.Time        `json:"last_used_at,omitempty"`
	IsActive   bool              `json:"is_active"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Kind returns the token kind, defaulting to client
func (t *TokenInfo) Kind() string {
	if k := t.Metadata[MetaKind]; k != "" {
		return k
	}
	return KindClient
}

// Domain returns the domain the token is bound to, if any
func (t *TokenInfo) Domain() string {
	return t.Metadata[MetaDomain]
}

// CreateTokenRequest contains parameters for creating a new token
type CreateTokenRequest struct {
	ClientName string            `json:"client_name"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// CreateTokenResponse carries the raw token, which is only ever returned here
type CreateTokenResponse struct {
	Token     string    `json:"token"`
	TokenInfo TokenInfo `json:"token_info"`
}

// NewTokenStorage creates a new token storage instance
func NewTokenStorage(db *sql.DB) *TokenStorage {
	return &TokenStorage{db: db}
}

// HashToken returns the stored form of a raw token
func HashToken(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}

// GenerateToken returns a new random raw token
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return TokenPrefix + hex.EncodeToString(buf), nil
}

// CreateToken generates and stores a new authentication token
func (ts *TokenStorage) CreateToken(ctx context.Context, req CreateTokenRequest) (*CreateTokenResponse, error) {
	rawToken, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	return ts.StoreToken(ctx, req, rawToken)
}

// StoreToken stores a caller-supplied raw token
func (ts *TokenStorage) StoreToken(ctx context.Context, req CreateTokenRequest, rawToken string) (*CreateTokenResponse, error) {
	name := strings.TrimSpace(req.ClientName)
	if name == "" {
		return nil, fmt.Errorf("client_name is required")
	}
	if rawToken == "" {
		return nil, fmt.Errorf("token is required")
	}

	metadata := req.Metadata
	if metadata == nil {
		metadata = make(map[string]string)
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		t := req.ExpiresAt.UTC()
		expiresAt = &t
	}

	tokenID := uuid.NewString()
	_, err = ts.db.ExecContext(ctx, `
		INSERT INTO auth_tokens
		(token_id, client_name, hashed_token, created_at, expires_at, is_active, metadata)
		VALUES (?, ?, ?, ?, ?, 1, ?)
	`, tokenID, name, HashToken(rawToken), time.Now().UTC(), expiresAt, string(metadataJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}

	info, err := ts.GetTokenInfo(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve created token: %w", err)
	}

	return &CreateTokenResponse{Token: rawToken, TokenInfo: *info}, nil
}

const tokenColumns = `token_id, client_name, created_at, expires_at, last_used_at, is_active, metadata`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*TokenInfo, error) {
	var (
		info         TokenInfo
		metadataJSON string
	)
	if err := row.Scan(
		&info.TokenID,
		&info.ClientName,
		&info.CreatedAt,
		&info.ExpiresAt,
		&info.LastUsedAt,
		&info.IsActive,
		&metadataJSON,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metadataJSON), &info.Metadata); err != nil || info.Metadata == nil {
		info.Metadata = make(map[string]string)
	}
	return &info, nil
}

// ValidateToken checks a raw token and records its use
func (ts *TokenStorage) ValidateToken(ctx context.Context, rawToken string) (*TokenInfo, error) {
	if rawToken == "" {
		return nil, ErrInvalidToken
	}

	row := ts.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM auth_tokens WHERE hashed_token = ? AND is_active = 1`,
		HashToken(rawToken))
	info, err := scanToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("failed to validate token: %w", err)
	}

	now := time.Now().UTC()
	if info.ExpiresAt != nil && now.After(*info.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	// Usage tracking is best effort
	_, _ = ts.db.ExecContext(ctx, `UPDATE auth_tokens SET last_used_at = ? WHERE token_id = ?`, now, info.TokenID)
	info.LastUsedAt = &now

	return info, nil
}

// GetTokenInfo retrieves public information about a token by ID
func (ts *TokenStorage) GetTokenInfo(ctx context.Context, tokenID string) (*TokenInfo, error) {
	row := ts.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM auth_tokens WHERE token_id = ?`, tokenID)
	info, err := scanToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrTokenNotFound, tokenID)
		}
		return nil, fmt.Errorf("failed to get token info: %w", err)
	}
	return info, nil
}

// ListTokens returns tokens, optionally for one client name, newest first
func (ts *TokenStorage) ListTokens(ctx context.Context, clientName string, includeInactive bool) ([]TokenInfo, error) {
	query := `SELECT ` + tokenColumns + ` FROM auth_tokens WHERE 1 = 1`
	var args []any
	if clientName != "" {
		query += ` AND client_name = ?`
		args = append(args, clientName)
	}
	if !includeInactive {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := ts.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tokens: %w", err)
	}
	defer rows.Close()

	var tokens []TokenInfo
	for rows.Next() {
		info, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		tokens = append(tokens, *info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return tokens, nil
}

func (ts *TokenStorage) execOne(ctx context.Context, action, tokenID, query string, args ...any) error {
	result, err := ts.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s token: %w", action, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrTokenNotFound, tokenID)
	}
	return nil
}

// RevokeToken deactivates a token
func (ts *TokenStorage) RevokeToken(ctx context.Context, tokenID string) error {
	return ts.execOne(ctx, "revoke", tokenID, `UPDATE auth_tokens SET is_active = 0 WHERE token_id = ?`, tokenID)
}

// DeleteToken permanently removes a token
func (ts *TokenStorage) DeleteToken(ctx context.Context, tokenID string) error {
	return ts.execOne(ctx, "delete", tokenID, `DELETE FROM auth_tokens WHERE token_id = ?`, tokenID)
}

// CleanupExpiredTokens removes expired tokens and returns how many were deleted
func (ts *TokenStorage) CleanupExpiredTokens(ctx context.Context) (int64, error) {
	result, err := ts.db.ExecContext(ctx,
		`DELETE FROM auth_tokens WHERE expires_at IS NOT NULL AND expires_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired tokens: %w", err)
	}
	return result.RowsAffected()
}
