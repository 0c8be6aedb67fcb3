package auth

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ejunz/internal/database"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func TestCreateToken(t *testing.T) {
	storage := NewTokenStorage(setupTestDB(t))
	ctx := context.Background()

	tests := []struct {
		name      string
		req       CreateTokenRequest
		shouldErr bool
	}{
		{
			name: "client token bound to a domain",
			req: CreateTokenRequest{
				ClientName: "kiosk-1",
				Metadata:   map[string]string{MetaDomain: "lobby", MetaClientID: "kiosk-1"},
			},
		},
		{
			name: "with expiration",
			req: CreateTokenRequest{
				ClientName: "temp",
				ExpiresAt:  timePtr(time.Now().Add(time.Hour)),
			},
		},
		{
			name:      "empty client name",
			req:       CreateTokenRequest{ClientName: "  "},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := storage.CreateToken(ctx, tt.req)
			if tt.shouldErr {
				if err == nil {
					t.Fatal("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if !strings.HasPrefix(resp.Token, TokenPrefix) {
				t.Errorf("Expected token to start with %q, got %q", TokenPrefix, resp.Token)
			}
			if resp.TokenInfo.ClientName != strings.TrimSpace(tt.req.ClientName) {
				t.Errorf("Expected client name %q, got %q", tt.req.ClientName, resp.TokenInfo.ClientName)
			}
			if !resp.TokenInfo.IsActive {
				t.Error("Expected new token to be active")
			}
			for k, v := range tt.req.Metadata {
				if resp.TokenInfo.Metadata[k] != v {
					t.Errorf("Expected metadata %s=%s, got %s", k, v, resp.TokenInfo.Metadata[k])
				}
			}
		})
	}
}

func TestTokenInfoKindAndDomain(t *testing.T) {
	info := TokenInfo{Metadata: map[string]string{}}
	if info.Kind() != KindClient {
		t.Errorf("Expected default kind %q, got %q", KindClient, info.Kind())
	}
	info.Metadata[MetaKind] = KindEdge
	info.Metadata[MetaDomain] = "factory"
	if info.Kind() != KindEdge || info.Domain() != "factory" {
		t.Errorf("Unexpected kind/domain: %q/%q", info.Kind(), info.Domain())
	}
}

func TestValidateToken(t *testing.T) {
	storage := NewTokenStorage(setupTestDB(t))
	ctx := context.Background()

	active, err := storage.CreateToken(ctx, CreateTokenRequest{ClientName: "active"})
	if err != nil {
		t.Fatalf("Failed to create token: %v", err)
	}
	expired, err := storage.StoreToken(ctx, CreateTokenRequest{
		ClientName: "expired",
		ExpiresAt:  timePtr(time.Now().Add(-time.Hour)),
	}, TokenPrefix+"expired")
	if err != nil {
		t.Fatalf("Failed to store token: %v", err)
	}
	revoked, err := storage.CreateToken(ctx, CreateTokenRequest{ClientName: "revoked"})
	if err != nil {
		t.Fatalf("Failed to create token: %v", err)
	}
	if err := storage.RevokeToken(ctx, revoked.TokenInfo.TokenID); err != nil {
		t.Fatalf("Failed to revoke: %v", err)
	}

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"active", active.Token, nil},
		{"expired", expired.Token, ErrTokenExpired},
		{"revoked", revoked.Token, ErrInvalidToken},
		{"unknown", TokenPrefix + "nope", ErrInvalidToken},
		{"empty", "", ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := storage.ValidateToken(ctx, tt.token)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if info.LastUsedAt == nil {
				t.Error("Expected last_used_at to be set")
			}
		})
	}
}

func TestListTokens(t *testing.T) {
	storage := NewTokenStorage(setupTestDB(t))
	ctx := context.Background()

	var ids []string
	for _, name := range []string{"a", "a", "b"} {
		resp, err := storage.CreateToken(ctx, CreateTokenRequest{ClientName: name})
		if err != nil {
			t.Fatalf("Failed to create token: %v", err)
		}
		ids = append(ids, resp.TokenInfo.TokenID)
	}
	if err := storage.RevokeToken(ctx, ids[0]); err != nil {
		t.Fatalf("Failed to revoke: %v", err)
	}

	tests := []struct {
		name            string
		client          string
		includeInactive bool
		want            int
	}{
		{"active only", "", false, 2},
		{"all", "", true, 3},
		{"one client active", "a", false, 1},
		{"one client all", "a", true, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens, err := storage.ListTokens(ctx, tt.client, tt.includeInactive)
			if err != nil {
				t.Fatalf("ListTokens failed: %v", err)
			}
			if len(tokens) != tt.want {
				t.Errorf("Expected %d tokens, got %d", tt.want, len(tokens))
			}
		})
	}
}

func TestRevokeAndDeleteUnknownToken(t *testing.T) {
	storage := NewTokenStorage(setupTestDB(t))
	ctx := context.Background()

	if err := storage.RevokeToken(ctx, "missing"); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("Expected ErrTokenNotFound from revoke, got %v", err)
	}
	if err := storage.DeleteToken(ctx, "missing"); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("Expected ErrTokenNotFound from delete, got %v", err)
	}
	if _, err := storage.GetTokenInfo(ctx, "missing"); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("Expected ErrTokenNotFound from get, got %v", err)
	}
}

func TestDeleteToken(t *testing.T) {
	storage := NewTokenStorage(setupTestDB(t))
	ctx := context.Background()

	resp, err := storage.CreateToken(ctx, CreateTokenRequest{ClientName: "gone"})
	if err != nil {
		t.Fatalf("Failed to create token: %v", err)
	}
	if err := storage.DeleteToken(ctx, resp.TokenInfo.TokenID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := storage.ValidateToken(ctx, resp.Token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected deleted token to be invalid, got %v", err)
	}
}

func TestCleanupExpiredTokens(t *testing.T) {
	storage := NewTokenStorage(setupTestDB(t))
	ctx := context.Background()

	for i, exp := range []*time.Time{
		timePtr(time.Now().Add(-2 * time.Hour)),
		timePtr(time.Now().Add(-time.Minute)),
		timePtr(time.Now().Add(time.Hour)),
		nil,
	} {
		if _, err := storage.CreateToken(ctx, CreateTokenRequest{
			ClientName: "c" + string(rune('0'+i)),
			ExpiresAt:  exp,
		}); err != nil {
			t.Fatalf("Failed to create token: %v", err)
		}
	}

	n, err := storage.CleanupExpiredTokens(ctx)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 expired tokens removed, got %d", n)
	}

	remaining, err := storage.ListTokens(ctx, "", true)
	if err != nil {
		t.Fatalf("ListTokens failed: %v", err)
	}
	if len(remaining) != 2 {
		t.Errorf("Expected 2 tokens remaining, got %d", len(remaining))
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"1y", 365 * 24 * time.Hour, false},
		{"30d", 30 * 24 * time.Hour, false},
		{"90m", 90 * time.Minute, false},
		{"xd", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDuration(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
