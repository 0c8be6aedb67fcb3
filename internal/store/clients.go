package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Client statuses
const (
	ClientOnline  = "online"
	ClientOffline = "offline"
)

// Client is a registered client device and its speech preferences
type Client struct {
	Domain     string     `json:"domain"`
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	AgentID    string     `json:"agent_id,omitempty"`
	ASREnabled bool       `json:"asr_enabled"`
	TTSEnabled bool       `json:"tts_enabled"`
	Status     string     `json:"status"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

const clientColumns = `domain, id, name, agent_id, asr_enabled, tts_enabled, status, last_seen_at, created_at`

func scanClient(row rowScanner) (*Client, error) {
	var c Client
	if err := row.Scan(&c.Domain, &c.ID, &c.Name, &c.AgentID, &c.ASREnabled, &c.TTSEnabled, &c.Status, &c.LastSeenAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// PutClient creates or updates a client's configuration, keeping its status
func (s *Store) PutClient(ctx context.Context, c Client) error {
	if strings.TrimSpace(c.Domain) == "" || strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("client domain and id are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (domain, id, name, agent_id, asr_enabled, tts_enabled, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (domain, id) DO UPDATE SET
			name = excluded.name,
			agent_id = excluded.agent_id,
			asr_enabled = excluded.asr_enabled,
			tts_enabled = excluded.tts_enabled
	`, c.Domain, c.ID, c.Name, c.AgentID, c.ASREnabled, c.TTSEnabled, ClientOffline, s.now())
	if err != nil {
		return fmt.Errorf("failed to store client %s/%s: %w", c.Domain, c.ID, err)
	}
	return nil
}

// GetClient loads a client
func (s *Store) GetClient(ctx context.Context, domain, id string) (*Client, error) {
	c, err := scanClient(s.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE domain = ? AND id = ?`, domain, id))
	if err != nil {
		return nil, notFound(err, "client", domain+"/"+id)
	}
	return c, nil
}

// ListClients returns a domain's clients ordered by id
func (s *Store) ListClients(ctx context.Context, domain string) ([]Client, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE domain = ? ORDER BY id`, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	var out []Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// SetClientStatus records a connection state change. Unregistered clients
// get a row with default settings.
func (s *Store) SetClientStatus(ctx context.Context, domain, id, status string) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (domain, id, status, last_seen_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (domain, id) DO UPDATE SET
			status = excluded.status,
			last_seen_at = excluded.last_seen_at
	`, domain, id, status, now, now)
	if err != nil {
		return fmt.Errorf("failed to set client %s/%s status: %w", domain, id, err)
	}
	return nil
}
