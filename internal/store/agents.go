package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultDomain owns agents created without one
const DefaultDomain = "system"

// Agent is a configured chat persona
type Agent struct {
	ID           string    `json:"id"`
	Domain       string    `json:"domain"`
	Name         string    `json:"name"`
	Model        string    `json:"model,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Voice        string    `json:"voice,omitempty"`
	// Tools limits which tools the agent may call; empty allows all
	Tools     []string  `json:"tools,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AllowsTool reports whether the agent may call name
func (a *Agent) AllowsTool(name string) bool {
	if len(a.Tools) == 0 {
		return true
	}
	for _, t := range a.Tools {
		if t == name {
			return true
		}
	}
	return false
}

const agentColumns = `id, domain, name, model, system_prompt, voice, tools, created_at, updated_at`

func scanAgent(row rowScanner) (*Agent, error) {
	var (
		a     Agent
		tools string
	)
	if err := row.Scan(&a.ID, &a.Domain, &a.Name, &a.Model, &a.SystemPrompt, &a.Voice, &tools, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tools), &a.Tools); err != nil {
		return nil, fmt.Errorf("agent %s has malformed tools: %w", a.ID, err)
	}
	return &a, nil
}

// PutAgent creates or replaces an agent
func (s *Store) PutAgent(ctx context.Context, a Agent) error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("agent id is required")
	}
	if a.Domain == "" {
		a.Domain = DefaultDomain
	}
	if a.Name == "" {
		a.Name = a.ID
	}
	if a.Tools == nil {
		a.Tools = []string{}
	}
	tools, err := json.Marshal(a.Tools)
	if err != nil {
		return fmt.Errorf("failed to marshal agent tools: %w", err)
	}

	now := s.now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, domain, name, model, system_prompt, voice, tools, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			domain = excluded.domain,
			name = excluded.name,
			model = excluded.model,
			system_prompt = excluded.system_prompt,
			voice = excluded.voice,
			tools = excluded.tools,
			updated_at = excluded.updated_at
	`, a.ID, a.Domain, a.Name, a.Model, a.SystemPrompt, a.Voice, string(tools), now, now)
	if err != nil {
		return fmt.Errorf("failed to store agent %s: %w", a.ID, err)
	}
	return nil
}

// GetAgent loads one agent
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "agent", id)
	}
	return a, nil
}

// ListAgents returns agents ordered by id, optionally for one domain
func (s *Store) ListAgents(ctx context.Context, domain string) ([]Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if domain != "" {
		query += ` WHERE domain = ?`
		args = append(args, domain)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// DeleteAgent removes an agent
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete agent %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}
