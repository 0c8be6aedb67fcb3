package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"ejunz/pkg/protocol"
)

// CatalogTool is a persisted tool listing entry
type CatalogTool struct {
	ProviderID string `json:"provider_id"`
	protocol.Tool
}

// ReplaceProviderTools swaps a provider's persisted tool listing
func (s *Store) ReplaceProviderTools(ctx context.Context, providerID string, tools []protocol.Tool) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tools WHERE provider_id = ?`, providerID); err != nil {
			return fmt.Errorf("failed to clear tools for %s: %w", providerID, err)
		}
		now := s.now()
		for _, t := range tools {
			schema := string(t.InputSchema)
			if schema == "" {
				schema = "{}"
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tools (provider_id, name, description, input_schema, updated_at)
				VALUES (?, ?, ?, ?, ?)
			`, providerID, t.Name, t.Description, schema, now); err != nil {
				return fmt.Errorf("failed to store tool %s: %w", t.Name, err)
			}
		}
		return nil
	})
}

// FindTool returns the most recently registered provider of a tool name
func (s *Store) FindTool(ctx context.Context, name string) (string, bool, error) {
	var providerID string
	err := s.db.QueryRowContext(ctx,
		`SELECT provider_id FROM tools WHERE name = ? ORDER BY updated_at DESC LIMIT 1`, name).Scan(&providerID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("failed to look up tool %s: %w", name, err)
	}
	return providerID, true, nil
}

// ListTools returns every persisted tool ordered by provider and name
func (s *Store) ListTools(ctx context.Context) ([]CatalogTool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider_id, name, description, input_schema FROM tools ORDER BY provider_id, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	defer rows.Close()

	var out []CatalogTool
	for rows.Next() {
		var (
			t      CatalogTool
			schema string
		)
		if err := rows.Scan(&t.ProviderID, &t.Name, &t.Description, &schema); err != nil {
			return nil, err
		}
		t.InputSchema = json.RawMessage(schema)
		out = append(out, t)
	}
	return out, rows.Err()
}
