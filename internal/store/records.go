package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record statuses
const (
	RecordPending   = "pending"
	RecordStreaming = "streaming"
	RecordDone      = "done"
	RecordFailed    = "error"
)

// Record is one agent chat turn: the user input and the agent's reply
type Record struct {
	ID        string    `json:"id"`
	Domain    string    `json:"domain"`
	ClientID  string    `json:"client_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Input     string    `json:"input"`
	Content   string    `json:"content"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const recordColumns = `id, domain, client_id, agent_id, input, content, status, error, created_at, updated_at`

func scanRecord(row rowScanner) (*Record, error) {
	var r Record
	if err := row.Scan(&r.ID, &r.Domain, &r.ClientID, &r.AgentID, &r.Input, &r.Content, &r.Status, &r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRecord stores a new pending record, assigning an id if empty
func (s *Store) CreateRecord(ctx context.Context, r Record) (*Record, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Domain == "" {
		return nil, fmt.Errorf("record domain is required")
	}
	now := s.now()
	r.Status, r.CreatedAt, r.UpdatedAt = RecordPending, now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (id, domain, client_id, agent_id, input, content, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '', ?, '', ?, ?)
	`, r.ID, r.Domain, r.ClientID, r.AgentID, r.Input, r.Status, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create record: %w", err)
	}
	return &r, nil
}

// GetRecord loads a record
func (s *Store) GetRecord(ctx context.Context, id string) (*Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "record", id)
	}
	return r, nil
}

func (s *Store) updateRecord(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update record %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return nil
}

// AppendRecordContent appends a streamed delta and marks the record streaming
func (s *Store) AppendRecordContent(ctx context.Context, id, delta string) error {
	return s.updateRecord(ctx, id,
		`UPDATE records SET content = content || ?, status = ?, updated_at = ? WHERE id = ?`,
		delta, RecordStreaming, s.now(), id)
}

// CompleteRecord sets the final content. A non-empty errText marks it failed.
func (s *Store) CompleteRecord(ctx context.Context, id, content, errText string) error {
	status := RecordDone
	if errText != "" {
		status = RecordFailed
	}
	return s.updateRecord(ctx, id,
		`UPDATE records SET content = ?, status = ?, error = ?, updated_at = ? WHERE id = ?`,
		content, status, errText, s.now(), id)
}

// ListRecords returns a client's most recent records, newest first
func (s *Store) ListRecords(ctx context.Context, domain, clientID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM records
		WHERE domain = ? AND client_id = ? ORDER BY created_at DESC LIMIT ?`, domain, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// SaveAudio appends a synthesized audio chunk to a record
func (s *Store) SaveAudio(ctx context.Context, recordID string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO record_audio (record_id, data, created_at) VALUES (?, ?, ?)`, recordID, data, s.now())
	if err != nil {
		return fmt.Errorf("failed to save audio for record %s: %w", recordID, err)
	}
	return nil
}

// RecordAudio returns a record's audio chunks concatenated in arrival order
func (s *Store) RecordAudio(ctx context.Context, recordID string) ([]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM record_audio WHERE record_id = ? ORDER BY id`, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to load audio for record %s: %w", recordID, err)
	}
	defer rows.Close()

	var out []byte
	for rows.Next() {
		var chunk []byte
		if err := rows.Scan(&chunk); err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, rows.Err()
}

// PurgeRecordsBefore deletes records created before cutoff along with their audio
func (s *Store) PurgeRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cutoff := cutoff.UTC()
		if _, err := tx.ExecContext(ctx, `DELETE FROM record_audio WHERE record_id IN
			(SELECT id FROM records WHERE created_at < ?)`, cutoff); err != nil {
			return fmt.Errorf("failed to purge audio: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE created_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("failed to purge records: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
