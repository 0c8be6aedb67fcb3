package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TokenCleaner removes expired auth tokens. *auth.TokenStorage satisfies it.
type TokenCleaner interface {
	CleanupExpiredTokens(ctx context.Context) (int64, error)
}

// RecordPurger removes records older than a cutoff. *store.Store satisfies it.
type RecordPurger interface {
	PurgeRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// TokenCleanupTask deletes expired tokens
type TokenCleanupTask struct {
	tokens TokenCleaner
}

func NewTokenCleanupTask(tokens TokenCleaner) *TokenCleanupTask {
	return &TokenCleanupTask{tokens: tokens}
}

func (t *TokenCleanupTask) Name() string        { return "token_cleanup" }
func (t *TokenCleanupTask) Description() string { return "Delete expired authentication tokens" }

func (t *TokenCleanupTask) Execute(ctx context.Context) TaskResult {
	n, err := t.tokens.CleanupExpiredTokens(ctx)
	if err != nil {
		return failed("token cleanup failed", err)
	}
	return TaskResult{
		Success:          true,
		Message:          fmt.Sprintf("removed %d expired tokens", n),
		RecordsProcessed: n,
	}
}

// RecordRetentionTask deletes chat records, and their audio, past the retention period
type RecordRetentionTask struct {
	records   RecordPurger
	retention time.Duration
	now       func() time.Time
}

func NewRecordRetentionTask(records RecordPurger, retention time.Duration) *RecordRetentionTask {
	return &RecordRetentionTask{records: records, retention: retention, now: time.Now}
}

func (t *RecordRetentionTask) Name() string { return "record_retention" }

func (t *RecordRetentionTask) Description() string {
	return fmt.Sprintf("Delete records older than %s", t.retention)
}

func (t *RecordRetentionTask) Execute(ctx context.Context) TaskResult {
	if t.retention <= 0 {
		return TaskResult{Success: true, Message: "retention disabled"}
	}
	n, err := t.records.PurgeRecordsBefore(ctx, t.now().Add(-t.retention))
	if err != nil {
		return failed("record purge failed", err)
	}
	return TaskResult{
		Success:          true,
		Message:          fmt.Sprintf("purged %d records", n),
		RecordsProcessed: n,
	}
}

// DatabaseOptimizeTask refreshes planner statistics and checkpoints the WAL
type DatabaseOptimizeTask struct {
	db *sql.DB
}

func NewDatabaseOptimizeTask(db *sql.DB) *DatabaseOptimizeTask {
	return &DatabaseOptimizeTask{db: db}
}

func (t *DatabaseOptimizeTask) Name() string { return "database_optimize" }
func (t *DatabaseOptimizeTask) Description() string {
	return "Run ANALYZE, PRAGMA optimize and a WAL checkpoint"
}

func (t *DatabaseOptimizeTask) Execute(ctx context.Context) TaskResult {
	for _, stmt := range []string{"ANALYZE", "PRAGMA optimize", "PRAGMA wal_checkpoint(TRUNCATE)"} {
		if _, err := t.db.ExecContext(ctx, stmt); err != nil {
			return failed(stmt+" failed", err)
		}
	}
	return TaskResult{Success: true, Message: "database optimized"}
}
