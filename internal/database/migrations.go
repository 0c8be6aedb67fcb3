package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Migration represents a database migration
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// GetMigrations returns all available migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_auth_tokens_table",
			SQL: `
				CREATE TABLE IF NOT EXISTS auth_tokens (
					token_id TEXT PRIMARY KEY,
					client_name TEXT NOT NULL,
					hashed_token TEXT NOT NULL UNIQUE,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					expires_at DATETIME,
					last_used_at DATETIME,
					is_active BOOLEAN DEFAULT 1,
					metadata TEXT DEFAULT '{}'
				);

				CREATE INDEX IF NOT EXISTS idx_auth_tokens_client_name ON auth_tokens (client_name);
				CREATE INDEX IF NOT EXISTS idx_auth_tokens_expires_at ON auth_tokens (expires_at);
				CREATE INDEX IF NOT EXISTS idx_auth_tokens_active ON auth_tokens (is_active);
			`,
		},
		{
			Version: 2,
			Name:    "create_agents_and_clients_tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS agents (
					id TEXT PRIMARY KEY,
					domain TEXT NOT NULL DEFAULT 'system',
					name TEXT NOT NULL,
					model TEXT NOT NULL DEFAULT '',
					system_prompt TEXT NOT NULL DEFAULT '',
					voice TEXT NOT NULL DEFAULT '',
					tools TEXT NOT NULL DEFAULT '[]',
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_agents_domain ON agents (domain);

				CREATE TABLE IF NOT EXISTS clients (
					domain TEXT NOT NULL,
					id TEXT NOT NULL,
					name TEXT NOT NULL DEFAULT '',
					agent_id TEXT NOT NULL DEFAULT '',
					asr_enabled BOOLEAN DEFAULT 0,
					tts_enabled BOOLEAN DEFAULT 0,
					status TEXT NOT NULL DEFAULT 'offline',
					last_seen_at DATETIME,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (domain, id)
				);
			`,
		},
		{
			Version: 3,
			Name:    "create_records_tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS records (
					id TEXT PRIMARY KEY,
					domain TEXT NOT NULL,
					client_id TEXT NOT NULL DEFAULT '',
					agent_id TEXT NOT NULL DEFAULT '',
					input TEXT NOT NULL DEFAULT '',
					content TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL DEFAULT 'pending',
					error TEXT NOT NULL DEFAULT '',
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_records_client ON records (domain, client_id);
				CREATE INDEX IF NOT EXISTS idx_records_created_at ON records (created_at);

				CREATE TABLE IF NOT EXISTS record_audio (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					record_id TEXT NOT NULL,
					data BLOB NOT NULL,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					FOREIGN KEY (record_id) REFERENCES records (id) ON DELETE CASCADE
				);

				CREATE INDEX IF NOT EXISTS idx_record_audio_record ON record_audio (record_id);
			`,
		},
		{
			Version: 4,
			Name:    "create_tool_catalog_table",
			SQL: `
				CREATE TABLE IF NOT EXISTS tools (
					provider_id TEXT NOT NULL,
					name TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					input_schema TEXT NOT NULL DEFAULT '{}',
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (provider_id, name)
				);

				CREATE INDEX IF NOT EXISTS idx_tools_name ON tools (name);
			`,
		},
		{
			Version: 5,
			Name:    "create_tasks_table",
			SQL: `
				CREATE TABLE IF NOT EXISTS tasks (
					seq INTEGER PRIMARY KEY AUTOINCREMENT,
					id TEXT NOT NULL UNIQUE,
					type TEXT NOT NULL,
					priority INTEGER NOT NULL DEFAULT 0,
					payload TEXT NOT NULL DEFAULT '{}',
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_tasks_order ON tasks (priority DESC, seq ASC);
			`,
		},
	}
}

// RunMigrations executes all pending migrations
func RunMigrations(db *sql.DB) error {
	if err := ensureMigrationsTable(db); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, migration := range GetMigrations() {
		if migration.Version <= currentVersion {
			continue
		}

		if err := runMigration(db, migration); err != nil {
			return fmt.Errorf("failed to run migration %d (%s): %w", migration.Version, migration.Name, err)
		}
	}

	return nil
}

// ensureMigrationsTable creates the schema_migrations table if it doesn't exist
func ensureMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`)
	return err
}

// getCurrentVersion returns the current schema version
func getCurrentVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

// runMigration executes a single migration in a transaction
func runMigration(db *sql.DB, migration Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return err
	}

	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
		migration.Version, migration.Name,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// ConfigureDatabase applies SQLite settings and runs migrations
func ConfigureDatabase(db *sql.DB) error {
	// SQLite serializes writes; WAL still allows a few concurrent readers
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=10000",
		"PRAGMA foreign_keys=ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply pragma '%s': %w", pragma, err)
		}
	}

	if err := RunMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Open opens the database at path, creating its directory, and configures it
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := ConfigureDatabase(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
