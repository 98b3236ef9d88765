package store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists kernel state in a single SQLite database file.
// It is the default backend for single-node deployments.
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema exists. Use ":memory:" for an ephemeral store in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// modernc.org/sqlite serializes access per connection; a single
	// connection avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{sqlStore{db: db, isConflict: sqliteConflict}}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func sqliteConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

func (s *SQLiteStore) createTables() error {
	statements := []struct {
		name string
		ddl  string
	}{
		{"supervisor_sessions", `
			CREATE TABLE IF NOT EXISTS supervisor_sessions (
				instance_id TEXT PRIMARY KEY,
				project TEXT NOT NULL,
				instance_type TEXT NOT NULL CHECK (instance_type IN ('PS', 'MS')),
				status TEXT NOT NULL CHECK (status IN ('active', 'stale', 'closed')),
				registration_time INTEGER NOT NULL,
				last_heartbeat INTEGER NOT NULL,
				context_window_percent REAL NOT NULL DEFAULT 0
					CHECK (context_window_percent >= 0 AND context_window_percent <= 100),
				current_epic TEXT NOT NULL DEFAULT '',
				claude_session_uuid TEXT NOT NULL DEFAULT '',
				metadata TEXT
			)`},
		{"idx_sessions_heartbeat", `
			CREATE INDEX IF NOT EXISTS idx_sessions_heartbeat
			ON supervisor_sessions (status, last_heartbeat DESC)`},

		{"event_store", `
			CREATE TABLE IF NOT EXISTS event_store (
				event_id TEXT PRIMARY KEY,
				instance_id TEXT NOT NULL,
				event_type TEXT NOT NULL,
				sequence_num INTEGER NOT NULL CHECK (sequence_num > 0),
				timestamp INTEGER NOT NULL,
				event_data TEXT,
				metadata TEXT,
				UNIQUE (instance_id, sequence_num)
			)`},
		{"idx_events_instance_time", `
			CREATE INDEX IF NOT EXISTS idx_events_instance_time
			ON event_store (instance_id, timestamp DESC)`},

		{"command_log", `
			CREATE TABLE IF NOT EXISTS command_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				instance_id TEXT NOT NULL,
				command_type TEXT NOT NULL CHECK (command_type IN ('mcp_tool', 'explicit', 'auto')),
				action TEXT NOT NULL,
				tool_name TEXT NOT NULL DEFAULT '',
				parameters TEXT,
				result TEXT,
				success INTEGER NOT NULL,
				error_message TEXT NOT NULL DEFAULT '',
				execution_time_ms INTEGER NOT NULL DEFAULT 0,
				timestamp INTEGER NOT NULL,
				tags TEXT,
				context_data TEXT,
				source TEXT NOT NULL DEFAULT ''
			)`},
		{"idx_commands_instance_time", `
			CREATE INDEX IF NOT EXISTS idx_commands_instance_time
			ON command_log (instance_id, timestamp DESC)`},
		{"idx_commands_action_time", `
			CREATE INDEX IF NOT EXISTS idx_commands_action_time
			ON command_log (action, timestamp DESC)`},

		{"checkpoints", `
			CREATE TABLE IF NOT EXISTS checkpoints (
				checkpoint_id TEXT PRIMARY KEY,
				instance_id TEXT NOT NULL,
				checkpoint_type TEXT NOT NULL
					CHECK (checkpoint_type IN ('context_window', 'epic_completion', 'manual')),
				sequence_num INTEGER NOT NULL,
				timestamp INTEGER NOT NULL,
				context_window_percent REAL NOT NULL
					CHECK (context_window_percent >= 0 AND context_window_percent <= 100),
				work_state TEXT,
				metadata TEXT,
				UNIQUE (instance_id, sequence_num)
			)`},
		{"idx_checkpoints_instance_time", `
			CREATE INDEX IF NOT EXISTS idx_checkpoints_instance_time
			ON checkpoints (instance_id, timestamp DESC)`},

		{"workflows", `
			CREATE TABLE IF NOT EXISTS workflows (
				id TEXT PRIMARY KEY,
				test_id TEXT NOT NULL UNIQUE,
				epic_id TEXT NOT NULL,
				test_type TEXT NOT NULL CHECK (test_type IN ('ui', 'api', 'unit', 'integration')),
				current_stage TEXT NOT NULL,
				status TEXT NOT NULL
					CHECK (status IN ('pending', 'in_progress', 'completed', 'failed')),
				execution_result TEXT,
				detection_result TEXT,
				verification_result TEXT,
				fixing_result TEXT,
				learning_result TEXT,
				started_at INTEGER NOT NULL,
				completed_at INTEGER,
				duration_ms INTEGER NOT NULL DEFAULT 0,
				retry_count INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
				error_message TEXT NOT NULL DEFAULT '',
				escalated INTEGER NOT NULL DEFAULT 0,
				version INTEGER NOT NULL DEFAULT 0
			)`},
		{"idx_workflows_epic", `
			CREATE INDEX IF NOT EXISTS idx_workflows_epic
			ON workflows (epic_id)`},

		{"workflow_history", `
			CREATE TABLE IF NOT EXISTS workflow_history (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				workflow_id TEXT NOT NULL,
				stage TEXT NOT NULL,
				success INTEGER NOT NULL,
				duration_ms INTEGER NOT NULL DEFAULT 0,
				payload TEXT,
				recorded_at INTEGER NOT NULL
			)`},
		{"idx_history_workflow", `
			CREATE INDEX IF NOT EXISTS idx_history_workflow
			ON workflow_history (workflow_id, id)`},
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt.ddl); err != nil {
			return fmt.Errorf("create %s: %w", stmt.name, err)
		}
	}
	return nil
}
