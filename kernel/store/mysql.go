package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore persists kernel state in MySQL for shared deployments where
// several supervisor daemons point at one database.
type MySQLStore struct {
	sqlStore
}

// NewMySQLStore connects using a go-sql-driver DSN
// (user:pass@tcp(host:port)/dbname) and ensures the schema exists.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql database: %w", err)
	}

	s := &MySQLStore{sqlStore{db: db, isConflict: mysqlConflict}}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// mysqlConflict matches ER_DUP_ENTRY (1062).
func mysqlConflict(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

func (s *MySQLStore) createTables() error {
	statements := []struct {
		name string
		ddl  string
	}{
		{"supervisor_sessions", `
			CREATE TABLE IF NOT EXISTS supervisor_sessions (
				instance_id VARCHAR(128) PRIMARY KEY,
				project VARCHAR(255) NOT NULL,
				instance_type VARCHAR(8) NOT NULL,
				status VARCHAR(16) NOT NULL,
				registration_time BIGINT NOT NULL,
				last_heartbeat BIGINT NOT NULL,
				context_window_percent DOUBLE NOT NULL DEFAULT 0,
				current_epic VARCHAR(255) NOT NULL DEFAULT '',
				claude_session_uuid VARCHAR(64) NOT NULL DEFAULT '',
				metadata JSON,
				INDEX idx_sessions_heartbeat (status, last_heartbeat DESC),
				CONSTRAINT chk_instance_type CHECK (instance_type IN ('PS', 'MS')),
				CONSTRAINT chk_session_status CHECK (status IN ('active', 'stale', 'closed')),
				CONSTRAINT chk_context_pct
					CHECK (context_window_percent >= 0 AND context_window_percent <= 100)
			)`},

		{"event_store", `
			CREATE TABLE IF NOT EXISTS event_store (
				event_id VARCHAR(64) PRIMARY KEY,
				instance_id VARCHAR(128) NOT NULL,
				event_type VARCHAR(64) NOT NULL,
				sequence_num BIGINT NOT NULL,
				timestamp BIGINT NOT NULL,
				event_data JSON,
				metadata JSON,
				UNIQUE KEY uq_events_instance_seq (instance_id, sequence_num),
				INDEX idx_events_instance_time (instance_id, timestamp DESC),
				CONSTRAINT chk_sequence_positive CHECK (sequence_num > 0)
			)`},

		{"command_log", `
			CREATE TABLE IF NOT EXISTS command_log (
				id BIGINT PRIMARY KEY AUTO_INCREMENT,
				instance_id VARCHAR(128) NOT NULL,
				command_type VARCHAR(16) NOT NULL,
				action VARCHAR(128) NOT NULL,
				tool_name VARCHAR(128) NOT NULL DEFAULT '',
				parameters JSON,
				result JSON,
				success BOOLEAN NOT NULL,
				error_message TEXT,
				execution_time_ms BIGINT NOT NULL DEFAULT 0,
				timestamp BIGINT NOT NULL,
				tags JSON,
				context_data JSON,
				source VARCHAR(64) NOT NULL DEFAULT '',
				INDEX idx_commands_instance_time (instance_id, timestamp DESC),
				INDEX idx_commands_action_time (action, timestamp DESC),
				CONSTRAINT chk_command_type CHECK (command_type IN ('mcp_tool', 'explicit', 'auto'))
			)`},

		{"checkpoints", `
			CREATE TABLE IF NOT EXISTS checkpoints (
				checkpoint_id VARCHAR(64) PRIMARY KEY,
				instance_id VARCHAR(128) NOT NULL,
				checkpoint_type VARCHAR(32) NOT NULL,
				sequence_num BIGINT NOT NULL,
				timestamp BIGINT NOT NULL,
				context_window_percent DOUBLE NOT NULL,
				work_state JSON,
				metadata JSON,
				UNIQUE KEY uq_checkpoints_instance_seq (instance_id, sequence_num),
				INDEX idx_checkpoints_instance_time (instance_id, timestamp DESC),
				CONSTRAINT chk_checkpoint_type
					CHECK (checkpoint_type IN ('context_window', 'epic_completion', 'manual')),
				CONSTRAINT chk_checkpoint_pct
					CHECK (context_window_percent >= 0 AND context_window_percent <= 100)
			)`},

		{"workflows", `
			CREATE TABLE IF NOT EXISTS workflows (
				id VARCHAR(64) PRIMARY KEY,
				test_id VARCHAR(128) NOT NULL,
				epic_id VARCHAR(128) NOT NULL,
				test_type VARCHAR(16) NOT NULL,
				current_stage VARCHAR(16) NOT NULL,
				status VARCHAR(16) NOT NULL,
				execution_result JSON,
				detection_result JSON,
				verification_result JSON,
				fixing_result JSON,
				learning_result JSON,
				started_at BIGINT NOT NULL,
				completed_at BIGINT,
				duration_ms BIGINT NOT NULL DEFAULT 0,
				retry_count INT NOT NULL DEFAULT 0,
				error_message TEXT,
				escalated BOOLEAN NOT NULL DEFAULT FALSE,
				version BIGINT NOT NULL DEFAULT 0,
				UNIQUE KEY uq_workflows_test (test_id),
				INDEX idx_workflows_epic (epic_id),
				CONSTRAINT chk_test_type CHECK (test_type IN ('ui', 'api', 'unit', 'integration')),
				CONSTRAINT chk_workflow_status
					CHECK (status IN ('pending', 'in_progress', 'completed', 'failed')),
				CONSTRAINT chk_retry_count CHECK (retry_count >= 0)
			)`},

		{"workflow_history", `
			CREATE TABLE IF NOT EXISTS workflow_history (
				id BIGINT PRIMARY KEY AUTO_INCREMENT,
				workflow_id VARCHAR(64) NOT NULL,
				stage VARCHAR(16) NOT NULL,
				success BOOLEAN NOT NULL,
				duration_ms BIGINT NOT NULL DEFAULT 0,
				payload JSON,
				recorded_at BIGINT NOT NULL,
				INDEX idx_history_workflow (workflow_id, id)
			)`},
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt.ddl); err != nil {
			return fmt.Errorf("create %s: %w", stmt.name, err)
		}
	}
	return nil
}
