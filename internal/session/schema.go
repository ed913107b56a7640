package session

import (
	"fmt"

	"github.com/devrelay/devrelay/internal/db/dialect"
)

// schemaStatements returns the DDL for the session store, parameterized on
// the SQL driver so the same store runs on SQLite and PostgreSQL.
func schemaStatements(driver string) []string {
	ts := dialect.Timestamp(driver)

	return []string{
		fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		system_prompt TEXT NOT NULL DEFAULT '',
		deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at %s,
		created_at %s NOT NULL,
		updated_at %s NOT NULL
	)`, ts, ts, ts),

		fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		tool_call_id TEXT NOT NULL DEFAULT '',
		tool_calls TEXT NOT NULL DEFAULT '',
		created_at %s NOT NULL,
		UNIQUE (session_id, seq)
	)`, ts),

		`CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq)`,

		fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS agent_contexts (
		session_id TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
		current_agent TEXT NOT NULL,
		switch_count INTEGER NOT NULL DEFAULT 0,
		task_description TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		history TEXT NOT NULL DEFAULT '[]',
		updated_at %s NOT NULL
	)`, ts),

		fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS pending_approvals (
		request_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		request_type TEXT NOT NULL,
		subject TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '{}',
		reason TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		created_at %s NOT NULL,
		expires_at %s NOT NULL
	)`, ts, ts),

		`CREATE INDEX IF NOT EXISTS idx_pending_approvals_session_status ON pending_approvals(session_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_approvals_expires ON pending_approvals(expires_at)`,

		fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		created_at %s NOT NULL,
		updated_at %s NOT NULL
	)`, ts, ts),

		fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS subtasks (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		agent TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		depends_on TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'pending',
		result TEXT NOT NULL DEFAULT '',
		updated_at %s NOT NULL
	)`, ts),

		`CREATE INDEX IF NOT EXISTS idx_subtasks_plan ON subtasks(plan_id, seq)`,
	}
}
