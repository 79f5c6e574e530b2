// Package store is the thin mapping from Hive's entities to the relational
// store. It holds a single *sql.DB and a set of per-entity query methods,
// following the teacher's facts/checkpoint store convention: an inline
// migrate() run once at construction, uuid.NewV7 ids where an entity calls
// for a random id, time.RFC3339Nano string columns, and fmt.Errorf("...: %w")
// wrapping on every failure path.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// Store owns the database connection and all entity query methods.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates a Store backed by the sqlite file at path, running
// migrations. The special path ":memory:" is useful in tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // mattn/go-sqlite3 is not safe for concurrent writers

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			is_admin INTEGER NOT NULL DEFAULT 0,
			is_agent INTEGER NOT NULL DEFAULT 0,
			avatar_url TEXT,
			archived_at TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mailbox_tokens (
			id TEXT PRIMARY KEY,
			token TEXT NOT NULL UNIQUE,
			identity TEXT NOT NULL,
			label TEXT,
			created_by TEXT,
			created_at TEXT NOT NULL,
			last_used_at TEXT,
			revoked_at TEXT,
			expires_at TEXT,
			webhook_url TEXT,
			webhook_token TEXT,
			backup_agent TEXT,
			stale_trigger_hours INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mailbox_tokens_identity ON mailbox_tokens(identity)`,
		`CREATE TABLE IF NOT EXISTS invites (
			id TEXT PRIMARY KEY,
			code TEXT NOT NULL UNIQUE,
			identity_hint TEXT,
			is_admin INTEGER NOT NULL DEFAULT 0,
			max_uses INTEGER NOT NULL DEFAULT 1,
			use_count INTEGER NOT NULL DEFAULT 0,
			expires_at TEXT,
			created_by TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mailbox_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			title TEXT NOT NULL,
			body TEXT,
			status TEXT NOT NULL DEFAULT 'unread',
			urgent INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			viewed_at TEXT,
			thread_id TEXT,
			reply_to_message_id INTEGER,
			dedupe_key TEXT,
			metadata TEXT,
			response_waiting INTEGER NOT NULL DEFAULT 0,
			waiting_responder TEXT,
			waiting_since TEXT,
			UNIQUE(sender, recipient, dedupe_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mailbox_messages_recipient ON mailbox_messages(recipient, status)`,
		`CREATE TABLE IF NOT EXISTS chat_channels (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_members (
			channel_id TEXT NOT NULL,
			identity TEXT NOT NULL,
			last_read_at TEXT,
			PRIMARY KEY (channel_id, identity)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_members_identity ON chat_members(identity)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_channel ON chat_messages(channel_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			title TEXT NOT NULL,
			body TEXT,
			url TEXT,
			tagged_users TEXT,
			created_by TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_task ON workflows(task_id)`,
		`CREATE TABLE IF NOT EXISTS workflow_attachments (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			content_type TEXT,
			size_bytes INTEGER,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS swarm_projects (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			color TEXT,
			description TEXT,
			project_lead_user_id TEXT,
			developer_lead_user_id TEXT,
			work_hours_start TEXT,
			work_hours_end TEXT,
			work_hours_timezone TEXT,
			blocking_mode TEXT,
			archived_at TEXT,
			urls TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS swarm_tasks (
			id TEXT PRIMARY KEY,
			project_id TEXT,
			title TEXT NOT NULL,
			detail TEXT,
			follow_up TEXT,
			issue_url TEXT,
			creator_user_id TEXT,
			assignee_user_id TEXT,
			status TEXT NOT NULL,
			sort_key TEXT NOT NULL,
			on_or_after_at TEXT,
			must_be_done_after_task_id TEXT,
			next_task_id TEXT,
			next_task_assignee_user_id TEXT,
			recurring_template_id TEXT,
			recurring_instance_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_swarm_tasks_assignee ON swarm_tasks(assignee_user_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_swarm_tasks_project ON swarm_tasks(project_id)`,
		`CREATE TABLE IF NOT EXISTS swarm_task_events (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			actor_user_id TEXT,
			kind TEXT NOT NULL,
			before_state TEXT,
			after_state TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_swarm_task_events_task ON swarm_task_events(task_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS broadcast_webhooks (
			id TEXT PRIMARY KEY,
			app_name TEXT NOT NULL,
			token TEXT NOT NULL,
			title TEXT,
			owner TEXT,
			for_users TEXT,
			wake_agent TEXT,
			notify_agent TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			last_hit_at TEXT,
			created_at TEXT NOT NULL,
			UNIQUE(app_name, token)
		)`,
		`CREATE TABLE IF NOT EXISTS broadcast_events (
			id TEXT PRIMARY KEY,
			webhook_id TEXT NOT NULL,
			app_name TEXT NOT NULL,
			title TEXT,
			for_users TEXT,
			content_type TEXT,
			body_text TEXT,
			body_json TEXT,
			signature TEXT NOT NULL,
			received_at TEXT NOT NULL,
			delivered_to_wake TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_broadcast_events_webhook ON broadcast_events(webhook_id, received_at DESC)`,
		`CREATE TABLE IF NOT EXISTS recurring_templates (
			id TEXT PRIMARY KEY,
			project_id TEXT,
			title TEXT NOT NULL,
			detail TEXT,
			assignee_user_id TEXT,
			cron_expr TEXT NOT NULL,
			timezone TEXT NOT NULL,
			initial_status TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			last_tick_at TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS notebook_pages (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			content BLOB,
			created_by TEXT,
			tagged_users TEXT,
			tags TEXT,
			locked INTEGER NOT NULL DEFAULT 0,
			locked_by TEXT,
			expires_at TEXT,
			review_at TEXT,
			archived_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}
