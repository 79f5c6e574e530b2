package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const tokenColumns = "id, token, identity, label, created_by, created_at, last_used_at, revoked_at, expires_at, webhook_url, webhook_token, backup_agent, stale_trigger_hours"

// CreateToken inserts a new mailbox token row.
func (s *Store) CreateToken(t MailboxToken) (*MailboxToken, error) {
	if t.ID == "" {
		id, _ := uuid.NewV7()
		t.ID = id.String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO mailbox_tokens (id, token, identity, label, created_by, created_at, webhook_url, webhook_token, backup_agent, stale_trigger_hours)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Token, t.Identity, t.Label, t.CreatedBy, formatTime(t.CreatedAt), nullStr(t.WebhookURL), nullStr(t.WebhookToken), nullStr(t.BackupAgent), t.StaleTriggerHours)
	if err != nil {
		return nil, fmt.Errorf("create token: %w", err)
	}
	return &t, nil
}

// GetTokenByValue looks up a token row by its secret string.
func (s *Store) GetTokenByValue(token string) (*MailboxToken, error) {
	row := s.db.QueryRow(`SELECT `+tokenColumns+` FROM mailbox_tokens WHERE token = ?`, token)
	return scanToken(row)
}

// GetTokenByID looks up a token row by its id, for the revoke/rotate
// endpoints which address a token by id rather than by its secret value.
func (s *Store) GetTokenByID(id string) (*MailboxToken, error) {
	row := s.db.QueryRow(`SELECT `+tokenColumns+` FROM mailbox_tokens WHERE id = ?`, id)
	return scanToken(row)
}

// ActiveTokenForIdentity returns the most recently created non-revoked
// token row for identity, or ErrNotFound if it has none. The webhook
// dispatcher uses this to find where to deliver a notification.
func (s *Store) ActiveTokenForIdentity(identity string) (*MailboxToken, error) {
	row := s.db.QueryRow(`
		SELECT `+tokenColumns+` FROM mailbox_tokens
		WHERE identity = ? AND revoked_at IS NULL
		ORDER BY created_at DESC LIMIT 1
	`, identity)
	return scanToken(row)
}

// ListActiveWithBackupAgent returns every non-revoked token row that names
// a backup agent, for the wake aggregator's staleness sweep.
func (s *Store) ListActiveWithBackupAgent() ([]*MailboxToken, error) {
	rows, err := s.db.Query(`
		SELECT ` + tokenColumns + ` FROM mailbox_tokens
		WHERE revoked_at IS NULL AND backup_agent IS NOT NULL AND backup_agent != ''
	`)
	if err != nil {
		return nil, fmt.Errorf("list backup agent tokens: %w", err)
	}
	defer rows.Close()

	var out []*MailboxToken
	for rows.Next() {
		t, err := scanTokenRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RevokeToken sets revokedAt on a token row.
func (s *Store) RevokeToken(id string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE mailbox_tokens SET revoked_at = ? WHERE id = ?`, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// TouchTokenUsage updates lastUsedAt; errors are non-fatal to callers
// since this is best-effort bookkeeping.
func (s *Store) TouchTokenUsage(id string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE mailbox_tokens SET last_used_at = ? WHERE id = ?`, formatTime(now), id)
	return err
}

func scanToken(row *sql.Row) (*MailboxToken, error)     { return scanTokenScanner(row) }
func scanTokenRow(rows *sql.Rows) (*MailboxToken, error) { return scanTokenScanner(rows) }

func scanTokenScanner(sc scanner) (*MailboxToken, error) {
	var t MailboxToken
	var label, createdBy, lastUsedAt, revokedAt, expiresAt, webhookURL, webhookToken, backupAgent sql.NullString
	var staleTriggerHours sql.NullInt64
	var createdAt string

	err := sc.Scan(&t.ID, &t.Token, &t.Identity, &label, &createdBy, &createdAt, &lastUsedAt, &revokedAt, &expiresAt, &webhookURL, &webhookToken, &backupAgent, &staleTriggerHours)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan token: %w", err)
	}

	t.Label = label.String
	t.CreatedBy = createdBy.String
	t.CreatedAt = parseTime(createdAt)
	t.LastUsedAt = parseNullTime(lastUsedAt)
	t.RevokedAt = parseNullTime(revokedAt)
	t.ExpiresAt = parseNullTime(expiresAt)
	t.WebhookURL = webhookURL.String
	t.WebhookToken = webhookToken.String
	t.BackupAgent = backupAgent.String
	t.StaleTriggerHours = int(staleTriggerHours.Int64)
	return &t, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
