package store

import (
	"database/sql"
	"fmt"
	"time"
)

const userColumns = "id, display_name, is_admin, is_agent, avatar_url, archived_at, created_at"

// UpsertUser inserts a user or updates its display name/admin/agent flags.
// Used by the superuser bootstrap and the token-backfill path.
func (s *Store) UpsertUser(u User) error {
	_, err := s.db.Exec(`
		INSERT INTO users (id, display_name, is_admin, is_agent, avatar_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			is_admin = excluded.is_admin,
			is_agent = excluded.is_agent
	`, u.ID, u.DisplayName, boolToInt(u.IsAdmin), boolToInt(u.IsAgent), u.AvatarURL, formatTime(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(id string) (*User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// ListUsers returns all non-archived users.
func (s *Store) ListUsers() ([]*User, error) {
	rows, err := s.db.Query(`SELECT ` + userColumns + ` FROM users WHERE archived_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUserRow(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ArchiveUser sets archivedAt on the user.
func (s *Store) ArchiveUser(id string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE users SET archived_at = ? WHERE id = ?`, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("archive user: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row *sql.Row) (*User, error) {
	return scanUserScanner(row)
}

func scanUserRow(rows *sql.Rows) (*User, error) {
	return scanUserScanner(rows)
}

func scanUserScanner(sc scanner) (*User, error) {
	var u User
	var isAdmin, isAgent int
	var avatarURL, archivedAt sql.NullString
	var createdAt string

	err := sc.Scan(&u.ID, &u.DisplayName, &isAdmin, &isAgent, &avatarURL, &archivedAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}

	u.IsAdmin = isAdmin != 0
	u.IsAgent = isAgent != 0
	u.AvatarURL = avatarURL.String
	u.ArchivedAt = parseNullTime(archivedAt)
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return time.Now().UTC().Format(time.RFC3339Nano)
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
