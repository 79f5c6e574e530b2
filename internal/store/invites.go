package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const inviteColumns = "id, code, identity_hint, is_admin, max_uses, use_count, expires_at, created_by, created_at"

// CreateInvite inserts a new invite row.
func (s *Store) CreateInvite(inv Invite) (*Invite, error) {
	if inv.ID == "" {
		id, _ := uuid.NewV7()
		inv.ID = id.String()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	if inv.MaxUses == 0 {
		inv.MaxUses = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO invites (id, code, identity_hint, is_admin, max_uses, use_count, expires_at, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
	`, inv.ID, inv.Code, nullStr(inv.IdentityHint), boolToInt(inv.IsAdmin), inv.MaxUses, formatNullTime(inv.ExpiresAt), inv.CreatedBy, formatTime(inv.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("create invite: %w", err)
	}
	return &inv, nil
}

// GetInviteByCode looks up an invite by its code.
func (s *Store) GetInviteByCode(code string) (*Invite, error) {
	row := s.db.QueryRow(`SELECT `+inviteColumns+` FROM invites WHERE code = ?`, code)
	return scanInvite(row)
}

// ConsumeInvite atomically increments useCount if the invite is still
// consumable for identity, returning the updated invite. Uses an UPDATE
// guarded by the same predicates as Invite.Consumable so concurrent
// registrations cannot both succeed past maxUses.
func (s *Store) ConsumeInvite(code, identity string, now time.Time) (*Invite, error) {
	res, err := s.db.Exec(`
		UPDATE invites SET use_count = use_count + 1
		WHERE code = ?
		  AND use_count < max_uses
		  AND (expires_at IS NULL OR expires_at > ?)
		  AND (identity_hint IS NULL OR identity_hint = ?)
	`, code, formatTime(now), identity)
	if err != nil {
		return nil, fmt.Errorf("consume invite: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, fmt.Errorf("invite not consumable")
	}
	return s.GetInviteByCode(code)
}

func scanInvite(row *sql.Row) (*Invite, error) {
	var inv Invite
	var identityHint, createdBy, expiresAt sql.NullString
	var isAdmin int
	var createdAt string

	err := row.Scan(&inv.ID, &inv.Code, &identityHint, &isAdmin, &inv.MaxUses, &inv.UseCount, &expiresAt, &createdBy, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan invite: %w", err)
	}

	inv.IdentityHint = identityHint.String
	inv.IsAdmin = isAdmin != 0
	inv.CreatedBy = createdBy.String
	inv.ExpiresAt = parseNullTime(expiresAt)
	inv.CreatedAt = parseTime(createdAt)
	return &inv, nil
}
