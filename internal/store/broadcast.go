package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const webhookColumns = "id, app_name, token, title, owner, for_users, wake_agent, notify_agent, enabled, last_hit_at, created_at"

// CreateBroadcastWebhook inserts a new ingest capability.
func (s *Store) CreateBroadcastWebhook(w BroadcastWebhook) (*BroadcastWebhook, error) {
	if w.ID == "" {
		id, _ := uuid.NewV7()
		w.ID = id.String()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO broadcast_webhooks (id, app_name, token, title, owner, for_users, wake_agent, notify_agent, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.AppName, w.Token, nullStr(w.Title), nullStr(w.Owner), nullStr(strings.Join(w.ForUsers, ",")),
		nullStr(w.WakeAgent), nullStr(w.NotifyAgent), boolToInt(w.Enabled), formatTime(w.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}
	return &w, nil
}

// GetBroadcastWebhookByCapability resolves the (appName, token) pair.
func (s *Store) GetBroadcastWebhookByCapability(appName, token string) (*BroadcastWebhook, error) {
	row := s.db.QueryRow(`SELECT `+webhookColumns+` FROM broadcast_webhooks WHERE app_name = ? AND token = ?`, appName, token)
	return scanWebhook(row)
}

// GetBroadcastWebhook retrieves a webhook by id.
func (s *Store) GetBroadcastWebhook(id string) (*BroadcastWebhook, error) {
	row := s.db.QueryRow(`SELECT `+webhookColumns+` FROM broadcast_webhooks WHERE id = ?`, id)
	return scanWebhook(row)
}

// ListBroadcastWebhooks returns every configured webhook.
func (s *Store) ListBroadcastWebhooks() ([]*BroadcastWebhook, error) {
	rows, err := s.db.Query(`SELECT ` + webhookColumns + ` FROM broadcast_webhooks ORDER BY app_name`)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var out []*BroadcastWebhook
	for rows.Next() {
		w, err := scanWebhookRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpdateBroadcastWebhook replaces mutable webhook fields.
func (s *Store) UpdateBroadcastWebhook(w BroadcastWebhook) error {
	_, err := s.db.Exec(`
		UPDATE broadcast_webhooks SET title=?, owner=?, for_users=?, wake_agent=?, notify_agent=?, enabled=?
		WHERE id = ?
	`, nullStr(w.Title), nullStr(w.Owner), nullStr(strings.Join(w.ForUsers, ",")), nullStr(w.WakeAgent), nullStr(w.NotifyAgent), boolToInt(w.Enabled), w.ID)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	return nil
}

// DeleteBroadcastWebhook removes a webhook row.
func (s *Store) DeleteBroadcastWebhook(id string) error {
	_, err := s.db.Exec(`DELETE FROM broadcast_webhooks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return nil
}

// TouchWebhookHit updates lastHitAt on every ingest, regardless of dedupe
// outcome.
func (s *Store) TouchWebhookHit(id string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE broadcast_webhooks SET last_hit_at = ? WHERE id = ?`, formatTime(now), id)
	return err
}

func scanWebhook(row *sql.Row) (*BroadcastWebhook, error)     { return scanWebhookScanner(row) }
func scanWebhookRow(rows *sql.Rows) (*BroadcastWebhook, error) { return scanWebhookScanner(rows) }

func scanWebhookScanner(sc scanner) (*BroadcastWebhook, error) {
	var w BroadcastWebhook
	var title, owner, forUsers, wakeAgent, notifyAgent, lastHitAt sql.NullString
	var enabled int
	var createdAt string

	err := sc.Scan(&w.ID, &w.AppName, &w.Token, &title, &owner, &forUsers, &wakeAgent, &notifyAgent, &enabled, &lastHitAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan webhook: %w", err)
	}

	w.Title = title.String
	w.Owner = owner.String
	if forUsers.Valid && forUsers.String != "" {
		w.ForUsers = strings.Split(forUsers.String, ",")
	}
	w.WakeAgent = wakeAgent.String
	w.NotifyAgent = notifyAgent.String
	w.Enabled = enabled != 0
	w.LastHitAt = parseNullTime(lastHitAt)
	w.CreatedAt = parseTime(createdAt)
	return &w, nil
}

const eventColumns = "id, webhook_id, app_name, title, for_users, content_type, body_text, body_json, signature, received_at, delivered_to_wake"

// InsertBroadcastEvent inserts a new ingested event row.
func (s *Store) InsertBroadcastEvent(e BroadcastEvent) (*BroadcastEvent, error) {
	if e.ID == "" {
		id, _ := uuid.NewV7()
		e.ID = id.String()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO broadcast_events (id, webhook_id, app_name, title, for_users, content_type, body_text, body_json, signature, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.WebhookID, e.AppName, nullStr(e.Title), nullStr(strings.Join(e.ForUsers, ",")), nullStr(e.ContentType),
		nullStr(e.BodyText), nullStr(e.BodyJSON), e.Signature, formatTime(e.ReceivedAt))
	if err != nil {
		return nil, fmt.Errorf("insert broadcast event: %w", err)
	}
	return &e, nil
}

// RecentEventsForWebhook returns the most recent n events for a webhook,
// newest first, for cooldown-signature comparison.
func (s *Store) RecentEventsForWebhook(webhookID string, n int) ([]*BroadcastEvent, error) {
	rows, err := s.db.Query(`
		SELECT `+eventColumns+` FROM broadcast_events WHERE webhook_id = ? ORDER BY received_at DESC LIMIT ?
	`, webhookID, n)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()
	return scanBroadcastEvents(rows)
}

// ListBroadcastEventsByApp returns events for an appName, newest first.
func (s *Store) ListBroadcastEventsByApp(appName string, limit int) ([]*BroadcastEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT be.`+strings.ReplaceAll(eventColumns, ", ", ", be.")+`
		FROM broadcast_events be
		JOIN broadcast_webhooks w ON w.id = be.webhook_id
		WHERE w.app_name = ? ORDER BY be.received_at DESC LIMIT ?
	`, appName, limit)
	if err != nil {
		return nil, fmt.Errorf("list events by app: %w", err)
	}
	defer rows.Close()
	return scanBroadcastEvents(rows)
}

// WakeSourceEvents returns undelivered events relevant to identity as
// either a wake-role or notify-role recipient, across all webhooks.
func (s *Store) WakeSourceEvents(role string, identity string) ([]*BroadcastEvent, error) {
	col := "wake_agent"
	if role == "notify" {
		col = "notify_agent"
	}
	rows, err := s.db.Query(`
		SELECT be.`+strings.ReplaceAll(eventColumns, ", ", ", be.")+` FROM broadcast_events be
		JOIN broadcast_webhooks w ON w.id = be.webhook_id
		WHERE w.`+col+` = ?
		ORDER BY be.received_at ASC
	`, identity)
	if err != nil {
		return nil, fmt.Errorf("wake source events: %w", err)
	}
	defer rows.Close()
	events, err := scanBroadcastEvents(rows)
	if err != nil {
		return nil, err
	}

	var undelivered []*BroadcastEvent
	for _, e := range events {
		if !e.DeliveredTo(identity) {
			undelivered = append(undelivered, e)
		}
	}
	return undelivered, nil
}

// MarkDeliveredToWake atomically adds identity to an event's delivery set.
func (s *Store) MarkDeliveredToWake(eventID, identity string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT delivered_to_wake FROM broadcast_events WHERE id = ?`, eventID)
	var raw sql.NullString
	if err := row.Scan(&raw); err != nil {
		return fmt.Errorf("read delivered set: %w", err)
	}
	set := map[string]bool{}
	if raw.Valid && raw.String != "" {
		for _, id := range strings.Split(raw.String, ",") {
			set[id] = true
		}
	}
	set[identity] = true

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	if _, err := tx.Exec(`UPDATE broadcast_events SET delivered_to_wake = ? WHERE id = ?`, strings.Join(ids, ","), eventID); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func scanBroadcastEvents(rows *sql.Rows) ([]*BroadcastEvent, error) {
	var out []*BroadcastEvent
	for rows.Next() {
		e, err := scanBroadcastEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanBroadcastEventRow(rows *sql.Rows) (*BroadcastEvent, error) {
	var e BroadcastEvent
	var title, forUsers, contentType, bodyText, bodyJSON, deliveredToWake sql.NullString
	var receivedAt string

	err := rows.Scan(&e.ID, &e.WebhookID, &e.AppName, &title, &forUsers, &contentType, &bodyText, &bodyJSON, &e.Signature, &receivedAt, &deliveredToWake)
	if err != nil {
		return nil, fmt.Errorf("scan broadcast event: %w", err)
	}

	e.Title = title.String
	if forUsers.Valid && forUsers.String != "" {
		e.ForUsers = strings.Split(forUsers.String, ",")
	}
	e.ContentType = contentType.String
	e.BodyText = bodyText.String
	e.BodyJSON = bodyJSON.String
	e.ReceivedAt = parseTime(receivedAt)
	if deliveredToWake.Valid && deliveredToWake.String != "" {
		e.DeliveredToWake = strings.Split(deliveredToWake.String, ",")
	}
	return &e, nil
}
