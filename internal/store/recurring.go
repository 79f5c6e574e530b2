package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const recurringColumns = "id, project_id, title, detail, assignee_user_id, cron_expr, timezone, initial_status, enabled, last_tick_at, created_at"

// CreateRecurringTemplate inserts a new recurring task template.
func (s *Store) CreateRecurringTemplate(t RecurringTemplate) (*RecurringTemplate, error) {
	if t.ID == "" {
		id, _ := uuid.NewV7()
		t.ID = id.String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.InitialStatus == "" {
		t.InitialStatus = SwarmStatusQueued
	}
	_, err := s.db.Exec(`
		INSERT INTO recurring_templates (id, project_id, title, detail, assignee_user_id, cron_expr, timezone, initial_status, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.ProjectID, t.Title, nullStr(t.Detail), nullStr(t.AssigneeUserID), t.CronExpr, t.Timezone,
		t.InitialStatus, boolToInt(t.Enabled), formatTime(t.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("create recurring template: %w", err)
	}
	return &t, nil
}

// GetRecurringTemplate retrieves a template by id.
func (s *Store) GetRecurringTemplate(id string) (*RecurringTemplate, error) {
	row := s.db.QueryRow(`SELECT `+recurringColumns+` FROM recurring_templates WHERE id = ?`, id)
	return scanRecurringTemplate(row)
}

// ListRecurringTemplates returns every template, enabled or not.
func (s *Store) ListRecurringTemplates() ([]*RecurringTemplate, error) {
	rows, err := s.db.Query(`SELECT ` + recurringColumns + ` FROM recurring_templates ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list recurring templates: %w", err)
	}
	defer rows.Close()

	var out []*RecurringTemplate
	for rows.Next() {
		t, err := scanRecurringTemplateRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListEnabledRecurringTemplates returns only templates eligible for ticking.
func (s *Store) ListEnabledRecurringTemplates() ([]*RecurringTemplate, error) {
	rows, err := s.db.Query(`SELECT ` + recurringColumns + ` FROM recurring_templates WHERE enabled = 1 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list enabled recurring templates: %w", err)
	}
	defer rows.Close()

	var out []*RecurringTemplate
	for rows.Next() {
		t, err := scanRecurringTemplateRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateRecurringTemplate replaces a template's mutable fields.
func (s *Store) UpdateRecurringTemplate(t RecurringTemplate) error {
	_, err := s.db.Exec(`
		UPDATE recurring_templates SET title=?, detail=?, assignee_user_id=?, cron_expr=?, timezone=?, initial_status=?, enabled=?
		WHERE id = ?
	`, t.Title, nullStr(t.Detail), nullStr(t.AssigneeUserID), t.CronExpr, t.Timezone, t.InitialStatus, boolToInt(t.Enabled), t.ID)
	if err != nil {
		return fmt.Errorf("update recurring template: %w", err)
	}
	return nil
}

// TouchRecurringTemplateTick records the last time a template was evaluated.
func (s *Store) TouchRecurringTemplateTick(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE recurring_templates SET last_tick_at = ? WHERE id = ?`, formatTime(at), id)
	return err
}

// DeleteRecurringTemplate removes a template.
func (s *Store) DeleteRecurringTemplate(id string) error {
	_, err := s.db.Exec(`DELETE FROM recurring_templates WHERE id = ?`, id)
	return err
}

func scanRecurringTemplate(row *sql.Row) (*RecurringTemplate, error) {
	return scanRecurringTemplateScanner(row)
}

func scanRecurringTemplateRow(rows *sql.Rows) (*RecurringTemplate, error) {
	return scanRecurringTemplateScanner(rows)
}

func scanRecurringTemplateScanner(sc scanner) (*RecurringTemplate, error) {
	var t RecurringTemplate
	var detail, assignee, lastTickAt sql.NullString
	var enabled int
	var createdAt string

	err := sc.Scan(&t.ID, &t.ProjectID, &t.Title, &detail, &assignee, &t.CronExpr, &t.Timezone, &t.InitialStatus, &enabled, &lastTickAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan recurring template: %w", err)
	}

	t.Detail = detail.String
	t.AssigneeUserID = assignee.String
	t.Enabled = enabled != 0
	t.LastTickAt = parseNullTime(lastTickAt)
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}
