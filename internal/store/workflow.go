package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const workflowColumns = "id, task_id, title, body, url, tagged_users, created_by, created_at"

// CreateWorkflow inserts a Workflow reference document.
func (s *Store) CreateWorkflow(w Workflow) (*Workflow, error) {
	if w.ID == "" {
		id, _ := uuid.NewV7()
		w.ID = id.String()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO workflows (id, task_id, title, body, url, tagged_users, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.TaskID, w.Title, nullStr(w.Body), nullStr(w.URL), nullStr(strings.Join(w.TaggedUsers, ",")), w.CreatedBy, formatTime(w.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}
	return &w, nil
}

// GetWorkflow retrieves a workflow document by id.
func (s *Store) GetWorkflow(id string) (*Workflow, error) {
	row := s.db.QueryRow(`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	return scanWorkflow(row)
}

// ListWorkflowsForTask returns every workflow attached to a task.
func (s *Store) ListWorkflowsForTask(taskID string) ([]*Workflow, error) {
	rows, err := s.db.Query(`SELECT `+workflowColumns+` FROM workflows WHERE task_id = ? ORDER BY created_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		w, err := scanWorkflowRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWorkflow(row *sql.Row) (*Workflow, error)     { return scanWorkflowScanner(row) }
func scanWorkflowRow(rows *sql.Rows) (*Workflow, error) { return scanWorkflowScanner(rows) }

func scanWorkflowScanner(sc scanner) (*Workflow, error) {
	var w Workflow
	var body, url, taggedUsers sql.NullString
	var createdAt string

	err := sc.Scan(&w.ID, &w.TaskID, &w.Title, &body, &url, &taggedUsers, &w.CreatedBy, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow: %w", err)
	}

	w.Body = body.String
	w.URL = url.String
	if taggedUsers.Valid && taggedUsers.String != "" {
		w.TaggedUsers = strings.Split(taggedUsers.String, ",")
	}
	w.CreatedAt = parseTime(createdAt)
	return &w, nil
}

// CreateWorkflowAttachment inserts attachment metadata; the blob itself is
// written to ATTACHMENT_DIR by the caller.
func (s *Store) CreateWorkflowAttachment(a WorkflowAttachment) (*WorkflowAttachment, error) {
	if a.ID == "" {
		id, _ := uuid.NewV7()
		a.ID = id.String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO workflow_attachments (id, workflow_id, filename, content_type, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.ID, a.WorkflowID, a.Filename, nullStr(a.ContentType), a.SizeBytes, formatTime(a.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("create workflow attachment: %w", err)
	}
	return &a, nil
}

// ListWorkflowAttachments returns attachments for a workflow document.
func (s *Store) ListWorkflowAttachments(workflowID string) ([]*WorkflowAttachment, error) {
	rows, err := s.db.Query(`SELECT id, workflow_id, filename, content_type, size_bytes, created_at FROM workflow_attachments WHERE workflow_id = ? ORDER BY created_at`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var out []*WorkflowAttachment
	for rows.Next() {
		var a WorkflowAttachment
		var contentType sql.NullString
		var createdAt string
		if err := rows.Scan(&a.ID, &a.WorkflowID, &a.Filename, &contentType, &a.SizeBytes, &createdAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		a.ContentType = contentType.String
		a.CreatedAt = parseTime(createdAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}
