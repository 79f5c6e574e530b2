package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const projectColumns = "id, title, color, description, project_lead_user_id, developer_lead_user_id, work_hours_start, work_hours_end, work_hours_timezone, blocking_mode, archived_at, urls, created_at"

// CreateProject inserts a SwarmProject.
func (s *Store) CreateProject(p SwarmProject) (*SwarmProject, error) {
	if p.ID == "" {
		id, _ := uuid.NewV7()
		p.ID = id.String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO swarm_projects (id, title, color, description, project_lead_user_id, developer_lead_user_id, work_hours_start, work_hours_end, work_hours_timezone, blocking_mode, urls, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Title, p.Color, nullStr(p.Description), nullStr(p.ProjectLeadUserID), nullStr(p.DeveloperLeadUserID),
		nullStr(p.WorkHoursStart), nullStr(p.WorkHoursEnd), nullStr(p.WorkHoursTimezone), nullStr(p.BlockingMode),
		nullStr(strings.Join(p.URLs, ",")), formatTime(p.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return &p, nil
}

// GetProject retrieves a project by id.
func (s *Store) GetProject(id string) (*SwarmProject, error) {
	row := s.db.QueryRow(`SELECT `+projectColumns+` FROM swarm_projects WHERE id = ?`, id)
	return scanProject(row)
}

// ListProjects returns non-archived projects.
func (s *Store) ListProjects() ([]*SwarmProject, error) {
	rows, err := s.db.Query(`SELECT ` + projectColumns + ` FROM swarm_projects WHERE archived_at IS NULL ORDER BY title`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []*SwarmProject
	for rows.Next() {
		p, err := scanProjectRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProject replaces mutable project fields.
func (s *Store) UpdateProject(p SwarmProject) error {
	_, err := s.db.Exec(`
		UPDATE swarm_projects SET title=?, color=?, description=?, project_lead_user_id=?, developer_lead_user_id=?,
			work_hours_start=?, work_hours_end=?, work_hours_timezone=?, blocking_mode=?, urls=?, archived_at=?
		WHERE id = ?
	`, p.Title, p.Color, nullStr(p.Description), nullStr(p.ProjectLeadUserID), nullStr(p.DeveloperLeadUserID),
		nullStr(p.WorkHoursStart), nullStr(p.WorkHoursEnd), nullStr(p.WorkHoursTimezone), nullStr(p.BlockingMode),
		nullStr(strings.Join(p.URLs, ",")), formatNullTime(p.ArchivedAt), p.ID)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return nil
}

func scanProject(row *sql.Row) (*SwarmProject, error)     { return scanProjectScanner(row) }
func scanProjectRow(rows *sql.Rows) (*SwarmProject, error) { return scanProjectScanner(rows) }

func scanProjectScanner(sc scanner) (*SwarmProject, error) {
	var p SwarmProject
	var description, leadID, devLeadID, whStart, whEnd, whTZ, blockingMode, archivedAt, urls sql.NullString
	var createdAt string

	err := sc.Scan(&p.ID, &p.Title, &p.Color, &description, &leadID, &devLeadID, &whStart, &whEnd, &whTZ, &blockingMode, &archivedAt, &urls, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}

	p.Description = description.String
	p.ProjectLeadUserID = leadID.String
	p.DeveloperLeadUserID = devLeadID.String
	p.WorkHoursStart = whStart.String
	p.WorkHoursEnd = whEnd.String
	p.WorkHoursTimezone = whTZ.String
	p.BlockingMode = blockingMode.String
	p.ArchivedAt = parseNullTime(archivedAt)
	if urls.Valid && urls.String != "" {
		p.URLs = strings.Split(urls.String, ",")
	}
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

const taskColumns = "id, project_id, title, detail, follow_up, issue_url, creator_user_id, assignee_user_id, status, sort_key, on_or_after_at, must_be_done_after_task_id, next_task_id, next_task_assignee_user_id, recurring_template_id, recurring_instance_at, completed_at, created_at, updated_at"

// CreateTask inserts a SwarmTask.
func (s *Store) CreateTask(t SwarmTask) (*SwarmTask, error) {
	if t.ID == "" {
		id, _ := uuid.NewV7()
		t.ID = id.String()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO swarm_tasks (id, project_id, title, detail, follow_up, issue_url, creator_user_id, assignee_user_id, status, sort_key, on_or_after_at, must_be_done_after_task_id, recurring_template_id, recurring_instance_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, nullStr(t.ProjectID), t.Title, nullStr(t.Detail), nullStr(t.FollowUp), nullStr(t.IssueURL),
		nullStr(t.CreatorUserID), nullStr(t.AssigneeUserID), t.Status, t.SortKey, formatNullTime(t.OnOrAfterAt),
		nullStr(t.MustBeDoneAfterTaskID), nullStr(t.RecurringTemplateID), formatNullTime(t.RecurringInstanceAt),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &t, nil
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(id string) (*SwarmTask, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM swarm_tasks WHERE id = ?`, id)
	return scanTask(row)
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Statuses         []string
	Assignee         string
	ProjectID        string
	IncludeCompleted bool
}

// statusPrecedence is the fixed listing order from §3: lower index sorts
// first.
var statusPrecedence = map[string]int{
	SwarmStatusInProgress: 0,
	SwarmStatusReview:     1,
	SwarmStatusReady:      2,
	SwarmStatusQueued:     3,
	SwarmStatusHolding:    4,
	SwarmStatusComplete:   5,
}

// ListTasks returns tasks matching filter in the fixed listing order:
// status precedence, then sortKey ascending, then createdAt ascending.
func (s *Store) ListTasks(f TaskFilter) ([]*SwarmTask, error) {
	query := `SELECT ` + taskColumns + ` FROM swarm_tasks WHERE 1=1`
	var args []any

	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += ` AND status IN (` + strings.Join(placeholders, ",") + `)`
	} else if !f.IncludeCompleted {
		query += ` AND status != ?`
		args = append(args, SwarmStatusComplete)
	}
	if f.Assignee != "" {
		query += ` AND assignee_user_id = ?`
		args = append(args, f.Assignee)
	}
	if f.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*SwarmTask
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortTasks(tasks)
	return tasks, nil
}

func sortTasks(tasks []*SwarmTask) {
	less := func(i, j int) bool {
		pi, pj := statusPrecedence[tasks[i].Status], statusPrecedence[tasks[j].Status]
		if pi != pj {
			return pi < pj
		}
		if tasks[i].SortKey != tasks[j].SortKey {
			return tasks[i].SortKey < tasks[j].SortKey
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	}
	// insertion sort is fine: task lists are small per-project/assignee views
	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			tasks[j], tasks[j-1] = tasks[j-1], tasks[j]
		}
	}
}

// UpdateTaskFields applies a partial update to a task and bumps updatedAt.
// completedAt is managed automatically: set to now when status becomes
// complete, cleared when it leaves complete.
func (s *Store) UpdateTaskFields(t SwarmTask, now time.Time) error {
	if t.Status == SwarmStatusComplete && t.CompletedAt == nil {
		t.CompletedAt = &now
	}
	if t.Status != SwarmStatusComplete {
		t.CompletedAt = nil
	}
	t.UpdatedAt = now

	_, err := s.db.Exec(`
		UPDATE swarm_tasks SET title=?, detail=?, follow_up=?, issue_url=?, assignee_user_id=?, status=?, sort_key=?,
			on_or_after_at=?, must_be_done_after_task_id=?, next_task_id=?, next_task_assignee_user_id=?, completed_at=?, updated_at=?
		WHERE id = ?
	`, t.Title, nullStr(t.Detail), nullStr(t.FollowUp), nullStr(t.IssueURL), nullStr(t.AssigneeUserID), t.Status, t.SortKey,
		formatNullTime(t.OnOrAfterAt), nullStr(t.MustBeDoneAfterTaskID), nullStr(t.NextTaskID), nullStr(t.NextTaskAssigneeUserID),
		formatNullTime(t.CompletedAt), formatTime(t.UpdatedAt), t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// UpdateTaskSortKey is used by the reorder endpoint alone.
func (s *Store) UpdateTaskSortKey(id, sortKey string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE swarm_tasks SET sort_key = ?, updated_at = ? WHERE id = ?`, sortKey, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("update sort key: %w", err)
	}
	return nil
}

// DeleteTask removes a task row.
func (s *Store) DeleteTask(id string) error {
	_, err := s.db.Exec(`DELETE FROM swarm_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// MaxSortKeyInProject returns the greatest sortKey among a project's tasks,
// or "" if none exist. An empty projectID covers the tasks with no project.
func (s *Store) MaxSortKeyInProject(projectID string) (string, error) {
	var key sql.NullString
	err := s.db.QueryRow(`SELECT MAX(sort_key) FROM swarm_tasks WHERE project_id IS ?`, nullStr(projectID)).Scan(&key)
	if err != nil {
		return "", fmt.Errorf("max sort key: %w", err)
	}
	return key.String, nil
}

func scanTask(row *sql.Row) (*SwarmTask, error)     { return scanTaskScanner(row) }
func scanTaskRow(rows *sql.Rows) (*SwarmTask, error) { return scanTaskScanner(rows) }

func scanTaskScanner(sc scanner) (*SwarmTask, error) {
	var t SwarmTask
	var projectID, detail, followUp, issueURL, creatorID, assigneeID, onOrAfterAt, mustBeDoneAfter, nextTaskID, nextTaskAssignee, recurringTemplateID, recurringInstanceAt, completedAt sql.NullString
	var createdAt, updatedAt string

	err := sc.Scan(&t.ID, &projectID, &t.Title, &detail, &followUp, &issueURL, &creatorID, &assigneeID, &t.Status, &t.SortKey,
		&onOrAfterAt, &mustBeDoneAfter, &nextTaskID, &nextTaskAssignee, &recurringTemplateID, &recurringInstanceAt, &completedAt,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.ProjectID = projectID.String
	t.Detail = detail.String
	t.FollowUp = followUp.String
	t.IssueURL = issueURL.String
	t.CreatorUserID = creatorID.String
	t.AssigneeUserID = assigneeID.String
	t.OnOrAfterAt = parseNullTime(onOrAfterAt)
	t.MustBeDoneAfterTaskID = mustBeDoneAfter.String
	t.NextTaskID = nextTaskID.String
	t.NextTaskAssigneeUserID = nextTaskAssignee.String
	t.RecurringTemplateID = recurringTemplateID.String
	t.RecurringInstanceAt = parseNullTime(recurringInstanceAt)
	t.CompletedAt = parseNullTime(completedAt)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// AppendTaskEvent inserts an audit row for a task mutation.
func (s *Store) AppendTaskEvent(e SwarmTaskEvent) error {
	if e.ID == "" {
		id, _ := uuid.NewV7()
		e.ID = id.String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO swarm_task_events (id, task_id, actor_user_id, kind, before_state, after_state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.TaskID, nullStr(e.ActorUserID), e.Kind, nullStr(e.BeforeState), nullStr(e.AfterState), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append task event: %w", err)
	}
	return nil
}

// ListTaskEvents returns the audit trail for a task, oldest first.
func (s *Store) ListTaskEvents(taskID string) ([]*SwarmTaskEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, task_id, actor_user_id, kind, before_state, after_state, created_at
		FROM swarm_task_events WHERE task_id = ? ORDER BY created_at ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []*SwarmTaskEvent
	for rows.Next() {
		var e SwarmTaskEvent
		var actorID, before, after sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.TaskID, &actorID, &e.Kind, &before, &after, &createdAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		e.ActorUserID = actorID.String
		e.BeforeState = before.String
		e.AfterState = after.String
		e.CreatedAt = parseTime(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}
