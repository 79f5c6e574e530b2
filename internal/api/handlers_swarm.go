package api

import (
	"net/http"
	"time"

	"github.com/biginformatics/hive/internal/herr"
	"github.com/biginformatics/hive/internal/store"
	"github.com/biginformatics/hive/internal/swarm"
	"github.com/biginformatics/hive/internal/workflow"
)

// handleProjectList returns every swarm project.
func (s *Server) handleProjectList(w http.ResponseWriter, r *http.Request) {
	out, err := s.swarm.ListProjects()
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": out}, s.logger)
}

type createProjectRequest struct {
	Title               string   `json:"title"`
	Color               string   `json:"color"`
	Description         string   `json:"description"`
	ProjectLeadUserID   string   `json:"projectLeadUserId"`
	DeveloperLeadUserID string   `json:"developerLeadUserId"`
	WorkHoursStart      string   `json:"workHoursStart"`
	WorkHoursEnd        string   `json:"workHoursEnd"`
	WorkHoursTimezone   string   `json:"workHoursTimezone"`
	BlockingMode        string   `json:"blockingMode"`
	URLs                []string `json:"urls"`
}

// handleProjectCreate creates a new swarm project.
func (s *Server) handleProjectCreate(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	p, err := s.swarm.CreateProject(swarm.CreateProjectInput{
		Title:               req.Title,
		Color:               req.Color,
		Description:         req.Description,
		ProjectLeadUserID:   req.ProjectLeadUserID,
		DeveloperLeadUserID: req.DeveloperLeadUserID,
		WorkHoursStart:      req.WorkHoursStart,
		WorkHoursEnd:        req.WorkHoursEnd,
		WorkHoursTimezone:   req.WorkHoursTimezone,
		BlockingMode:        req.BlockingMode,
		URLs:                req.URLs,
	})
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, p, s.logger)
}

// handleProjectGet retrieves a single project.
func (s *Server) handleProjectGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.swarm.GetProject(r.PathValue("id"))
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p, s.logger)
}

// handleProjectUpdate patches a project's mutable fields.
func (s *Server) handleProjectUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.swarm.GetProject(id)
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	var req createProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	updated := *existing
	updated.Title = req.Title
	updated.Color = req.Color
	updated.Description = req.Description
	updated.ProjectLeadUserID = req.ProjectLeadUserID
	updated.DeveloperLeadUserID = req.DeveloperLeadUserID
	updated.WorkHoursStart = req.WorkHoursStart
	updated.WorkHoursEnd = req.WorkHoursEnd
	updated.WorkHoursTimezone = req.WorkHoursTimezone
	updated.BlockingMode = req.BlockingMode
	updated.URLs = req.URLs
	if err := s.swarm.UpdateProject(updated); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, updated, s.logger)
}

// handleTaskList lists tasks, optionally filtered by status/assignee/project.
func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TaskFilter{
		Assignee:         q.Get("assignee"),
		ProjectID:        q.Get("projectId"),
		IncludeCompleted: parseBoolParam(r, "includeCompleted"),
	}
	if status := q.Get("status"); status != "" {
		filter.Statuses = []string{status}
	}
	out, err := s.swarm.ListTasks(filter)
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out}, s.logger)
}

type createTaskRequest struct {
	ProjectID             string     `json:"projectId"`
	Title                 string     `json:"title"`
	Detail                string     `json:"detail"`
	FollowUp              string     `json:"followUp"`
	IssueURL              string     `json:"issueUrl"`
	AssigneeUserID        string     `json:"assigneeUserId"`
	Status                string     `json:"status"`
	OnOrAfterAt           *time.Time `json:"onOrAfterAt"`
	MustBeDoneAfterTaskID string     `json:"mustBeDoneAfterTaskId"`
	BeforeTaskID          string     `json:"beforeTaskId"`
}

// handleTaskCreate creates a swarm task.
func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	actx := mustIdentity(r)
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	task, err := s.swarm.CreateTask(swarm.CreateTaskInput{
		ProjectID:             req.ProjectID,
		Title:                 req.Title,
		Detail:                req.Detail,
		FollowUp:              req.FollowUp,
		IssueURL:              req.IssueURL,
		CreatorUserID:         actx.Identity,
		AssigneeUserID:        req.AssigneeUserID,
		Status:                req.Status,
		OnOrAfterAt:           req.OnOrAfterAt,
		MustBeDoneAfterTaskID: req.MustBeDoneAfterTaskID,
		BeforeTaskID:          req.BeforeTaskID,
	})
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, task, s.logger)
}

// handleTaskGet retrieves a single task.
func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	task, err := s.swarm.GetTask(r.PathValue("id"))
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, task, s.logger)
}

type updateTaskRequest struct {
	Title                  string     `json:"title"`
	Detail                 string     `json:"detail"`
	FollowUp               string     `json:"followUp"`
	IssueURL               string     `json:"issueUrl"`
	AssigneeUserID         string     `json:"assigneeUserId"`
	Status                 string     `json:"status"`
	SortKey                string     `json:"sortKey"`
	OnOrAfterAt            *time.Time `json:"onOrAfterAt"`
	MustBeDoneAfterTaskID  string     `json:"mustBeDoneAfterTaskId"`
	NextTaskID             string     `json:"nextTaskId"`
	NextTaskAssigneeUserID string     `json:"nextTaskAssigneeUserId"`
}

// handleTaskUpdate patches a task's mutable fields.
func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request) {
	actx := mustIdentity(r)
	id := r.PathValue("id")
	var req updateTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	task, err := s.swarm.UpdateTask(id, swarm.UpdateTaskInput{
		ActorUserID:            actx.Identity,
		Title:                  req.Title,
		Detail:                 req.Detail,
		FollowUp:               req.FollowUp,
		IssueURL:               req.IssueURL,
		AssigneeUserID:         req.AssigneeUserID,
		Status:                 req.Status,
		SortKey:                req.SortKey,
		OnOrAfterAt:            req.OnOrAfterAt,
		MustBeDoneAfterTaskID:  req.MustBeDoneAfterTaskID,
		NextTaskID:             req.NextTaskID,
		NextTaskAssigneeUserID: req.NextTaskAssigneeUserID,
	})
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, task, s.logger)
}

// handleTaskDelete deletes a task.
func (s *Server) handleTaskDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.swarm.DeleteTask(r.PathValue("id")); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

// handleTaskStatus is a narrow PATCH that only moves a task's status,
// convenient for board drag-and-drop clients that don't want to resend
// every field.
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	actx := mustIdentity(r)
	id := r.PathValue("id")
	var req updateStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	existing, err := s.swarm.GetTask(id)
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	task, err := s.swarm.UpdateTask(id, swarm.UpdateTaskInput{
		ActorUserID:            actx.Identity,
		Title:                  existing.Title,
		Detail:                 existing.Detail,
		FollowUp:               existing.FollowUp,
		IssueURL:               existing.IssueURL,
		AssigneeUserID:         existing.AssigneeUserID,
		Status:                 req.Status,
		SortKey:                existing.SortKey,
		OnOrAfterAt:            existing.OnOrAfterAt,
		MustBeDoneAfterTaskID:  existing.MustBeDoneAfterTaskID,
		NextTaskID:             existing.NextTaskID,
		NextTaskAssigneeUserID: existing.NextTaskAssigneeUserID,
	})
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, task, s.logger)
}

type reorderRequest struct {
	BeforeTaskID string `json:"beforeTaskId"`
}

// handleTaskReorder moves a task to a new position in its project's list.
func (s *Server) handleTaskReorder(w http.ResponseWriter, r *http.Request) {
	actx := mustIdentity(r)
	id := r.PathValue("id")
	var req reorderRequest
	if err := decodeJSON(r, &req); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	task, err := s.swarm.Reorder(actx.Identity, id, req.BeforeTaskID)
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, task, s.logger)
}

// handleTaskEvents returns a task's audit trail.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	out, err := s.swarm.ListTaskEvents(r.PathValue("id"))
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out}, s.logger)
}

// handleWorkflowList returns the workflow documents attached to a task.
func (s *Server) handleWorkflowList(w http.ResponseWriter, r *http.Request) {
	out, err := s.workflow.ListForTask(r.PathValue("id"))
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": out}, s.logger)
}

type createWorkflowRequest struct {
	Title       string   `json:"title"`
	Body        string   `json:"body"`
	URL         string   `json:"url"`
	TaggedUsers []string `json:"taggedUsers"`
}

// handleWorkflowCreate attaches a new workflow document to a task.
func (s *Server) handleWorkflowCreate(w http.ResponseWriter, r *http.Request) {
	actx := mustIdentity(r)
	taskID := r.PathValue("id")
	var req createWorkflowRequest
	if err := decodeJSON(r, &req); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	wf, err := s.workflow.Create(r.Context(), workflow.CreateInput{
		TaskID:      taskID,
		Title:       req.Title,
		Body:        req.Body,
		URL:         req.URL,
		TaggedUsers: req.TaggedUsers,
		CreatedBy:   actx.Identity,
	})
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf, s.logger)
}

// handleRecurringTick evaluates every enabled recurring template
// immediately rather than waiting for the background loop's next tick.
// Admin only.
func (s *Server) handleRecurringTick(w http.ResponseWriter, r *http.Request) {
	actx := mustIdentity(r)
	if err := requireAdmin(actx); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	s.recurring.Tick(time.Now().UTC())
	w.WriteHeader(http.StatusNoContent)
}
