// Package swarm implements the shared task board humans and agents pull
// work from: projects, tasks moving through a fixed status machine, and
// an append-only audit trail of status/assignment/reorder changes.
package swarm

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/biginformatics/hive/internal/clockx"
	"github.com/biginformatics/hive/internal/eventbus"
	"github.com/biginformatics/hive/internal/herr"
	"github.com/biginformatics/hive/internal/store"
	"github.com/biginformatics/hive/internal/swarm/sortkey"
)

type Service struct {
	store  *store.Store
	bus    *eventbus.Bus
	clock  clockx.Clock
	logger *slog.Logger
}

func New(st *store.Store, bus *eventbus.Bus, clock clockx.Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = clockx.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, bus: bus, clock: clock, logger: logger}
}

// CreateProjectInput is the payload for CreateProject.
type CreateProjectInput struct {
	Title               string
	Color               string
	Description         string
	ProjectLeadUserID   string
	DeveloperLeadUserID string
	WorkHoursStart      string
	WorkHoursEnd        string
	WorkHoursTimezone   string
	BlockingMode        string
	URLs                []string
}

func (s *Service) CreateProject(in CreateProjectInput) (*store.SwarmProject, error) {
	if in.Title == "" {
		return nil, herr.New(herr.BadRequest, "title is required")
	}
	p, err := s.store.CreateProject(store.SwarmProject{
		Title:               in.Title,
		Color:               in.Color,
		Description:         in.Description,
		ProjectLeadUserID:   in.ProjectLeadUserID,
		DeveloperLeadUserID: in.DeveloperLeadUserID,
		WorkHoursStart:      in.WorkHoursStart,
		WorkHoursEnd:        in.WorkHoursEnd,
		WorkHoursTimezone:   in.WorkHoursTimezone,
		BlockingMode:        in.BlockingMode,
		URLs:                in.URLs,
		CreatedAt:           s.clock.Now(),
	})
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "create project", err)
	}
	return p, nil
}

func (s *Service) GetProject(id string) (*store.SwarmProject, error) {
	p, err := s.store.GetProject(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, herr.New(herr.NotFound, "project not found")
		}
		return nil, herr.Wrap(herr.Internal, "get project", err)
	}
	return p, nil
}

func (s *Service) ListProjects() ([]*store.SwarmProject, error) {
	out, err := s.store.ListProjects()
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "list projects", err)
	}
	return out, nil
}

func (s *Service) UpdateProject(p store.SwarmProject) error {
	if err := s.store.UpdateProject(p); err != nil {
		return herr.Wrap(herr.Internal, "update project", err)
	}
	return nil
}

// CreateTaskInput is the payload for CreateTask. BeforeTaskID, when set,
// places the new task immediately before that task in its project;
// otherwise it is appended to the end.
type CreateTaskInput struct {
	ProjectID             string
	Title                 string
	Detail                string
	FollowUp              string
	IssueURL              string
	CreatorUserID         string
	AssigneeUserID        string
	Status                string
	OnOrAfterAt           *time.Time
	MustBeDoneAfterTaskID string
	RecurringTemplateID   string
	RecurringInstanceAt   *time.Time
	BeforeTaskID          string
}

func (s *Service) CreateTask(in CreateTaskInput) (*store.SwarmTask, error) {
	if in.Title == "" {
		return nil, herr.New(herr.BadRequest, "title is required")
	}
	status := in.Status
	if status == "" {
		status = store.SwarmStatusQueued
	}

	sortKey, err := s.nextSortKey(in.ProjectID, in.BeforeTaskID)
	if err != nil {
		return nil, err
	}

	task, err := s.store.CreateTask(store.SwarmTask{
		ProjectID:             in.ProjectID,
		Title:                 in.Title,
		Detail:                in.Detail,
		FollowUp:              in.FollowUp,
		IssueURL:              in.IssueURL,
		CreatorUserID:         in.CreatorUserID,
		AssigneeUserID:        in.AssigneeUserID,
		Status:                status,
		SortKey:               sortKey,
		OnOrAfterAt:           in.OnOrAfterAt,
		MustBeDoneAfterTaskID: in.MustBeDoneAfterTaskID,
		RecurringTemplateID:   in.RecurringTemplateID,
		RecurringInstanceAt:   in.RecurringInstanceAt,
	})
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "create task", err)
	}

	if err := s.appendEvent(task.ID, in.CreatorUserID, store.TaskEventCreated, "", task); err != nil {
		s.logger.Error("append task event", "task", task.ID, "error", err)
	}
	s.emit(eventbus.KindSwarmTaskCreated, taskEventData(task))
	return task, nil
}

// nextSortKey computes a rank for a new task: before beforeTaskID if set,
// else after the project's current max.
func (s *Service) nextSortKey(projectID, beforeTaskID string) (string, error) {
	if beforeTaskID != "" {
		before, err := s.store.GetTask(beforeTaskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return "", herr.New(herr.BadRequest, "beforeTaskId not found")
			}
			return "", herr.Wrap(herr.Internal, "lookup before task", err)
		}
		return sortkey.Before(before.SortKey), nil
	}
	max, err := s.store.MaxSortKeyInProject(projectID)
	if err != nil {
		return "", herr.Wrap(herr.Internal, "max sort key", err)
	}
	if max == "" {
		return sortkey.First(), nil
	}
	return sortkey.After(max), nil
}

func (s *Service) GetTask(id string) (*store.SwarmTask, error) {
	t, err := s.store.GetTask(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, herr.New(herr.NotFound, "task not found")
		}
		return nil, herr.Wrap(herr.Internal, "get task", err)
	}
	return t, nil
}

func (s *Service) ListTasks(f store.TaskFilter) ([]*store.SwarmTask, error) {
	out, err := s.store.ListTasks(f)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "list tasks", err)
	}
	return out, nil
}

// UpdateTaskInput carries the mutable fields an update may change. Status
// and AssigneeUserID changes are recorded in the task's audit trail.
type UpdateTaskInput struct {
	ActorUserID            string
	Title                  string
	Detail                 string
	FollowUp               string
	IssueURL               string
	AssigneeUserID         string
	Status                 string
	SortKey                string
	OnOrAfterAt            *time.Time
	MustBeDoneAfterTaskID  string
	NextTaskID             string
	NextTaskAssigneeUserID string
}

// UpdateTask applies in to task id, appending audit events for any status
// or assignee change.
func (s *Service) UpdateTask(id string, in UpdateTaskInput) (*store.SwarmTask, error) {
	existing, err := s.store.GetTask(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, herr.New(herr.NotFound, "task not found")
		}
		return nil, herr.Wrap(herr.Internal, "get task", err)
	}

	updated := *existing
	updated.Title = in.Title
	updated.Detail = in.Detail
	updated.FollowUp = in.FollowUp
	updated.IssueURL = in.IssueURL
	updated.AssigneeUserID = in.AssigneeUserID
	updated.Status = in.Status
	updated.SortKey = in.SortKey
	updated.OnOrAfterAt = in.OnOrAfterAt
	updated.MustBeDoneAfterTaskID = in.MustBeDoneAfterTaskID
	updated.NextTaskID = in.NextTaskID
	updated.NextTaskAssigneeUserID = in.NextTaskAssigneeUserID

	now := s.clock.Now()
	if err := s.store.UpdateTaskFields(updated, now); err != nil {
		return nil, herr.Wrap(herr.Internal, "update task", err)
	}

	if existing.Status != updated.Status {
		if err := s.appendEvent(id, in.ActorUserID, store.TaskEventStatusChanged, existing.Status, updated.Status); err != nil {
			s.logger.Error("append task event", "task", id, "error", err)
		}
	}
	if existing.AssigneeUserID != updated.AssigneeUserID {
		if err := s.appendEvent(id, in.ActorUserID, store.TaskEventAssigned, existing.AssigneeUserID, updated.AssigneeUserID); err != nil {
			s.logger.Error("append task event", "task", id, "error", err)
		}
	}

	result, err := s.store.GetTask(id)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "reload task", err)
	}
	s.emit(eventbus.KindSwarmTaskUpdated, taskEventData(result))
	return result, nil
}

// Reorder moves task id to sort before beforeTaskID, or to the end of its
// project if beforeTaskID is empty.
func (s *Service) Reorder(actorUserID, id, beforeTaskID string) (*store.SwarmTask, error) {
	task, err := s.store.GetTask(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, herr.New(herr.NotFound, "task not found")
		}
		return nil, herr.Wrap(herr.Internal, "get task", err)
	}

	newKey, err := s.nextSortKey(task.ProjectID, beforeTaskID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if err := s.store.UpdateTaskSortKey(id, newKey, now); err != nil {
		return nil, herr.Wrap(herr.Internal, "reorder task", err)
	}
	if err := s.appendEvent(id, actorUserID, store.TaskEventReordered, task.SortKey, newKey); err != nil {
		s.logger.Error("append task event", "task", id, "error", err)
	}

	result, err := s.store.GetTask(id)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "reload task", err)
	}
	s.emit(eventbus.KindSwarmTaskUpdated, taskEventData(result))
	return result, nil
}

func (s *Service) DeleteTask(id string) error {
	if err := s.store.DeleteTask(id); err != nil {
		return herr.Wrap(herr.Internal, "delete task", err)
	}
	s.emit(eventbus.KindSwarmTaskDeleted, map[string]any{"id": id})
	return nil
}

func taskEventData(t *store.SwarmTask) map[string]any {
	return map[string]any{
		"id": t.ID, "projectId": t.ProjectID, "title": t.Title,
		"status": t.Status, "assigneeUserId": t.AssigneeUserID, "sortKey": t.SortKey,
	}
}

func (s *Service) ListTaskEvents(taskID string) ([]*store.SwarmTaskEvent, error) {
	out, err := s.store.ListTaskEvents(taskID)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "list task events", err)
	}
	return out, nil
}

func (s *Service) appendEvent(taskID, actorUserID, kind string, before, after any) error {
	beforeJSON, _ := json.Marshal(before)
	afterJSON, _ := json.Marshal(after)
	return s.store.AppendTaskEvent(store.SwarmTaskEvent{
		TaskID:      taskID,
		ActorUserID: actorUserID,
		Kind:        kind,
		BeforeState: string(beforeJSON),
		AfterState:  string(afterJSON),
		CreatedAt:   s.clock.Now(),
	})
}

func (s *Service) emit(kind string, data map[string]any) {
	s.bus.Emit(eventbus.ChannelSwarm, eventbus.Event{Type: kind, Data: data})
}
