// Package workflow implements markdown reference documents attached to
// swarm tasks: runbooks and how-tos an agent can be pointed at instead of
// re-deriving the same procedure from scratch every time. An optional URL
// field is checked for reachability (not fetched for content) through the
// shared SSRF guard, since the URL is attacker-controlled input from
// whoever created the document.
package workflow

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/yuin/goldmark"

	"github.com/biginformatics/hive/internal/clockx"
	"github.com/biginformatics/hive/internal/fetch"
	"github.com/biginformatics/hive/internal/herr"
	"github.com/biginformatics/hive/internal/store"
)

// urlCheckTimeout bounds the reachability check so a slow or hanging
// referenced URL can't stall document creation.
const urlCheckTimeout = 8 * time.Second

type Service struct {
	store  *store.Store
	guard  *fetch.Guard
	clock  clockx.Clock
	logger *slog.Logger
}

func New(st *store.Store, guard *fetch.Guard, clock clockx.Clock, logger *slog.Logger) *Service {
	if guard == nil {
		guard = fetch.NewGuard(nil)
	}
	if clock == nil {
		clock = clockx.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, guard: guard, clock: clock, logger: logger}
}

// CreateInput is the payload for Create.
type CreateInput struct {
	TaskID      string
	Title       string
	Body        string
	URL         string
	TaggedUsers []string
	CreatedBy   string
}

// Create inserts a workflow document. If URL is set, its reachability is
// checked against the SSRF guard; an unreachable or disallowed URL is
// logged but does not block creation, since the document's markdown body
// is the primary content and a dead link shouldn't lose the rest of it.
func (s *Service) Create(ctx context.Context, in CreateInput) (*store.Workflow, error) {
	if in.Title == "" {
		return nil, herr.New(herr.BadRequest, "title is required")
	}
	if in.URL != "" {
		if err := s.checkURL(ctx, in.URL); err != nil {
			s.logger.Warn("workflow url failed reachability check", "url", in.URL, "error", err)
		}
	}

	w, err := s.store.CreateWorkflow(store.Workflow{
		TaskID:      in.TaskID,
		Title:       in.Title,
		Body:        in.Body,
		URL:         in.URL,
		TaggedUsers: in.TaggedUsers,
		CreatedBy:   in.CreatedBy,
		CreatedAt:   s.clock.Now(),
	})
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "create workflow", err)
	}
	return w, nil
}

func (s *Service) checkURL(ctx context.Context, rawURL string) error {
	if err := s.guard.CheckURL(rawURL); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.guard.Do(req, urlCheckTimeout)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// Get retrieves a workflow document by id.
func (s *Service) Get(id string) (*store.Workflow, error) {
	w, err := s.store.GetWorkflow(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, herr.New(herr.NotFound, "workflow not found")
		}
		return nil, herr.Wrap(herr.Internal, "get workflow", err)
	}
	return w, nil
}

// ListForTask returns the workflow documents attached to a task.
func (s *Service) ListForTask(taskID string) ([]*store.Workflow, error) {
	out, err := s.store.ListWorkflowsForTask(taskID)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "list workflows", err)
	}
	return out, nil
}

// Render converts a workflow's markdown body to HTML.
func (s *Service) Render(w *store.Workflow) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(w.Body), &buf); err != nil {
		return "", herr.Wrap(herr.Internal, "render workflow", err)
	}
	return buf.String(), nil
}

// AddAttachment records metadata for a blob the caller has already written
// to ATTACHMENT_DIR.
func (s *Service) AddAttachment(workflowID, filename, contentType string, sizeBytes int64) (*store.WorkflowAttachment, error) {
	a, err := s.store.CreateWorkflowAttachment(store.WorkflowAttachment{
		WorkflowID:  workflowID,
		Filename:    filename,
		ContentType: contentType,
		SizeBytes:   sizeBytes,
		CreatedAt:   s.clock.Now(),
	})
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "create workflow attachment", err)
	}
	return a, nil
}

// ListAttachments returns a workflow document's attachments.
func (s *Service) ListAttachments(workflowID string) ([]*store.WorkflowAttachment, error) {
	out, err := s.store.ListWorkflowAttachments(workflowID)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "list attachments", err)
	}
	return out, nil
}
