package api

import (
	"net/http"
	"time"

	"github.com/biginformatics/hive/internal/herr"
	"github.com/biginformatics/hive/internal/notebook"
	"github.com/biginformatics/hive/internal/presence"
	"github.com/biginformatics/hive/internal/store"
)

// handleNotebookList returns every notebook page.
func (s *Server) handleNotebookList(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.ListNotebookPages()
	if err != nil {
		herr.WriteError(w, s.logger, herr.Wrap(herr.Internal, "list notebook pages", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": out}, s.logger)
}

type createNotebookPageRequest struct {
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	TaggedUsers []string   `json:"taggedUsers"`
	Tags        []string   `json:"tags"`
	ExpiresAt   *time.Time `json:"expiresAt"`
	ReviewAt    *time.Time `json:"reviewAt"`
}

// handleNotebookCreate creates a new notebook page.
func (s *Server) handleNotebookCreate(w http.ResponseWriter, r *http.Request) {
	actx := mustIdentity(r)
	var req createNotebookPageRequest
	if err := decodeJSON(r, &req); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	if req.Title == "" {
		herr.WriteError(w, s.logger, herr.New(herr.BadRequest, "title is required"))
		return
	}
	now := time.Now().UTC()
	page, err := s.store.CreateNotebookPage(store.NotebookPage{
		Title:       req.Title,
		Content:     req.Content,
		CreatedBy:   actx.Identity,
		TaggedUsers: req.TaggedUsers,
		Tags:        req.Tags,
		ExpiresAt:   req.ExpiresAt,
		ReviewAt:    req.ReviewAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		herr.WriteError(w, s.logger, herr.Wrap(herr.Internal, "create notebook page", err))
		return
	}
	writeJSON(w, http.StatusCreated, page, s.logger)
}

// handleNotebookGet retrieves a single notebook page.
func (s *Server) handleNotebookGet(w http.ResponseWriter, r *http.Request) {
	page, err := s.store.GetNotebookPage(r.PathValue("id"))
	if err != nil {
		if err == store.ErrNotFound {
			herr.WriteError(w, s.logger, herr.New(herr.NotFound, "page not found"))
			return
		}
		herr.WriteError(w, s.logger, herr.Wrap(herr.Internal, "get notebook page", err))
		return
	}
	writeJSON(w, http.StatusOK, page, s.logger)
}

type updateNotebookPageRequest struct {
	Title       string     `json:"title"`
	TaggedUsers []string   `json:"taggedUsers"`
	Tags        []string   `json:"tags"`
	Locked      bool       `json:"locked"`
	ExpiresAt   *time.Time `json:"expiresAt"`
	ReviewAt    *time.Time `json:"reviewAt"`
}

// handleNotebookUpdateMeta patches a page's metadata fields. Content
// updates go through the websocket session instead.
func (s *Server) handleNotebookUpdateMeta(w http.ResponseWriter, r *http.Request) {
	actx := mustIdentity(r)
	id := r.PathValue("id")
	existing, err := s.store.GetNotebookPage(id)
	if err != nil {
		if err == store.ErrNotFound {
			herr.WriteError(w, s.logger, herr.New(herr.NotFound, "page not found"))
			return
		}
		herr.WriteError(w, s.logger, herr.Wrap(herr.Internal, "get notebook page", err))
		return
	}
	if !actx.IsAdmin && existing.CreatedBy != actx.Identity {
		herr.WriteError(w, s.logger, herr.New(herr.Forbidden, "not the page's owner"))
		return
	}
	var req updateNotebookPageRequest
	if err := decodeJSON(r, &req); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	existing.Title = req.Title
	existing.TaggedUsers = req.TaggedUsers
	existing.Tags = req.Tags
	existing.Locked = req.Locked
	if req.Locked {
		existing.LockedBy = actx.Identity
	} else {
		existing.LockedBy = ""
	}
	existing.ExpiresAt = req.ExpiresAt
	existing.ReviewAt = req.ReviewAt

	now := time.Now().UTC()
	if err := s.store.UpdateNotebookPageMeta(*existing, now); err != nil {
		herr.WriteError(w, s.logger, herr.Wrap(herr.Internal, "update notebook page", err))
		return
	}
	existing.UpdatedAt = now
	writeJSON(w, http.StatusOK, existing, s.logger)
}

// handleNotebookArchive soft-deletes a notebook page.
func (s *Server) handleNotebookArchive(w http.ResponseWriter, r *http.Request) {
	actx := mustIdentity(r)
	id := r.PathValue("id")
	existing, err := s.store.GetNotebookPage(id)
	if err != nil {
		if err == store.ErrNotFound {
			herr.WriteError(w, s.logger, herr.New(herr.NotFound, "page not found"))
			return
		}
		herr.WriteError(w, s.logger, herr.Wrap(herr.Internal, "get notebook page", err))
		return
	}
	if !actx.IsAdmin && existing.CreatedBy != actx.Identity {
		herr.WriteError(w, s.logger, herr.New(herr.Forbidden, "not the page's owner"))
		return
	}
	if err := s.store.ArchiveNotebookPage(id, time.Now().UTC()); err != nil {
		herr.WriteError(w, s.logger, herr.Wrap(herr.Internal, "archive notebook page", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleNotebookWS upgrades the caller to the collaborative editing session
// for a notebook page. withAuth lets this path through unauthenticated so
// a bad token, missing page param, or unknown page can each be reported
// with the protocol's own close code instead of a pre-upgrade HTTP error.
func (s *Server) handleNotebookWS(w http.ResponseWriter, r *http.Request) {
	pageID := r.URL.Query().Get("page")
	if pageID == "" {
		if err := notebook.RejectWS(w, r, notebook.CloseMissingParams, "missing page parameter"); err != nil {
			s.logger.Debug("notebook websocket reject failed", "error", err)
		}
		return
	}

	actx, err := s.auth.Authenticate(bearerToken(r))
	if err != nil {
		if err := notebook.RejectWS(w, r, notebook.CloseUnauthorized, "unauthorized"); err != nil {
			s.logger.Debug("notebook websocket reject failed", "error", err)
		}
		return
	}
	if s.presence != nil {
		s.presence.Touch(actx.Identity, presence.SourceAPI, time.Now().UTC())
	}

	page, err := s.store.GetNotebookPage(pageID)
	if err != nil {
		if err == store.ErrNotFound {
			if err := notebook.RejectWS(w, r, notebook.ClosePageNotFound, "page not found"); err != nil {
				s.logger.Debug("notebook websocket reject failed", "error", err)
			}
			return
		}
		herr.WriteError(w, s.logger, herr.Wrap(herr.Internal, "get notebook page", err))
		return
	}
	isOwnerOrAdmin := actx.IsAdmin || actx.Identity == page.CreatedBy
	if err := s.notebook.ServeWS(w, r, actx.Identity, pageID, isOwnerOrAdmin); err != nil {
		s.logger.Error("notebook websocket session ended", "page", pageID, "error", err)
	}
}
