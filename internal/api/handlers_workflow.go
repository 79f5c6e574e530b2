package api

import (
	"net/http"

	"github.com/biginformatics/hive/internal/herr"
)

// handleWorkflowGet retrieves a single workflow document by id.
func (s *Server) handleWorkflowGet(w http.ResponseWriter, r *http.Request) {
	wf, err := s.workflow.Get(r.PathValue("id"))
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, wf, s.logger)
}

// handleWorkflowAttachmentList returns a workflow document's attachments.
func (s *Server) handleWorkflowAttachmentList(w http.ResponseWriter, r *http.Request) {
	out, err := s.workflow.ListAttachments(r.PathValue("id"))
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attachments": out}, s.logger)
}

type createAttachmentRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes"`
}

// handleWorkflowAttachmentCreate records metadata for a blob the caller has
// already written to the attachment directory out of band.
func (s *Server) handleWorkflowAttachmentCreate(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	var req createAttachmentRequest
	if err := decodeJSON(r, &req); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	a, err := s.workflow.AddAttachment(workflowID, req.Filename, req.ContentType, req.SizeBytes)
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, a, s.logger)
}
