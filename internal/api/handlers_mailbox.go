package api

import (
	"net/http"
	"strconv"

	"github.com/biginformatics/hive/internal/herr"
	"github.com/biginformatics/hive/internal/mailbox"
)

// handleMailboxList returns a page of the caller's own inbox.
func (s *Server) handleMailboxList(w http.ResponseWriter, r *http.Request) {
	actx := mustIdentity(r)
	status := r.URL.Query().Get("status")
	limit := parseIntParam(r, "limit", 50)
	cursor := parseInt64Param(r, "cursor", 0)

	page, err := s.mailbox.List(actx.Identity, status, limit, cursor)
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	resp := map[string]any{"messages": page.Messages, "total": page.Total}
	if page.NextCursor != "" {
		resp["nextCursor"] = page.NextCursor
	}
	writeJSON(w, http.StatusOK, resp, s.logger)
}

type sendMessageRequest struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Urgent    bool   `json:"urgent"`
	DedupeKey string `json:"dedupeKey"`
	Metadata  string `json:"metadata"`
}

// handleMailboxSend sends a message from the caller to {recipient}.
func (s *Server) handleMailboxSend(w http.ResponseWriter, r *http.Request) {
	actx := mustIdentity(r)
	recipient := r.PathValue("recipient")

	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}

	msg, err := s.mailbox.Send(r.Context(), mailbox.SendInput{
		Sender:    actx.Identity,
		Recipient: recipient,
		Title:     req.Title,
		Body:      req.Body,
		Urgent:    req.Urgent,
		DedupeKey: req.DedupeKey,
		Metadata:  req.Metadata,
	})
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg, s.logger)
}

func pathMessageID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, herr.New(herr.BadRequest, "invalid message id")
	}
	return id, nil
}

// handleMailboxAck marks a message in the caller's own inbox as read.
func (s *Server) handleMailboxAck(w http.ResponseWriter, r *http.Request) {
	id, err := pathMessageID(r)
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	if err := s.mailbox.Ack(id); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type replyRequest struct {
	Body string `json:"body"`
}

// handleMailboxReply posts a threaded reply to a message the caller
// received.
func (s *Server) handleMailboxReply(w http.ResponseWriter, r *http.Request) {
	actx := mustIdentity(r)
	id, err := pathMessageID(r)
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	var req replyRequest
	if err := decodeJSON(r, &req); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	msg, err := s.mailbox.Reply(r.Context(), actx.Identity, id, req.Body)
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg, s.logger)
}

// handleMailboxMarkPending records that the caller has taken on an open
// commitment to respond to a message.
func (s *Server) handleMailboxMarkPending(w http.ResponseWriter, r *http.Request) {
	actx := mustIdentity(r)
	id, err := pathMessageID(r)
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	if err := s.mailbox.MarkPending(id, actx.Identity); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMailboxClearPending closes out an open response commitment.
func (s *Server) handleMailboxClearPending(w http.ResponseWriter, r *http.Request) {
	id, err := pathMessageID(r)
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	if err := s.mailbox.ClearPending(id); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMailboxListPending returns the caller's own open response
// commitments.
func (s *Server) handleMailboxListPending(w http.ResponseWriter, r *http.Request) {
	actx := mustIdentity(r)
	out, err := s.mailbox.ListMyPending(actx.Identity)
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out}, s.logger)
}

// handleMailboxListWaiting returns messages the caller sent and is still
// waiting on a reply for.
func (s *Server) handleMailboxListWaiting(w http.ResponseWriter, r *http.Request) {
	actx := mustIdentity(r)
	out, err := s.mailbox.ListWaitingOnOthers(actx.Identity)
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out}, s.logger)
}
