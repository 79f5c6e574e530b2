package api

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/biginformatics/hive/internal/herr"
	"github.com/biginformatics/hive/internal/store"
)

// newCapabilityToken mints a random hex token for a new ingest capability.
func newCapabilityToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// handleIngest accepts an inbound webhook delivery for {appName}, verified
// against {token}, from an unauthenticated caller.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	appName := r.PathValue("appName")
	token := r.PathValue("token")

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		herr.WriteError(w, s.logger, herr.Wrap(herr.BadRequest, "read body", err))
		return
	}

	result, err := s.broadcast.Ingest(appName, token, r.Header.Get("Content-Type"), body)
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"eventId":    result.EventID,
		"suppressed": result.Suppressed,
	}, s.logger)
}

// handleBroadcastWebhookList returns every configured broadcast webhook.
func (s *Server) handleBroadcastWebhookList(w http.ResponseWriter, r *http.Request) {
	actx := mustIdentity(r)
	if err := requireAdmin(actx); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	out, err := s.broadcast.ListWebhooks()
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": out}, s.logger)
}

type createWebhookRequest struct {
	AppName     string   `json:"appName"`
	Title       string   `json:"title"`
	Owner       string   `json:"owner"`
	ForUsers    []string `json:"forUsers"`
	WakeAgent   string   `json:"wakeAgent"`
	NotifyAgent string   `json:"notifyAgent"`
}

// handleBroadcastWebhookCreate registers a new inbound webhook. Admin only.
func (s *Server) handleBroadcastWebhookCreate(w http.ResponseWriter, r *http.Request) {
	actx := mustIdentity(r)
	if err := requireAdmin(actx); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	var req createWebhookRequest
	if err := decodeJSON(r, &req); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	token, err := newCapabilityToken()
	if err != nil {
		herr.WriteError(w, s.logger, herr.Wrap(herr.Internal, "generate token", err))
		return
	}
	hook, err := s.broadcast.CreateWebhook(store.BroadcastWebhook{
		AppName:     req.AppName,
		Token:       token,
		Title:       req.Title,
		Owner:       req.Owner,
		ForUsers:    req.ForUsers,
		WakeAgent:   req.WakeAgent,
		NotifyAgent: req.NotifyAgent,
	})
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, hook, s.logger)
}

type updateWebhookRequest struct {
	Title       *string  `json:"title"`
	ForUsers    []string `json:"forUsers"`
	WakeAgent   *string  `json:"wakeAgent"`
	NotifyAgent *string  `json:"notifyAgent"`
	Enabled     *bool    `json:"enabled"`
}

// handleBroadcastWebhookUpdate patches a webhook's mutable fields. Admin
// only.
func (s *Server) handleBroadcastWebhookUpdate(w http.ResponseWriter, r *http.Request) {
	actx := mustIdentity(r)
	if err := requireAdmin(actx); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	id := r.PathValue("id")
	existing, err := s.store.GetBroadcastWebhook(id)
	if err != nil {
		herr.WriteError(w, s.logger, herr.Wrap(herr.NotFound, "webhook not found", err))
		return
	}
	var req updateWebhookRequest
	if err := decodeJSON(r, &req); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	if req.Title != nil {
		existing.Title = *req.Title
	}
	if req.ForUsers != nil {
		existing.ForUsers = req.ForUsers
	}
	if req.WakeAgent != nil {
		existing.WakeAgent = *req.WakeAgent
	}
	if req.NotifyAgent != nil {
		existing.NotifyAgent = *req.NotifyAgent
	}
	if req.Enabled != nil {
		existing.Enabled = *req.Enabled
	}
	if err := s.broadcast.UpdateWebhook(*existing); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, existing, s.logger)
}

// handleBroadcastWebhookDelete removes a webhook registration. Admin only.
func (s *Server) handleBroadcastWebhookDelete(w http.ResponseWriter, r *http.Request) {
	actx := mustIdentity(r)
	if err := requireAdmin(actx); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	id := r.PathValue("id")
	if err := s.broadcast.DeleteWebhook(id); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleBroadcastEvents returns recent ingested events for an app.
func (s *Server) handleBroadcastEvents(w http.ResponseWriter, r *http.Request) {
	appName := r.URL.Query().Get("appName")
	limit := parseIntParam(r, "limit", 50)
	out, err := s.broadcast.EventsByApp(appName, limit)
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out}, s.logger)
}
