package api

import (
	"net/http"

	"github.com/biginformatics/hive/internal/herr"
)

// handleChatChannelList returns every channel the caller belongs to.
func (s *Server) handleChatChannelList(w http.ResponseWriter, r *http.Request) {
	actx := mustIdentity(r)
	out, err := s.chat.ListChannels(actx.Identity)
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": out}, s.logger)
}

type createChannelRequest struct {
	Members []string `json:"members"`
}

// handleChatChannelCreate opens a DM (exactly two members, one of them the
// caller) or a group channel (more than two members).
func (s *Server) handleChatChannelCreate(w http.ResponseWriter, r *http.Request) {
	actx := mustIdentity(r)
	var req createChannelRequest
	if err := decodeJSON(r, &req); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}

	if len(req.Members) == 2 {
		other := req.Members[0]
		if other == actx.Identity {
			other = req.Members[1]
		}
		ch, err := s.chat.OpenDM(actx.Identity, other)
		if err != nil {
			herr.WriteError(w, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, ch, s.logger)
		return
	}

	members := req.Members
	if !containsIdentity(members, actx.Identity) {
		members = append(members, actx.Identity)
	}
	ch, err := s.chat.CreateGroup(members)
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, ch, s.logger)
}

func containsIdentity(members []string, identity string) bool {
	for _, m := range members {
		if m == identity {
			return true
		}
	}
	return false
}

// handleChatMessageList returns a channel's recent history.
func (s *Server) handleChatMessageList(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("id")
	limit := parseIntParam(r, "limit", 100)
	out, err := s.chat.History(channelID, limit)
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out}, s.logger)
}

type postMessageRequest struct {
	Body string `json:"body"`
}

// handleChatMessagePost posts a message from the caller to a channel.
func (s *Server) handleChatMessagePost(w http.ResponseWriter, r *http.Request) {
	actx := mustIdentity(r)
	channelID := r.PathValue("id")
	var req postMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	msg, err := s.chat.Post(r.Context(), channelID, actx.Identity, req.Body)
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg, s.logger)
}

// handleChatMarkRead records the caller has seen a channel through now.
func (s *Server) handleChatMarkRead(w http.ResponseWriter, r *http.Request) {
	actx := mustIdentity(r)
	channelID := r.PathValue("id")
	if err := s.chat.MarkRead(channelID, actx.Identity); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleChatTyping emits an ephemeral typing indicator for a channel on the
// shared chat event channel.
func (s *Server) handleChatTyping(w http.ResponseWriter, r *http.Request) {
	actx := mustIdentity(r)
	channelID := r.PathValue("id")
	s.chat.Typing(channelID, actx.Identity)
	w.WriteHeader(http.StatusNoContent)
}
