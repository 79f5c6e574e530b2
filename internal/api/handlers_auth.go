package api

import (
	"net/http"
	"time"

	"github.com/biginformatics/hive/internal/herr"
	"github.com/biginformatics/hive/internal/identity"
	"github.com/biginformatics/hive/internal/store"
)

// handleAuthVerify resolves the caller's bearer token and reports who it
// belongs to. withAuth lets this path through without a resolved identity
// (like register, ingest and the notebook websocket), so verification
// happens here directly.
func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	actx, err := s.auth.Authenticate(bearerToken(r))
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identity": actx.Identity,
		"isAdmin":  actx.IsAdmin,
	}, s.logger)
}

type registerRequest struct {
	Code     string `json:"code"`
	Identity string `json:"identity"`
}

// handleAuthRegister consumes an invite code and mints a mailbox token for
// a new identity.
func (s *Server) handleAuthRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	token, err := s.auth.RegisterViaInvite(req.Code, req.Identity, "")
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	u, err := s.store.GetUser(req.Identity)
	if err != nil {
		herr.WriteError(w, s.logger, herr.Wrap(herr.Internal, "load registered user", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identity": token.Identity,
		"token":    token.Token,
		"isAdmin":  u.IsAdmin,
		"message":  "registered",
	}, s.logger)
}

type createInviteRequest struct {
	IdentityHint   string `json:"identityHint"`
	IsAdmin        bool   `json:"isAdmin"`
	MaxUses        int    `json:"maxUses"`
	ExpiresInHours int    `json:"expiresInHours"`
}

// handleCreateInvite mints a new invite code. Admin only.
func (s *Server) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	actx := mustIdentity(r)
	if err := requireAdmin(actx); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	var req createInviteRequest
	if err := decodeJSON(r, &req); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	maxUses := req.MaxUses
	if maxUses <= 0 {
		maxUses = 1
	}
	var expiresAt *time.Time
	if req.ExpiresInHours > 0 {
		t := time.Now().UTC().Add(time.Duration(req.ExpiresInHours) * time.Hour)
		expiresAt = &t
	}

	inv, err := s.auth.CreateInvite(req.IdentityHint, req.IsAdmin, maxUses, actx.Identity, expiresAt)
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv, s.logger)
}

// ownerOrAdmin resolves the mailbox token by id and confirms the caller is
// either an admin or the token's own identity.
func (s *Server) ownerOrAdmin(r *http.Request, id string) (*store.MailboxToken, error) {
	actx := mustIdentity(r)
	tok, err := s.store.GetTokenByID(id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, herr.New(herr.NotFound, "token not found")
		}
		return nil, herr.Wrap(herr.Internal, "lookup token", err)
	}
	if !actx.IsAdmin && actx.Identity != tok.Identity {
		return nil, herr.New(herr.Forbidden, "not the token's owner")
	}
	return tok, nil
}

// handleTokenRevoke revokes a mailbox token by id. Admin or the token's
// own owner.
func (s *Server) handleTokenRevoke(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.ownerOrAdmin(r, id); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	if err := s.auth.RevokeToken(id); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	if s.webhook != nil {
		actx := identity.FromContext(r.Context())
		s.webhook.InvalidateIdentity(actx.Identity)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTokenRotate revokes a mailbox token and mints its replacement,
// carrying over webhook/backup-agent configuration. Admin or the token's
// own owner.
func (s *Server) handleTokenRotate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	old, err := s.ownerOrAdmin(r, id)
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	rotated, err := s.auth.RotateToken(*old)
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	if s.webhook != nil {
		s.webhook.InvalidateIdentity(old.Identity)
	}
	writeJSON(w, http.StatusOK, rotated, s.logger)
}
