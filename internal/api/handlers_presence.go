package api

import (
	"net/http"

	"github.com/biginformatics/hive/internal/herr"
	"github.com/biginformatics/hive/internal/wake"
)

// handlePresence reports the last-seen state of every identity the tracker
// has ever touched.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.presence.Snapshot(), s.logger)
}

// handleWake assembles the caller's wake payload: unread mail, pending
// commitments, assigned swarm work, and undelivered broadcast buzz.
func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	actx := mustIdentity(r)
	includeOffHours := parseBoolParam(r, "includeOffHours")

	payload, err := s.wake.Get(actx.Identity, wake.Options{IncludeOffHours: includeOffHours})
	if err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, payload, s.logger)
}

// handleStream upgrades the caller to a server-sent events stream and
// blocks until the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	actx := mustIdentity(r)
	s.sseGateway.ServeHTTP(w, r, actx.Identity)
}
