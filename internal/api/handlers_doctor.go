package api

import (
	"net/http"

	"github.com/biginformatics/hive/internal/buildinfo"
	"github.com/biginformatics/hive/internal/eventbus"
	"github.com/biginformatics/hive/internal/herr"
)

// handleDoctor reports process and subsystem liveness for operators:
// build/runtime info and how many SSE subscribers each reserved event
// channel currently has. Admin only.
func (s *Server) handleDoctor(w http.ResponseWriter, r *http.Request) {
	actx := mustIdentity(r)
	if err := requireAdmin(actx); err != nil {
		herr.WriteError(w, s.logger, err)
		return
	}

	subscribers := map[string]int{
		"broadcast": s.bus.SubscriberCount(eventbus.ChannelBroadcast),
		"swarm":     s.bus.SubscriberCount(eventbus.ChannelSwarm),
		"chat":      s.bus.SubscriberCount(eventbus.ChannelChat),
		"wake":      s.bus.SubscriberCount(eventbus.ChannelWake),
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"build":       buildinfo.BuildInfo(),
		"runtime":     buildinfo.RuntimeInfo(),
		"uptime":      buildinfo.Uptime().String(),
		"subscribers": subscribers,
	}, s.logger)
}
