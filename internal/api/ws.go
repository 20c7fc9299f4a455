package api

import (
	"net/http"

	"github.com/noemahq/noema/internal/core"
)

// handleWS upgrades to a WebSocket scoped to the authenticated account.
// The key rides in ?token= because browsers cannot set headers on upgrade
// requests.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	user, err := s.deps.Auth.ResolveKey(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, err)
		return
	}
	if s.deps.Hub == nil {
		writeError(w, core.E(core.KindUpstreamFailed, "realtime delivery is not configured"))
		return
	}
	s.deps.Hub.ServeWS(w, r, user.ID)
}
