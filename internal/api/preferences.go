package api

import (
	"net/http"

	"github.com/noemahq/noema/internal/core"
	"github.com/noemahq/noema/internal/middleware"
)

// handleGetPreferences returns the caller's preference document. Accounts
// that never saved one get empty defaults, not a 404.
func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	prefs, err := s.deps.Prefs.GetPreferences(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// handlePutPreferences replaces the caller's preference document wholesale.
func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	var body struct {
		NotificationPlatform string                 `json:"notificationPlatform"`
		DefaultParams        map[string]interface{} `json:"defaultParams"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	switch body.NotificationPlatform {
	case "", "none", "telegram", "discord", "web", "webhook":
	default:
		writeError(w, core.E(core.KindInvalidInput,
			"notificationPlatform %q is not a delivery target", body.NotificationPlatform))
		return
	}

	prefs := &core.UserPreferences{
		MasterAccountID:      user.ID,
		NotificationPlatform: body.NotificationPlatform,
		DefaultParams:        body.DefaultParams,
	}
	if err := s.deps.Prefs.SavePreferences(r.Context(), prefs); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// applyPreferences fills request gaps from the caller's saved preferences:
// the notification platform when the body names none, and default parameter
// values for input keys the body leaves unset. Explicit values always win.
func (s *Server) applyPreferences(r *http.Request, user *core.User, platform string, inputs map[string]interface{}) (string, map[string]interface{}) {
	if s.deps.Prefs == nil {
		return platform, inputs
	}
	prefs, err := s.deps.Prefs.GetPreferences(r.Context(), user.ID)
	if err != nil {
		s.logger.Printf("⚠️ preferences lookup for %s failed, proceeding without: %v", user.ID, err)
		return platform, inputs
	}
	if platform == "" {
		platform = prefs.NotificationPlatform
	}
	if len(prefs.DefaultParams) > 0 {
		if inputs == nil {
			inputs = make(map[string]interface{}, len(prefs.DefaultParams))
		}
		for k, v := range prefs.DefaultParams {
			if _, ok := inputs[k]; !ok {
				inputs[k] = v
			}
		}
	}
	return platform, inputs
}
