package api

import (
	"net/http"

	"github.com/noemahq/noema/internal/core"
)

// handleAdminReward credits points outside the deposit flow: promotions,
// refunds, support gestures. Guarded by the internal admin key.
func (s *Server) handleAdminReward(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MasterAccountID string `json:"masterAccountId"`
		Points          int64  `json:"points"`
		Description     string `json:"description"`
		RewardType      string `json:"rewardType"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.MasterAccountID == "" || body.Points <= 0 {
		writeError(w, core.E(core.KindInvalidInput, "body must be {masterAccountId, points > 0}"))
		return
	}
	if body.RewardType == "" {
		body.RewardType = "manual"
	}

	entry, err := s.deps.Credits.CreditReward(r.Context(), body.MasterAccountID,
		body.Points, body.Description, body.RewardType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// handleAdminToolRefresh reloads the tool registry from the store without a
// restart.
func (s *Server) handleAdminToolRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Tools.Load(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Printf("Tool registry refreshed: %d tools", len(s.deps.Tools.List()))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"refreshed": true,
		"count":     len(s.deps.Tools.List()),
	})
}

func (s *Server) handleExportPause(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Reason == "" {
		writeError(w, core.E(core.KindInvalidInput, "pause requires a reason"))
		return
	}

	s.deps.Exporter.Pause(body.Reason)
	writeJSON(w, http.StatusOK, s.deps.Exporter.Status())
}

func (s *Server) handleExportResume(w http.ResponseWriter, r *http.Request) {
	s.deps.Exporter.Resume()
	writeJSON(w, http.StatusOK, s.deps.Exporter.Status())
}

func (s *Server) handleExportStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Exporter.Status())
}

// handleSweeperRunOnce reconciles provider instances against active
// trainings right now instead of waiting for the next tick.
func (s *Server) handleSweeperRunOnce(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sweeper == nil {
		writeError(w, core.E(core.KindUpstreamFailed, "sweeper is not configured on this deployment"))
		return
	}

	reaped, err := s.deps.Sweeper.RunOnce(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reaped": reaped})
}
