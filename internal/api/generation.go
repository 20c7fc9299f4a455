package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/noemahq/noema/internal/core"
	"github.com/noemahq/noema/internal/engine"
	"github.com/noemahq/noema/internal/middleware"
)

// handleExecute submits a generation. Async tools answer 202 with a poll
// URL; immediate tools answer 200 with the finished record.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ToolID               string                 `json:"toolId"`
		Inputs               map[string]interface{} `json:"inputs"`
		NotificationPlatform string                 `json:"notificationPlatform"`
		// DeliveryMode is the documented name for the same knob; an explicit
		// "none" suppresses delivery even when preferences name a platform.
		DeliveryMode string `json:"deliveryMode"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.ToolID == "" {
		writeError(w, core.E(core.KindInvalidInput, "toolId is required"))
		return
	}
	requested := body.NotificationPlatform
	if requested == "" {
		requested = body.DeliveryMode
	}

	user := middleware.UserFrom(r.Context())
	platform, inputs := s.applyPreferences(r, user, requested, body.Inputs)
	res, err := s.deps.Engine.Execute(r.Context(), engine.ExecuteRequest{
		User:           user,
		ToolIdentifier: body.ToolID,
		Inputs:         inputs,
		Platform:       platform,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	gen := res.Generation
	if gen.Status.Terminal() {
		writeJSON(w, http.StatusOK, generationView(gen))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"generationId": gen.ID,
		"status":       gen.Status,
		"pollUrl":      res.PollURL,
	})
}

func (s *Server) handleGenerationStatus(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())
	gen, err := s.deps.Engine.Status(r.Context(), mux.Vars(r)["id"], user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, generationView(gen))
}

func (s *Server) handleGenerationCancel(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())
	gen, err := s.deps.Engine.Cancel(r.Context(), mux.Vars(r)["id"], user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, generationView(gen))
}

// generationView is the wire shape of a generation record. Cost appears as
// a decimal string; zero-value optionals are dropped.
func generationView(gen *core.Generation) map[string]interface{} {
	view := map[string]interface{}{
		"generationId":   gen.ID,
		"toolId":         gen.ToolID,
		"status":         gen.Status,
		"deliveryStatus": gen.DeliveryStatus,
		"costUsd":        gen.CostUsd.String(),
		"pointsSpent":    gen.PointsSpent,
	}
	if gen.Progress > 0 {
		view["progress"] = gen.Progress
	}
	if gen.LiveStatus != "" {
		view["liveStatus"] = gen.LiveStatus
	}
	if gen.DurationMs > 0 {
		view["durationMs"] = gen.DurationMs
	}
	if gen.ResultPayload != nil {
		view["outputs"] = gen.ResultPayload
	}
	if gen.Error != nil {
		view["error"] = gen.Error
	}
	return view
}

func (s *Server) handlePoints(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	points, err := s.deps.Credits.Balance(r.Context(), user)
	if err != nil {
		writeError(w, err)
		return
	}
	tier, err := s.deps.Credits.TierFor(r.Context(), user)
	if err != nil {
		writeError(w, err)
		return
	}
	eco, err := s.deps.Credits.Economy(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"masterAccountId": user.ID,
		"points":          points,
		"tier":            tier,
		"lifetime": map[string]int64{
			"pointsCredited": eco.PointsCredited,
			"pointsSpent":    eco.PointsSpent,
			"deposits":       eco.Deposits,
			"spends":         eco.Spends,
		},
	})
}

func (s *Server) handlePointsHistory(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())
	limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)

	entries, err := s.deps.Credits.History(r.Context(), user.ID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}
