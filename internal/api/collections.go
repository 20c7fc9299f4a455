package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/noemahq/noema/internal/core"
	"github.com/noemahq/noema/internal/middleware"
	"github.com/noemahq/noema/internal/scheduler"
)

func (s *Server) handleCookCreate(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	var spec scheduler.CookSpec
	if err := decodeJSON(r, &spec); err != nil {
		writeError(w, err)
		return
	}

	cook, err := s.deps.Cooks.CreateCook(r.Context(), user.ID, spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cook)
}

func (s *Server) handleCookList(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())
	status := core.CookStatus(r.URL.Query().Get("status"))

	cooks, err := s.deps.Cooks.ListCooks(r.Context(), user.ID, status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"collections": cooks,
		"count":       len(cooks),
	})
}

func (s *Server) handleCookGet(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	cook, err := s.deps.Cooks.GetCook(r.Context(), mux.Vars(r)["id"], user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cook)
}

// cookTransition builds the start/pause/resume/stop handlers; they differ
// only in which scheduler operation runs.
func (s *Server) cookTransition(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := middleware.UserFrom(r.Context())
		cookID := mux.Vars(r)["id"]

		var cook *core.Cook
		var err error
		switch op {
		case "start":
			cook, err = s.deps.Cooks.StartCook(r.Context(), cookID, user.ID)
		case "pause":
			cook, err = s.deps.Cooks.PauseCook(r.Context(), cookID, user.ID)
		case "resume":
			cook, err = s.deps.Cooks.ResumeCook(r.Context(), cookID, user.ID)
		case "stop":
			cook, err = s.deps.Cooks.StopCook(r.Context(), cookID, user.ID)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cook)
	}
}

func (s *Server) handleCookReview(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	var body struct {
		GenerationID string `json:"generationId"`
		Accept       *bool  `json:"accept"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.GenerationID == "" || body.Accept == nil {
		writeError(w, core.E(core.KindInvalidInput, "body must be {generationId, accept}"))
		return
	}

	cook, err := s.deps.Cooks.Review(r.Context(), mux.Vars(r)["id"], user.ID, body.GenerationID, *body.Accept)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cook)
}

// handleCookExport queues the accepted pieces for packaging. The job id
// polls at /collections/{id}/export/{jobId}.
func (s *Server) handleCookExport(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	job, err := s.deps.Exporter.Enqueue(r.Context(), mux.Vars(r)["id"], user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleExportJob(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	job, ok := s.deps.Exporter.Job(mux.Vars(r)["jobId"])
	if !ok || job.MasterAccountID != user.ID {
		writeError(w, core.E(core.KindNotFound, "export job not found"))
		return
	}
	writeJSON(w, http.StatusOK, job)
}
