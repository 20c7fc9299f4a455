package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/noemahq/noema/internal/middleware"
	"github.com/noemahq/noema/internal/scheduler"
)

func (s *Server) handleSpellCreate(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	var spec scheduler.SpellSpec
	if err := decodeJSON(r, &spec); err != nil {
		writeError(w, err)
		return
	}

	spell, err := s.deps.Spells.CreateSpell(r.Context(), user.ID, spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, spell)
}

func (s *Server) handleSpellList(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	spells, err := s.deps.Spells.ListSpells(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"spells": spells,
		"count":  len(spells),
	})
}

func (s *Server) handleSpellGet(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	spell, err := s.deps.Spells.GetSpell(r.Context(), mux.Vars(r)["slug"], user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spell)
}

func (s *Server) handleSpellDelete(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	if err := s.deps.Spells.DeleteSpell(r.Context(), mux.Vars(r)["slug"], user.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

// handleSpellCast starts a cast and answers immediately; steps run in the
// background and the caller polls the cast id.
func (s *Server) handleSpellCast(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	var body struct {
		Slug                 string                 `json:"slug"`
		Context              map[string]interface{} `json:"context"`
		NotificationPlatform string                 `json:"notificationPlatform"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}

	cast, err := s.deps.Spells.Cast(r.Context(), scheduler.CastRequest{
		Slug:     body.Slug,
		Caster:   user.ID,
		Context:  body.Context,
		Platform: body.NotificationPlatform,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"castId":  cast.ID,
		"slug":    cast.Slug,
		"status":  cast.Status,
		"pollUrl": "/api/v1/spells/casts/" + cast.ID,
	})
}

func (s *Server) handleSpellCastStatus(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	cast, err := s.deps.Spells.GetCast(r.Context(), mux.Vars(r)["castId"], user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cast)
}
