package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/noemahq/noema/internal/core"
	"github.com/noemahq/noema/internal/middleware"
)

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	keys, err := s.deps.Keys.ListAPIKeys(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"keys":  keys,
		"count": len(keys),
	})
}

// handleMintKey issues an additional key for the account. The plaintext is
// in this response and nowhere else.
func (s *Server) handleMintKey(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	secret, prefix, hash := core.MintAPIKey()
	key := &core.APIKey{
		ID:              core.NewID(),
		MasterAccountID: user.ID,
		KeyPrefix:       prefix,
		SecretHash:      hash,
		Permissions:     []string{"generate", "spells", "collections", "trainings"},
		Status:          "active",
		CreatedAt:       core.Now(),
	}
	if err := s.deps.Keys.InsertAPIKey(r.Context(), key); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":        key.ID,
		"apiKey":    secret,
		"keyPrefix": key.KeyPrefix,
	})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	if err := s.deps.Keys.RevokeAPIKey(r.Context(), mux.Vars(r)["id"], user.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"revoked": true})
}
