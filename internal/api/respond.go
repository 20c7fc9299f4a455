package api

import (
	"encoding/json"
	"net/http"

	"github.com/noemahq/noema/internal/core"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	writeJSON(w, core.HTTPStatus(kind), map[string]interface{}{
		"error": map[string]string{
			"code":    string(kind),
			"message": core.Message(err),
		},
	})
}

func decodeJSON(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return core.E(core.KindInvalidInput, "malformed JSON body: %v", err)
	}
	return nil
}
