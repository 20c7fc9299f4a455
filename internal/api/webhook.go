package api

import (
	"crypto/subtle"
	"io"
	"net/http"

	"github.com/noemahq/noema/internal/core"
)

// maxWebhookBody bounds provider callbacks; outputs ride in them so the
// limit is generous.
const maxWebhookBody = 4 << 20

// handleComfyWebhook ingests ComfyDeploy run callbacks. The shared secret
// arrives as a query token; the body is normalised by the runtime and fed
// to the engine's per-run mailbox. Replies are always fast — the engine
// does the real work asynchronously.
func (s *Server) handleComfyWebhook(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if s.deps.WebhookToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.WebhookToken)) != 1 {
		s.logger.Printf("🚫 webhook rejected: bad token from %s", r.RemoteAddr)
		writeError(w, core.E(core.KindUnauthorized, "invalid webhook token"))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, core.E(core.KindInvalidInput, "unreadable webhook body"))
		return
	}

	ev, err := s.deps.Comfy.ParseWebhook(payload)
	if err != nil {
		writeError(w, err)
		return
	}

	s.deps.Sink.HandleRuntimeEvent(ev)
	writeJSON(w, http.StatusOK, map[string]interface{}{"received": true})
}
