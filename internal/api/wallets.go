package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/noemahq/noema/internal/middleware"
	"github.com/noemahq/noema/internal/walletlink"
)

// handleWalletInitiate opens a magic-amount link request. The caller sends
// exactly magicAmount wei from the wallet they want linked to
// depositToAddress before expiresAt.
func (s *Server) handleWalletInitiate(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	req, err := s.deps.Links.Initiate(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requestId":        req.RequestID,
		"magicAmount":      req.MagicAmountWei,
		"depositToAddress": req.DepositToAddress,
		"expiresAt":        req.ExpiresAt,
	})
}

// handleWalletStatus polls a link request. The minted API key rides along
// on every poll inside the reveal window; after the window lapses the
// request reports ALREADY_CLAIMED with 410.
func (s *Server) handleWalletStatus(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	req, apiKey, err := s.deps.Links.Status(r.Context(), mux.Vars(r)["requestId"])
	if err != nil {
		writeError(w, err)
		return
	}
	if req.MasterAccountID != user.ID {
		// Don't leak other accounts' requests.
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": map[string]string{"code": "NOT_FOUND", "message": "link request not found"},
		})
		return
	}

	body := map[string]interface{}{
		"requestId": req.RequestID,
		"status":    req.Status,
	}

	switch req.Status {
	case walletlink.StatusPending:
		body["expiresAt"] = req.ExpiresAt
		writeJSON(w, http.StatusAccepted, body)
	case walletlink.StatusCompleted:
		body["apiKey"] = apiKey
		body["walletAddress"] = req.WalletAddress
		writeJSON(w, http.StatusOK, body)
	case walletlink.StatusAlreadyClaimed:
		writeJSON(w, http.StatusGone, body)
	default: // EXPIRED
		writeJSON(w, http.StatusOK, body)
	}
}
