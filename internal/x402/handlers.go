package x402

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/noemahq/noema/internal/core"
)

// Mount registers the pay-per-call routes on an /api/v1/x402 subrouter.
func (s *Service) Mount(r *mux.Router) {
	r.HandleFunc("/tools", s.handleTools).Methods(http.MethodGet)
	r.HandleFunc("/quote", s.handleQuote).Methods(http.MethodPost)
	r.HandleFunc("/generate", s.handleGenerate).Methods(http.MethodPost)
	r.HandleFunc("/status/{id}", s.handleStatus).Methods(http.MethodGet)
}

// handleTools lists every tool with its pay-per-call price.
func (s *Service) handleTools(w http.ResponseWriter, r *http.Request) {
	tools := s.tools.List()
	items := make([]map[string]interface{}, 0, len(tools))
	for i := range tools {
		req := s.RequirementFor(&tools[i], "/api/v1/x402/generate")
		items = append(items, map[string]interface{}{
			"toolId":       tools[i].ToolID,
			"displayName":  tools[i].DisplayName,
			"description":  tools[i].Description,
			"deliveryMode": tools[i].DeliveryMode,
			"amount":       req.Amount,
			"asset":        req.Asset,
			"network":      req.Network,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tools": items,
		"payTo": s.payTo,
	})
}

// handleQuote prices one tool without requiring payment.
func (s *Service) handleQuote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ToolID string `json:"toolId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ToolID == "" {
		writeError(w, core.E(core.KindInvalidInput, "body must be {toolId}"))
		return
	}

	tool, ok := s.tools.Resolve(body.ToolID)
	if !ok {
		writeError(w, core.E(core.KindNotFound, "unknown tool %q", body.ToolID))
		return
	}

	quote := s.PriceFor(tool)
	challenge := s.ChallengeFor(tool, "/api/v1/x402/generate")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"x402Version": challenge.X402Version,
		"accepts":     challenge.Accepts,
		"costUsd":     quote.FinalCostUsd.String(),
	})
}

// handleGenerate is the paid submission endpoint. Without an X-PAYMENT
// header it answers 402 with the exact terms; with one it settles the
// payment and dispatches the run.
func (s *Service) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ToolID string                 `json:"toolId"`
		Inputs map[string]interface{} `json:"inputs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ToolID == "" {
		writeError(w, core.E(core.KindInvalidInput, "body must be {toolId, inputs}"))
		return
	}

	tool, ok := s.tools.Resolve(body.ToolID)
	if !ok {
		writeError(w, core.E(core.KindNotFound, "unknown tool %q", body.ToolID))
		return
	}

	payment := r.Header.Get("X-PAYMENT")
	if payment == "" {
		challenge := s.ChallengeFor(tool, r.URL.Path)
		raw, _ := json.Marshal(challenge)
		w.Header().Set("X-PAYMENT-REQUIRED", string(raw))
		writeJSON(w, http.StatusPaymentRequired, challenge)
		return
	}

	result, err := s.Generate(r.Context(), payment, body.ToolID, body.Inputs, r.URL.Path)
	if err != nil {
		writeError(w, err)
		return
	}

	gen := result.Generation
	w.Header().Set("X-PAYMENT-RESPONSE", EncodeSettlement(gen.Metadata.X402))
	resp := map[string]interface{}{
		"generationId": gen.ID,
		"status":       gen.Status,
		"x402":         gen.Metadata.X402,
	}
	if gen.ResultPayload != nil {
		resp["outputs"] = gen.ResultPayload
	}
	if result.PollURL != "" {
		resp["pollUrl"] = result.PollURL
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// handleStatus polls a paid generation by id. The id itself is the
// capability; there is no API key on this surface.
func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	gen, err := s.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]interface{}{
		"generationId": gen.ID,
		"status":       gen.Status,
		"x402":         gen.Metadata.X402,
	}
	if gen.Progress > 0 {
		resp["progress"] = gen.Progress
	}
	if gen.ResultPayload != nil {
		resp["outputs"] = gen.ResultPayload
	}
	if gen.Error != nil {
		resp["error"] = gen.Error
	}
	writeJSON(w, http.StatusOK, resp)
}

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
