package x402

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/noemahq/noema/internal/core"
)

// Payment is the decoded X-PAYMENT envelope: an EIP-3009
// transferWithAuthorization signed by the payer, wrapped in the x402 v1
// scheme descriptor.
type Payment struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`
}

// ExactPayload carries the "exact" scheme's signed authorization.
type ExactPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// Authorization mirrors the EIP-3009 struct the payer signed. All numeric
// fields travel as decimal strings.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// DecodePayment parses an X-PAYMENT header: base64 over the JSON envelope.
func DecodePayment(header string) (*Payment, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, core.Wrap(core.KindInvalidInput, err, "X-PAYMENT is not valid base64")
	}
	var p Payment
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, core.Wrap(core.KindInvalidInput, err, "X-PAYMENT envelope is not valid JSON")
	}
	if p.Scheme != "exact" {
		return nil, core.E(core.KindInvalidInput, "unsupported payment scheme %q", p.Scheme)
	}
	if p.Payload.Authorization.From == "" || p.Payload.Signature == "" {
		return nil, core.E(core.KindInvalidInput, "payment envelope is missing the signed authorization")
	}
	return &p, nil
}

// EncodeSettlement renders the X-PAYMENT-RESPONSE header value.
func EncodeSettlement(s *core.X402Settlement) string {
	raw, _ := json.Marshal(s)
	return base64.StdEncoding.EncodeToString(raw)
}

// verifyResponse is the facilitator's answer to POST /verify.
type verifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// settleResponse is the facilitator's answer to POST /settle.
type settleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// facilitatorRequest is the shared body of /verify and /settle.
type facilitatorRequest struct {
	X402Version         int          `json:"x402Version"`
	PaymentPayload      *Payment     `json:"paymentPayload"`
	PaymentRequirements *Requirement `json:"paymentRequirements"`
}

// Facilitator talks to the external x402 facilitator service. It never
// touches chain state itself; verification and broadcast both happen on the
// facilitator's side.
type Facilitator struct {
	baseURL    string
	httpClient *http.Client
}

func NewFacilitator(baseURL string) *Facilitator {
	return &Facilitator{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Verify asks the facilitator to check the signature, balance and nonce
// without broadcasting anything.
func (f *Facilitator) Verify(ctx context.Context, payment *Payment, req *Requirement) (*verifyResponse, error) {
	var out verifyResponse
	if err := f.post(ctx, "/verify", payment, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Settle asks the facilitator to broadcast the transferWithAuthorization and
// waits for its receipt.
func (f *Facilitator) Settle(ctx context.Context, payment *Payment, req *Requirement) (*settleResponse, error) {
	var out settleResponse
	if err := f.post(ctx, "/settle", payment, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (f *Facilitator) post(ctx context.Context, path string, payment *Payment, req *Requirement, out interface{}) error {
	body, err := json.Marshal(facilitatorRequest{
		X402Version:         1,
		PaymentPayload:      payment,
		PaymentRequirements: req,
	})
	if err != nil {
		return core.Wrap(core.KindUpstreamFailed, err, "encoding facilitator request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return core.Wrap(core.KindUpstreamFailed, err, "building facilitator request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return core.Wrap(core.KindUpstreamFailed, err, "facilitator %s unreachable", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return core.E(core.KindUpstreamFailed, "facilitator %s returned %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return core.Wrap(core.KindUpstreamFailed, err, "decoding facilitator %s response", path)
	}
	return nil
}

// nonceKey identifies an authorization: EIP-3009 nonces are scoped to the
// payer address.
func nonceKey(a Authorization) string {
	return fmt.Sprintf("%s:%s", a.From, a.Nonce)
}
