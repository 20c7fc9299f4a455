package x402

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noemahq/noema/internal/core"
	"github.com/noemahq/noema/internal/engine"
	"github.com/noemahq/noema/internal/pricing"
	"github.com/noemahq/noema/internal/registry"
)

// ============================================================================
// FIXTURES
// ============================================================================

// fakeFacilitator scripts /verify and /settle responses.
type fakeFacilitator struct {
	mu            sync.Mutex
	verifyCalls   int32
	settleCalls   int32
	invalidReason string // when set, /verify answers isValid:false
	settleReason  string // when set, /settle answers success:false
	payer         string
}

func (f *fakeFacilitator) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Path {
		case "/verify":
			atomic.AddInt32(&f.verifyCalls, 1)
			if f.invalidReason != "" {
				json.NewEncoder(w).Encode(map[string]interface{}{
					"isValid": false, "invalidReason": f.invalidReason,
				})
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"isValid": true, "payer": f.payer,
			})
		case "/settle":
			atomic.AddInt32(&f.settleCalls, 1)
			if f.settleReason != "" {
				json.NewEncoder(w).Encode(map[string]interface{}{
					"success": false, "errorReason": f.settleReason,
				})
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"success": true, "transaction": "0xfeedbeef", "network": "eip155:8453", "payer": f.payer,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

// fakeExecutor records requests and mints a record the way the engine would.
type fakeExecutor struct {
	mu       sync.Mutex
	requests []engine.ExecuteRequest
}

func (f *fakeExecutor) Execute(_ context.Context, req engine.ExecuteRequest) (*engine.ExecuteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	gen := &core.Generation{
		ID:              core.NewID(),
		MasterAccountID: req.User.ID,
		ToolID:          req.ToolIdentifier,
		Status:          core.GenPending,
		Metadata:        req.Meta,
	}
	return &engine.ExecuteResult{Generation: gen, PollURL: "/api/v1/x402/status/" + gen.ID}, nil
}

func (f *fakeExecutor) last(t *testing.T) engine.ExecuteRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

type fakeGenStore struct {
	mu   sync.Mutex
	gens map[string]*core.Generation
}

func (f *fakeGenStore) FindGenerationByID(_ context.Context, id string) (*core.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.gens[id]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

type fixture struct {
	svc  *Service
	exec *fakeExecutor
	fac  *fakeFacilitator
	st   *fakeGenStore
	mux  *mux.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	fac := &fakeFacilitator{payer: "0xPayer"}
	srv := httptest.NewServer(fac.handler())
	t.Cleanup(srv.Close)

	reg := registry.New(nil)
	reg.Replace([]core.Tool{{
		ToolID:       "dream",
		DisplayName:  "Dreamscape",
		Service:      "comfyui",
		DeliveryMode: "async",
		InputSchema: core.ToolSchema{Params: []core.ToolParam{
			{Name: "input_prompt", Type: "string", Required: true},
		}},
		Costing: core.CostingModel{Kind: "static", Amount: decimal.RequireFromString("0.022"), Unit: "run"},
	}})

	pricer := pricing.NewEngine(pricing.Table{
		Version:     "test",
		Multipliers: map[string]map[string]float64{"comfyui": {"standard": 2.0}},
	})

	exec := &fakeExecutor{}
	st := &fakeGenStore{gens: make(map[string]*core.Generation)}
	svc := New(exec, st, pricer, reg, NewFacilitator(srv.URL),
		"0xPayToAddress", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")

	r := mux.NewRouter()
	svc.Mount(r.PathPrefix("/api/v1/x402").Subrouter())
	return &fixture{svc: svc, exec: exec, fac: fac, st: st, mux: r}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

// signedPayment builds a well-formed X-PAYMENT header.
func signedPayment(nonce string) string {
	raw, _ := json.Marshal(Payment{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "eip155:8453",
		Payload: ExactPayload{
			Signature: "0xsigned",
			Authorization: Authorization{
				From:        "0xPayer",
				To:          "0xPayToAddress",
				Value:       "44000",
				ValidAfter:  "0",
				ValidBefore: "99999999999",
				Nonce:       nonce,
			},
		},
	})
	return base64.StdEncoding.EncodeToString(raw)
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

// ============================================================================
// CHALLENGE
// ============================================================================

func TestGenerateWithoutPaymentIssuesChallenge(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/x402/generate",
		map[string]interface{}{"toolId": "dream", "inputs": map[string]interface{}{"input_prompt": "a fox"}}, nil)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var challenge Challenge
	require.NoError(t, json.Unmarshal([]byte(rec.Header().Get("X-PAYMENT-REQUIRED")), &challenge))
	require.Len(t, challenge.Accepts, 1)

	acc := challenge.Accepts[0]
	assert.Equal(t, "exact", acc.Scheme)
	assert.Equal(t, "eip155:8453", acc.Network)
	assert.Equal(t, "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", acc.Asset)
	assert.Equal(t, "0xPayToAddress", acc.PayTo)
	// 0.022 USD compute at a 2.0 multiplier is 0.044 USD, 44000 atomic units.
	assert.Equal(t, "44000", acc.Amount)
	assert.Equal(t, 300, acc.MaxTimeoutSeconds)

	var body Challenge
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, challenge.Accepts, body.Accepts)

	assert.Empty(t, f.exec.requests, "nothing runs before payment")
}

func TestQuotePricesWithoutPayment(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/x402/quote", map[string]string{"toolId": "dream"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Accepts []Requirement `json:"accepts"`
		CostUsd string        `json:"costUsd"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "0.044", body.CostUsd)
	require.Len(t, body.Accepts, 1)
	assert.Equal(t, "44000", body.Accepts[0].Amount)

	assert.EqualValues(t, 0, atomic.LoadInt32(&f.fac.verifyCalls))
}

func TestToolsListsPricedCatalog(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/x402/tools", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Tools []map[string]interface{} `json:"tools"`
		PayTo string                   `json:"payTo"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Tools, 1)
	assert.Equal(t, "dream", body.Tools[0]["toolId"])
	assert.Equal(t, "44000", body.Tools[0]["amount"])
	assert.Equal(t, "0xPayToAddress", body.PayTo)
}

// ============================================================================
// SETTLEMENT
// ============================================================================

func TestGenerateSettlesAndDispatches(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/x402/generate",
		map[string]interface{}{"toolId": "dream", "inputs": map[string]interface{}{"input_prompt": "a fox"}},
		map[string]string{"X-PAYMENT": signedPayment("0xn1")})

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var body struct {
		GenerationID string              `json:"generationId"`
		Status       string              `json:"status"`
		X402         core.X402Settlement `json:"x402"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.GenerationID)
	assert.Equal(t, "0xfeedbeef", body.X402.Transaction)
	assert.True(t, body.X402.Settled)
	assert.Equal(t, "0.044", body.X402.CostUsd)
	assert.Equal(t, "0xPayer", body.X402.Payer)

	req := f.exec.last(t)
	assert.Equal(t, "x402:0xPayer", req.User.ID)
	assert.Equal(t, "none", req.Platform)
	require.NotNil(t, req.Meta.X402)
	assert.Equal(t, "0xfeedbeef", req.Meta.X402.Transaction)

	var echoed core.X402Settlement
	raw, err := base64.StdEncoding.DecodeString(rec.Header().Get("X-PAYMENT-RESPONSE"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &echoed))
	assert.Equal(t, "0xfeedbeef", echoed.Transaction)

	assert.EqualValues(t, 1, atomic.LoadInt32(&f.fac.verifyCalls))
	assert.EqualValues(t, 1, atomic.LoadInt32(&f.fac.settleCalls))
}

func TestGenerateRejectsReplayedNonce(t *testing.T) {
	f := newFixture(t)
	body := map[string]interface{}{"toolId": "dream", "inputs": map[string]interface{}{"input_prompt": "a fox"}}
	headers := map[string]string{"X-PAYMENT": signedPayment("0xsame")}

	first := f.do(t, http.MethodPost, "/api/v1/x402/generate", body, headers)
	require.Equal(t, http.StatusAccepted, first.Code)

	second := f.do(t, http.MethodPost, "/api/v1/x402/generate", body, headers)
	require.Equal(t, http.StatusPaymentRequired, second.Code)
	assert.Equal(t, "PAYMENT_ALREADY_USED", errCode(t, second))

	// The replay never reached the facilitator.
	assert.EqualValues(t, 1, atomic.LoadInt32(&f.fac.verifyCalls))
	assert.EqualValues(t, 1, atomic.LoadInt32(&f.fac.settleCalls))
	assert.Len(t, f.exec.requests, 1)
}

func TestFacilitatorRejectionsMapToKinds(t *testing.T) {
	f := newFixture(t)
	body := map[string]interface{}{"toolId": "dream", "inputs": map[string]interface{}{"input_prompt": "a fox"}}

	f.fac.mu.Lock()
	f.fac.invalidReason = "insufficient_funds"
	f.fac.mu.Unlock()
	rec := f.do(t, http.MethodPost, "/api/v1/x402/generate", body,
		map[string]string{"X-PAYMENT": signedPayment("0xn2")})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "PAYMENT_REQUIRED", errCode(t, rec))

	f.fac.mu.Lock()
	f.fac.invalidReason = ""
	f.fac.settleReason = "nonce_already_used"
	f.fac.mu.Unlock()
	rec = f.do(t, http.MethodPost, "/api/v1/x402/generate", body,
		map[string]string{"X-PAYMENT": signedPayment("0xn3")})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "PAYMENT_ALREADY_USED", errCode(t, rec))

	assert.Empty(t, f.exec.requests)
}

func TestGenerateValidatesInputsBeforePayment(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/x402/generate",
		map[string]interface{}{"toolId": "dream", "inputs": map[string]interface{}{}},
		map[string]string{"X-PAYMENT": signedPayment("0xn4")})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", errCode(t, rec))
	assert.EqualValues(t, 0, atomic.LoadInt32(&f.fac.verifyCalls), "no money moves for invalid inputs")
}

// ============================================================================
// ENVELOPE + STATUS
// ============================================================================

func TestDecodePaymentRejectsMalformedEnvelopes(t *testing.T) {
	_, err := DecodePayment("not base64!!!")
	assert.True(t, core.IsKind(err, core.KindInvalidInput))

	bad := base64.StdEncoding.EncodeToString([]byte(`{"scheme":"stream"}`))
	_, err = DecodePayment(bad)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))

	missing := base64.StdEncoding.EncodeToString([]byte(`{"scheme":"exact","payload":{}}`))
	_, err = DecodePayment(missing)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
}

func TestStatusOnlyServesPaidRecords(t *testing.T) {
	f := newFixture(t)
	paid := &core.Generation{
		ID:              "G-paid",
		MasterAccountID: "x402:0xPayer",
		Status:          core.GenCompleted,
		ResultPayload:   map[string]interface{}{"url": "https://cdn.example/x.png"},
		Metadata:        core.GenerationMeta{X402: &core.X402Settlement{Transaction: "0xfeedbeef", Settled: true}},
	}
	credit := &core.Generation{ID: "G-credit", MasterAccountID: "U1", Status: core.GenCompleted}
	f.st.gens[paid.ID] = paid
	f.st.gens[credit.ID] = credit

	rec := f.do(t, http.MethodGet, "/api/v1/x402/status/G-paid", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "completed", body["status"])
	assert.NotNil(t, body["outputs"])

	rec = f.do(t, http.MethodGet, "/api/v1/x402/status/G-credit", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/x402/status/G-nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
