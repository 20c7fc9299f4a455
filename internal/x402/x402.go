// Package x402 is the pay-per-call entry point. Callers with no credit
// balance settle each generation with a signed USDC transfer instead: the
// gateway answers 402 with the exact payment terms, the client signs an
// EIP-3009 transferWithAuthorization, and an external facilitator verifies
// and broadcasts it. Settled calls run under a synthetic "x402:<payer>"
// account and never touch the points ledger.
package x402

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noemahq/noema/internal/core"
	"github.com/noemahq/noema/internal/engine"
	"github.com/noemahq/noema/internal/pricing"
	"github.com/noemahq/noema/internal/registry"
)

const (
	// network is Base mainnet in CAIP-2 form, the only chain the
	// facilitator settles on.
	network = "eip155:8453"

	// usdcAtomic converts USD to USDC atomic units (6 decimals).
	usdcAtomic = 1_000_000

	// maxTimeoutSeconds is how long the signed authorization stays
	// acceptable once the challenge is issued.
	maxTimeoutSeconds = 300

	// nonceRetention bounds the local replay cache. The facilitator is the
	// real authority; this just rejects obvious replays without a round trip.
	nonceRetention = 24 * time.Hour
)

// Requirement is one acceptable payment, as published in the 402 challenge
// and echoed back to the facilitator verbatim.
type Requirement struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	Asset             string `json:"asset"`
	Amount            string `json:"amount"` // atomic USDC units
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
	Resource          string `json:"resource,omitempty"`
	Description       string `json:"description,omitempty"`
}

// Challenge is the X-PAYMENT-REQUIRED payload.
type Challenge struct {
	X402Version int           `json:"x402Version"`
	Accepts     []Requirement `json:"accepts"`
	Error       string        `json:"error,omitempty"`
}

type executor interface {
	Execute(ctx context.Context, req engine.ExecuteRequest) (*engine.ExecuteResult, error)
}

type statusStore interface {
	FindGenerationByID(ctx context.Context, id string) (*core.Generation, error)
}

// Service owns the pay-per-call flow: pricing a tool into USDC terms,
// collecting a payment through the facilitator and dispatching the paid run.
type Service struct {
	exec        executor
	store       statusStore
	pricer      *pricing.Engine
	tools       *registry.Registry
	facilitator *Facilitator
	payTo       string
	asset       string
	nonces      *nonceCache
	logger      *log.Logger
}

func New(exec executor, st statusStore, pricer *pricing.Engine, tools *registry.Registry, facilitator *Facilitator, payTo, usdcAddress string) *Service {
	return &Service{
		exec:        exec,
		store:       st,
		pricer:      pricer,
		tools:       tools,
		facilitator: facilitator,
		payTo:       payTo,
		asset:       usdcAddress,
		nonces:      newNonceCache(),
		logger:      log.New(log.Writer(), "[X402] ", log.LstdFlags),
	}
}

// PriceFor quotes a tool at the standard tier. Pay-per-call users have no
// deposit history, so token-holder discounts never apply.
func (s *Service) PriceFor(tool *core.Tool) pricing.Quote {
	estimate := pricing.EstimateCost(tool)
	return s.pricer.QuoteCost(estimate, tool.Service, core.TierStandard)
}

// RequirementFor renders a tool's quote as USDC payment terms.
func (s *Service) RequirementFor(tool *core.Tool, resource string) Requirement {
	quote := s.PriceFor(tool)
	amount := quote.FinalCostUsd.Mul(decimal.NewFromInt(usdcAtomic)).Ceil()
	return Requirement{
		Scheme:            "exact",
		Network:           network,
		Asset:             s.asset,
		Amount:            amount.String(),
		PayTo:             s.payTo,
		MaxTimeoutSeconds: maxTimeoutSeconds,
		Resource:          resource,
		Description:       tool.DisplayName,
	}
}

// ChallengeFor builds the 402 body for a tool.
func (s *Service) ChallengeFor(tool *core.Tool, resource string) *Challenge {
	return &Challenge{
		X402Version: 1,
		Accepts:     []Requirement{s.RequirementFor(tool, resource)},
	}
}

// Collect decodes, verifies and settles an X-PAYMENT header against the
// given terms. A replayed EIP-3009 nonce fails with PAYMENT_ALREADY_USED;
// every other rejection from the facilitator surfaces as PAYMENT_REQUIRED so
// the client re-signs. The settlement that comes back is what gets attached
// to the generation record.
func (s *Service) Collect(ctx context.Context, paymentHeader string, req *Requirement) (*core.X402Settlement, error) {
	payment, err := DecodePayment(paymentHeader)
	if err != nil {
		return nil, err
	}

	key := nonceKey(payment.Payload.Authorization)
	if s.nonces.seen(key) {
		return nil, core.E(core.KindPaymentAlreadyUsed, "authorization nonce already spent")
	}

	verdict, err := s.facilitator.Verify(ctx, payment, req)
	if err != nil {
		return nil, err
	}
	if !verdict.IsValid {
		return nil, rejectionError(verdict.InvalidReason)
	}

	receipt, err := s.facilitator.Settle(ctx, payment, req)
	if err != nil {
		return nil, err
	}
	if !receipt.Success {
		return nil, rejectionError(receipt.ErrorReason)
	}
	s.nonces.record(key)

	payer := receipt.Payer
	if payer == "" {
		payer = payment.Payload.Authorization.From
	}
	costUsd := decimal.RequireFromString(req.Amount).
		Div(decimal.NewFromInt(usdcAtomic)).String()

	s.logger.Printf("✅ settled %s USDC units from %s (tx %s)", req.Amount, payer, receipt.Transaction)
	return &core.X402Settlement{
		Transaction: receipt.Transaction,
		Settled:     true,
		CostUsd:     costUsd,
		Payer:       payer,
	}, nil
}

// Generate runs the full paid pipeline: price the tool, collect the payment
// and hand the run to the engine under the payer's synthetic account.
// Inputs are validated before any money moves.
func (s *Service) Generate(ctx context.Context, paymentHeader, toolIdentifier string, inputs map[string]interface{}, resource string) (*engine.ExecuteResult, error) {
	tool, ok := s.tools.Resolve(toolIdentifier)
	if !ok {
		return nil, core.E(core.KindNotFound, "unknown tool %q", toolIdentifier)
	}
	if _, ferrs := registry.ValidateAndDefault(tool, inputs); len(ferrs) > 0 {
		return nil, core.E(core.KindInvalidInput, "invalid inputs for %s", tool.ToolID)
	}

	req := s.RequirementFor(tool, resource)
	settlement, err := s.Collect(ctx, paymentHeader, &req)
	if err != nil {
		return nil, err
	}

	result, err := s.exec.Execute(ctx, engine.ExecuteRequest{
		User:           &core.User{ID: "x402:" + settlement.Payer},
		ToolIdentifier: tool.ToolID,
		Inputs:         inputs,
		Platform:       "none",
		Meta:           core.GenerationMeta{X402: settlement},
	})
	if err != nil {
		// The transfer already landed on-chain. The record of it is the
		// facilitator receipt in the log line above.
		s.logger.Printf("❌ settled payment %s but execute failed: %v", settlement.Transaction, err)
		return nil, err
	}
	return result, nil
}

// Status fetches a pay-per-call generation. Records owned by credit-flow
// accounts are invisible on this surface.
func (s *Service) Status(ctx context.Context, generationID string) (*core.Generation, error) {
	gen, err := s.store.FindGenerationByID(ctx, generationID)
	if err != nil {
		return nil, err
	}
	if gen == nil || !strings.HasPrefix(gen.MasterAccountID, "x402:") {
		return nil, core.E(core.KindNotFound, "generation %s not found", generationID)
	}
	return gen, nil
}

// rejectionError maps a facilitator reason onto a domain kind. Nonce reuse
// gets its own kind so clients know to re-sign rather than re-send.
func rejectionError(reason string) error {
	lowered := strings.ToLower(reason)
	if strings.Contains(lowered, "nonce") || strings.Contains(lowered, "already") || strings.Contains(lowered, "replay") {
		return core.E(core.KindPaymentAlreadyUsed, "authorization already used: %s", reason)
	}
	if reason == "" {
		reason = "payment rejected"
	}
	return core.E(core.KindPaymentRequired, "%s", reason)
}

// nonceCache is the local replay guard. Entries expire after nonceRetention;
// by then the authorization's validBefore has long passed and the
// facilitator rejects it anyway.
type nonceCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func newNonceCache() *nonceCache {
	return &nonceCache{entries: make(map[string]time.Time)}
}

func (c *nonceCache) record(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, at := range c.entries {
		if now.Sub(at) > nonceRetention {
			delete(c.entries, k)
		}
	}
	c.entries[key] = now
}

func (c *nonceCache) seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}
