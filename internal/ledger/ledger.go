// Package ledger is the credit authority: it records deposits, answers
// balance and tier queries, and executes atomic FIFO debits across deposits.
package ledger

import (
	"context"
	"log"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noemahq/noema/internal/core"
	"github.com/noemahq/noema/internal/pricing"
)

// depositStore is the slice of the persistence layer the ledger needs.
type depositStore interface {
	RecordDepositIfNew(ctx context.Context, dep *core.Deposit) (*core.Deposit, bool, error)
	InsertLedgerEntry(ctx context.Context, entry *core.Deposit) error
	ConfirmDeposit(ctx context.Context, depositID string, confirmations int64) error
	FindDepositByTxHash(ctx context.Context, txHash string) (*core.Deposit, error)
	FindDepositByID(ctx context.Context, depositID string) (*core.Deposit, error)
	FindActiveDepositsForUser(ctx context.Context, masterAccountID string) ([]core.Deposit, error)
	FindActiveDepositsForWallet(ctx context.Context, address string) ([]core.Deposit, error)
	DeductPointsFromDeposit(ctx context.Context, depositID string, amount int64) (bool, error)
	SumPointsRemainingForUser(ctx context.Context, masterAccountID string) (int64, error)
	SumPointsRemainingForWallet(ctx context.Context, address string) (int64, error)
	HasConfirmedDepositForToken(ctx context.Context, masterAccountID, tokenAddress string) (bool, error)
	ListDepositsForUser(ctx context.Context, masterAccountID string, limit int64) ([]core.Deposit, error)
	BumpEconomy(ctx context.Context, masterAccountID string, credited, spent int64) error
	GetEconomy(ctx context.Context, masterAccountID string) (*core.UserEconomy, error)
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Deduction is one slice of a spend, in the order it was taken.
type Deduction struct {
	DepositID      string  `json:"depositId"`
	PointsDeducted int64   `json:"pointsDeducted"`
	FundingRate    float64 `json:"fundingRate"`
	TokenAddress   string  `json:"tokenAddress"`
}

// Service owns all credit mutations. Spend is all-or-nothing: either every
// deduction commits or none do.
type Service struct {
	store    depositStore
	ms2Token string // lowercased MS2 token contract, "" disables the ms2 tier
	logger   *log.Logger
}

func New(st depositStore, ms2TokenAddress string) *Service {
	return &Service{
		store:    st,
		ms2Token: strings.ToLower(ms2TokenAddress),
		logger:   log.New(log.Writer(), "[LEDGER] ", log.LstdFlags),
	}
}

// PointsForUSD converts a USD value into points, flooring so fractional
// points are never minted.
func PointsForUSD(usd decimal.Decimal) int64 {
	return usd.Mul(pricing.PointsPerUSD).Floor().IntPart()
}

// ============================================================================
// DEPOSITS
// ============================================================================

// DepositParams describes an observed on-chain deposit.
type DepositParams struct {
	MasterAccountID  string
	DepositorAddress string
	TokenAddress     string
	TxHash           string
	UsdValue         decimal.Decimal
	FundingRate      float64
	Confirmed        bool // true when the oracle already counted confirmations
	Confirmations    int64
	Description      string
}

// RecordDeposit registers a deposit idempotently by tx hash. The bool
// reports whether this call created the entry; replays return the original.
func (s *Service) RecordDeposit(ctx context.Context, p DepositParams) (*core.Deposit, bool, error) {
	if p.TxHash == "" {
		return nil, false, core.E(core.KindInvalidInput, "deposit requires a tx hash")
	}
	points := PointsForUSD(p.UsdValue)
	if points <= 0 {
		return nil, false, core.E(core.KindInvalidInput, "deposit of %s USD credits no points", p.UsdValue.String())
	}

	status := core.DepositPending
	if p.Confirmed {
		status = core.DepositConfirmed
	}
	dep := &core.Deposit{
		ID:                 core.NewID(),
		MasterAccountID:    p.MasterAccountID,
		DepositorAddress:   p.DepositorAddress,
		TokenAddress:       p.TokenAddress,
		UsdValue:           p.UsdValue,
		PointsCredited:     points,
		PointsRemaining:    points,
		FundingRateApplied: p.FundingRate,
		Status:             status,
		DepositTxHash:      p.TxHash,
		Description:        p.Description,
		Confirmations:      p.Confirmations,
		CreatedAt:          core.Now(),
	}

	saved, inserted, err := s.store.RecordDepositIfNew(ctx, dep)
	if err != nil {
		return nil, false, err
	}
	if inserted {
		s.logger.Printf("✅ Recorded deposit %s: %d points (tx %s, rate %.4f)",
			saved.ID, points, saved.DepositTxHash, p.FundingRate)
		if saved.Status == core.DepositConfirmed {
			s.bumpEconomy(ctx, saved.MasterAccountID, saved.PointsCredited, 0)
		}
	} else {
		s.logger.Printf("Deposit tx %s already recorded as %s, skipping", saved.DepositTxHash, saved.ID)
	}
	return saved, inserted, nil
}

// Confirm flips a pending deposit to CONFIRMED once the oracle has counted
// enough confirmations. Idempotent: confirming a confirmed deposit is a
// no-op.
func (s *Service) Confirm(ctx context.Context, txHash string, confirmations int64) (*core.Deposit, error) {
	dep, err := s.store.FindDepositByTxHash(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if dep == nil {
		return nil, core.E(core.KindNotFound, "no deposit recorded for tx %s", txHash)
	}
	if dep.Status != core.DepositPending {
		return dep, nil
	}
	if err := s.store.ConfirmDeposit(ctx, dep.ID, confirmations); err != nil {
		if core.IsKind(err, core.KindConflict) {
			// Lost the race to another confirmer; the deposit is confirmed.
			return s.store.FindDepositByTxHash(ctx, txHash)
		}
		return nil, err
	}
	dep.Status = core.DepositConfirmed
	dep.Confirmations = confirmations
	s.logger.Printf("✅ Confirmed deposit %s (%d points) after %d confirmations", dep.ID, dep.PointsCredited, confirmations)
	s.bumpEconomy(ctx, dep.MasterAccountID, dep.PointsCredited, 0)
	return dep, nil
}

// CreditReward grants free points. Rewards carry funding rate 0 so they are
// always spent before paid credits.
func (s *Service) CreditReward(ctx context.Context, masterAccountID string, points int64, description, rewardType string) (*core.Deposit, error) {
	if points <= 0 {
		return nil, core.E(core.KindInvalidInput, "reward points must be positive, got %d", points)
	}
	entry := &core.Deposit{
		ID:                 core.NewID(),
		MasterAccountID:    masterAccountID,
		PointsCredited:     points,
		PointsRemaining:    points,
		FundingRateApplied: 0,
		Status:             core.DepositConfirmed,
		RewardType:         rewardType,
		Description:        description,
		CreatedAt:          core.Now(),
	}
	if err := s.store.InsertLedgerEntry(ctx, entry); err != nil {
		return nil, err
	}
	s.logger.Printf("✅ Credited %d reward points to %s (%s)", points, masterAccountID, rewardType)
	s.bumpEconomy(ctx, masterAccountID, points, 0)
	return entry, nil
}

// RecordDebt books points that were consumed but could not be settled, so
// the balance owed survives restarts. Debt entries never join the FIFO pool.
func (s *Service) RecordDebt(ctx context.Context, masterAccountID string, points int64, generationID, description string) error {
	entry := &core.Deposit{
		ID:              core.NewID(),
		MasterAccountID: masterAccountID,
		PointsCredited:  -points,
		PointsRemaining: 0,
		Status:          core.DepositExhausted,
		RewardType:      "debt",
		Description:     description,
		GenerationID:    generationID,
		CreatedAt:       core.Now(),
	}
	if err := s.store.InsertLedgerEntry(ctx, entry); err != nil {
		return err
	}
	s.logger.Printf("⚠️ Recorded debt of %d points for %s (generation %s)", points, masterAccountID, generationID)
	return nil
}

// ============================================================================
// BALANCE / TIER
// ============================================================================

// Quote is the non-mutating feasibility check: does the user have at least
// pointsToSpend available. Wallet-keyed deposits are consulted only when no
// user-keyed deposits exist.
func (s *Service) Quote(ctx context.Context, user *core.User, pointsToSpend int64) error {
	total, err := s.Balance(ctx, user)
	if err != nil {
		return err
	}
	if total < pointsToSpend {
		return core.E(core.KindInsufficientFunds, "need %d points, have %d", pointsToSpend, total)
	}
	return nil
}

// Balance sums active points for the user, falling back to wallet-keyed
// deposits for accounts created before wallet linking.
func (s *Service) Balance(ctx context.Context, user *core.User) (int64, error) {
	total, err := s.store.SumPointsRemainingForUser(ctx, user.ID)
	if err != nil {
		return 0, err
	}
	if total > 0 {
		return total, nil
	}
	for _, w := range user.Wallets {
		walletTotal, err := s.store.SumPointsRemainingForWallet(ctx, w.Address)
		if err != nil {
			return 0, err
		}
		total += walletTotal
	}
	return total, nil
}

// TierFor resolves the user's pricing tier: ms2 iff they hold at least one
// CONFIRMED deposit of the MS2 token, compared case-insensitively.
func (s *Service) TierFor(ctx context.Context, user *core.User) (core.Tier, error) {
	if s.ms2Token == "" || user == nil {
		return core.TierStandard, nil
	}
	has, err := s.store.HasConfirmedDepositForToken(ctx, user.ID, s.ms2Token)
	if err != nil {
		return core.TierStandard, err
	}
	if has {
		return core.TierMS2, nil
	}
	return core.TierStandard, nil
}

// History lists the user's ledger entries, newest first.
func (s *Service) History(ctx context.Context, masterAccountID string, limit int64) ([]core.Deposit, error) {
	return s.store.ListDepositsForUser(ctx, masterAccountID, limit)
}

// Economy returns the account's lifetime credit/spend counters.
func (s *Service) Economy(ctx context.Context, masterAccountID string) (*core.UserEconomy, error) {
	return s.store.GetEconomy(ctx, masterAccountID)
}

// bumpEconomy folds a committed mutation into the lifetime counters. The
// counters are advisory, so a failed bump logs and moves on — it must never
// undo a credit or abort a spend that already landed.
func (s *Service) bumpEconomy(ctx context.Context, masterAccountID string, credited, spent int64) {
	if masterAccountID == "" {
		return
	}
	if err := s.store.BumpEconomy(ctx, masterAccountID, credited, spent); err != nil {
		s.logger.Printf("⚠️ Lifetime counters for %s not updated: %v", masterAccountID, err)
	}
}

// ============================================================================
// SPEND
// ============================================================================

// Spend debits pointsToSpend across the user's deposits inside its own
// transaction. See SpendIn for the walk.
func (s *Service) Spend(ctx context.Context, user *core.User, pointsToSpend int64, description string) ([]Deduction, error) {
	var deductions []Deduction
	err := s.store.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		deductions, err = s.SpendIn(txCtx, user, pointsToSpend, description)
		return err
	})
	if err != nil {
		return nil, err
	}
	return deductions, nil
}

// SpendIn runs the FIFO debit walk inside the caller's transaction context.
// Deposits are consumed cheapest funding rate first, oldest first on ties.
// A deduction that loses a conditional-update race reloads that one deposit
// and retries once before moving on. If the walk ends short the transaction
// must abort, so an INSUFFICIENT_FUNDS error is returned.
func (s *Service) SpendIn(ctx context.Context, user *core.User, pointsToSpend int64, description string) ([]Deduction, error) {
	if pointsToSpend <= 0 {
		return nil, core.E(core.KindInvalidInput, "spend must be positive, got %d", pointsToSpend)
	}

	candidates, err := s.loadCandidates(ctx, user)
	if err != nil {
		return nil, err
	}

	need := pointsToSpend
	deductions := make([]Deduction, 0, 2)
	for i := range candidates {
		if need <= 0 {
			break
		}
		dep := &candidates[i]
		take := min64(need, dep.PointsRemaining)
		if take <= 0 {
			continue
		}

		ok, err := s.store.DeductPointsFromDeposit(ctx, dep.ID, take)
		if err != nil {
			return nil, err
		}
		if !ok {
			// A concurrent spender drained some of this deposit between our
			// read and the conditional write. Reload it once and take what
			// is actually left.
			fresh, err := s.store.FindDepositByID(ctx, dep.ID)
			if err != nil {
				return nil, err
			}
			if fresh == nil || fresh.Status != core.DepositConfirmed || fresh.PointsRemaining <= 0 {
				continue
			}
			take = min64(need, fresh.PointsRemaining)
			ok, err = s.store.DeductPointsFromDeposit(ctx, dep.ID, take)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}

		need -= take
		deductions = append(deductions, Deduction{
			DepositID:      dep.ID,
			PointsDeducted: take,
			FundingRate:    dep.FundingRateApplied,
			TokenAddress:   dep.TokenAddress,
		})
	}

	if need > 0 {
		return nil, core.E(core.KindInsufficientFunds,
			"short %d of %d points for %s", need, pointsToSpend, user.ID)
	}

	s.logger.Printf("✅ Spent %d points for %s across %d deposits (%s)",
		pointsToSpend, user.ID, len(deductions), description)
	s.bumpEconomy(ctx, user.ID, 0, pointsToSpend)
	return deductions, nil
}

// loadCandidates returns the FIFO-ordered deposits eligible for this user.
// Wallet-keyed deposits only participate when the user has none of their own.
func (s *Service) loadCandidates(ctx context.Context, user *core.User) ([]core.Deposit, error) {
	candidates, err := s.store.FindActiveDepositsForUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if len(candidates) > 0 {
		return candidates, nil
	}
	for _, w := range user.Wallets {
		walletDeps, err := s.store.FindActiveDepositsForWallet(ctx, w.Address)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, walletDeps...)
	}
	// Wallet queries come back sorted per wallet; re-sort the merged set.
	SortFIFO(candidates)
	return candidates, nil
}

// SortFIFO orders deposits funding-rate ascending, then oldest first, then
// by id so ties are deterministic.
func SortFIFO(deps []core.Deposit) {
	sort.SliceStable(deps, func(i, j int) bool {
		if deps[i].FundingRateApplied != deps[j].FundingRateApplied {
			return deps[i].FundingRateApplied < deps[j].FundingRateApplied
		}
		if !deps[i].CreatedAt.Equal(deps[j].CreatedAt) {
			return deps[i].CreatedAt.Before(deps[j].CreatedAt)
		}
		return deps[i].ID < deps[j].ID
	})
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
