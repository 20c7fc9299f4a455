package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noemahq/noema/internal/core"
)

// mockStore is an in-memory depositStore with injectable deduct races and
// snapshot-rollback transactions.
type mockStore struct {
	mu       sync.Mutex
	deposits map[string]*core.Deposit
	economy  map[string]*core.UserEconomy
	// raceOnce drains this many points from the deposit right before the
	// first deduct attempt, making the conditional update lose.
	raceOnce map[string]int64
}

func newMockStore() *mockStore {
	return &mockStore{
		deposits: make(map[string]*core.Deposit),
		economy:  make(map[string]*core.UserEconomy),
		raceOnce: make(map[string]int64),
	}
}

func (m *mockStore) add(dep core.Deposit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := dep
	m.deposits[dep.ID] = &cp
}

func (m *mockStore) RecordDepositIfNew(_ context.Context, dep *core.Deposit) (*core.Deposit, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.deposits {
		if existing.DepositTxHash != "" && existing.DepositTxHash == strings.ToLower(dep.DepositTxHash) {
			cp := *existing
			return &cp, false, nil
		}
	}
	cp := *dep
	cp.DepositTxHash = strings.ToLower(cp.DepositTxHash)
	m.deposits[cp.ID] = &cp
	out := cp
	return &out, true, nil
}

func (m *mockStore) InsertLedgerEntry(_ context.Context, entry *core.Deposit) error {
	m.add(*entry)
	return nil
}

func (m *mockStore) ConfirmDeposit(_ context.Context, depositID string, confirmations int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dep, ok := m.deposits[depositID]
	if !ok || dep.Status != core.DepositPending {
		return core.E(core.KindConflict, "deposit %s is not pending", depositID)
	}
	dep.Status = core.DepositConfirmed
	dep.Confirmations = confirmations
	return nil
}

func (m *mockStore) FindDepositByTxHash(_ context.Context, txHash string) (*core.Deposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, dep := range m.deposits {
		if dep.DepositTxHash == strings.ToLower(txHash) {
			cp := *dep
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockStore) FindDepositByID(_ context.Context, depositID string) (*core.Deposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dep, ok := m.deposits[depositID]
	if !ok {
		return nil, nil
	}
	cp := *dep
	return &cp, nil
}

func (m *mockStore) FindActiveDepositsForUser(_ context.Context, masterAccountID string) ([]core.Deposit, error) {
	return m.findActive(func(d *core.Deposit) bool { return d.MasterAccountID == masterAccountID }), nil
}

func (m *mockStore) FindActiveDepositsForWallet(_ context.Context, address string) ([]core.Deposit, error) {
	addr := strings.ToLower(address)
	return m.findActive(func(d *core.Deposit) bool { return d.DepositorAddress == addr }), nil
}

func (m *mockStore) findActive(match func(*core.Deposit) bool) []core.Deposit {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Deposit
	for _, dep := range m.deposits {
		if match(dep) && dep.Status == core.DepositConfirmed && dep.PointsRemaining > 0 {
			out = append(out, *dep)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FundingRateApplied != out[j].FundingRateApplied {
			return out[i].FundingRateApplied < out[j].FundingRateApplied
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *mockStore) DeductPointsFromDeposit(_ context.Context, depositID string, amount int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dep, ok := m.deposits[depositID]
	if !ok {
		return false, nil
	}
	if drain, racing := m.raceOnce[depositID]; racing {
		dep.PointsRemaining -= drain
		delete(m.raceOnce, depositID)
	}
	if dep.Status != core.DepositConfirmed || dep.PointsRemaining < amount {
		return false, nil
	}
	dep.PointsRemaining -= amount
	if dep.PointsRemaining == 0 {
		dep.Status = core.DepositExhausted
	}
	return true, nil
}

func (m *mockStore) SumPointsRemainingForUser(_ context.Context, masterAccountID string) (int64, error) {
	var total int64
	for _, dep := range m.findActive(func(d *core.Deposit) bool { return d.MasterAccountID == masterAccountID }) {
		total += dep.PointsRemaining
	}
	return total, nil
}

func (m *mockStore) SumPointsRemainingForWallet(_ context.Context, address string) (int64, error) {
	addr := strings.ToLower(address)
	var total int64
	for _, dep := range m.findActive(func(d *core.Deposit) bool { return d.DepositorAddress == addr }) {
		total += dep.PointsRemaining
	}
	return total, nil
}

func (m *mockStore) HasConfirmedDepositForToken(_ context.Context, masterAccountID, tokenAddress string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token := strings.ToLower(tokenAddress)
	for _, dep := range m.deposits {
		if dep.MasterAccountID == masterAccountID && dep.Status == core.DepositConfirmed && dep.TokenAddress == token {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockStore) ListDepositsForUser(_ context.Context, masterAccountID string, _ int64) ([]core.Deposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Deposit
	for _, dep := range m.deposits {
		if dep.MasterAccountID == masterAccountID {
			out = append(out, *dep)
		}
	}
	return out, nil
}

func (m *mockStore) BumpEconomy(_ context.Context, masterAccountID string, credited, spent int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	eco, ok := m.economy[masterAccountID]
	if !ok {
		eco = &core.UserEconomy{MasterAccountID: masterAccountID}
		m.economy[masterAccountID] = eco
	}
	if credited != 0 {
		eco.PointsCredited += credited
		eco.Deposits++
	}
	if spent != 0 {
		eco.PointsSpent += spent
		eco.Spends++
	}
	return nil
}

func (m *mockStore) GetEconomy(_ context.Context, masterAccountID string) (*core.UserEconomy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if eco, ok := m.economy[masterAccountID]; ok {
		cp := *eco
		return &cp, nil
	}
	return &core.UserEconomy{MasterAccountID: masterAccountID}, nil
}

// WithTransaction snapshots state and restores it when fn fails, mirroring
// a real rollback.
func (m *mockStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	snapshot := make(map[string]*core.Deposit, len(m.deposits))
	for id, dep := range m.deposits {
		cp := *dep
		snapshot[id] = &cp
	}
	m.mu.Unlock()

	if err := fn(ctx); err != nil {
		m.mu.Lock()
		m.deposits = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

func confirmedDeposit(id, owner string, points int64, rate float64, age time.Duration) core.Deposit {
	return core.Deposit{
		ID:                 id,
		MasterAccountID:    owner,
		TokenAddress:       "0xusdc",
		PointsCredited:     points,
		PointsRemaining:    points,
		FundingRateApplied: rate,
		Status:             core.DepositConfirmed,
		CreatedAt:          time.Now().UTC().Add(-age),
	}
}

func testUser() *core.User {
	return &core.User{ID: "user-1"}
}

func TestSpend_FIFOOrder(t *testing.T) {
	ms := newMockStore()
	// Deliberately inserted out of FIFO order.
	ms.add(confirmedDeposit("dep-expensive", "user-1", 1000, 0.05, 3*time.Hour))
	ms.add(confirmedDeposit("dep-cheap-new", "user-1", 1000, 0.01, 1*time.Hour))
	ms.add(confirmedDeposit("dep-cheap-old", "user-1", 1000, 0.01, 2*time.Hour))

	svc := New(ms, "")
	deductions, err := svc.Spend(context.Background(), testUser(), 2500, "test")
	require.NoError(t, err)

	require.Len(t, deductions, 3)
	assert.Equal(t, "dep-cheap-old", deductions[0].DepositID)
	assert.Equal(t, int64(1000), deductions[0].PointsDeducted)
	assert.Equal(t, "dep-cheap-new", deductions[1].DepositID)
	assert.Equal(t, int64(1000), deductions[1].PointsDeducted)
	assert.Equal(t, "dep-expensive", deductions[2].DepositID)
	assert.Equal(t, int64(500), deductions[2].PointsDeducted)

	// Funding rates never decrease along the walk.
	for i := 1; i < len(deductions); i++ {
		assert.LessOrEqual(t, deductions[i-1].FundingRate, deductions[i].FundingRate)
	}

	remaining, _ := ms.SumPointsRemainingForUser(context.Background(), "user-1")
	assert.Equal(t, int64(500), remaining)
}

func TestSpend_ExhaustsDeposit(t *testing.T) {
	ms := newMockStore()
	ms.add(confirmedDeposit("dep-1", "user-1", 300, 0.01, time.Hour))

	svc := New(ms, "")
	_, err := svc.Spend(context.Background(), testUser(), 300, "test")
	require.NoError(t, err)

	dep, _ := ms.FindDepositByID(context.Background(), "dep-1")
	assert.Equal(t, core.DepositExhausted, dep.Status)
	assert.Equal(t, int64(0), dep.PointsRemaining)
}

func TestSpend_InsufficientFundsRollsBack(t *testing.T) {
	ms := newMockStore()
	ms.add(confirmedDeposit("dep-1", "user-1", 100, 0.01, time.Hour))

	svc := New(ms, "")
	_, err := svc.Spend(context.Background(), testUser(), 500, "test")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInsufficientFunds))

	// Rollback restored the partial deduction.
	dep, _ := ms.FindDepositByID(context.Background(), "dep-1")
	assert.Equal(t, int64(100), dep.PointsRemaining)
	assert.Equal(t, core.DepositConfirmed, dep.Status)
}

func TestSpend_RetriesRacedDepositOnce(t *testing.T) {
	ms := newMockStore()
	ms.add(confirmedDeposit("dep-1", "user-1", 1000, 0.01, time.Hour))
	ms.add(confirmedDeposit("dep-2", "user-1", 1000, 0.02, time.Hour))
	// A concurrent spender takes 800 points from dep-1 just before our write.
	ms.raceOnce["dep-1"] = 800

	svc := New(ms, "")
	deductions, err := svc.Spend(context.Background(), testUser(), 600, "test")
	require.NoError(t, err)

	// The retry takes dep-1's surviving 200 points, then dep-2 covers the rest.
	require.Len(t, deductions, 2)
	assert.Equal(t, "dep-1", deductions[0].DepositID)
	assert.Equal(t, int64(200), deductions[0].PointsDeducted)
	assert.Equal(t, "dep-2", deductions[1].DepositID)
	assert.Equal(t, int64(400), deductions[1].PointsDeducted)
}

func TestSpend_WalletFallbackWhenUserHasNoDeposits(t *testing.T) {
	ms := newMockStore()
	walletDep := confirmedDeposit("dep-w", "", 1000, 0.01, time.Hour)
	walletDep.DepositorAddress = "0xabcdef"
	ms.add(walletDep)

	user := testUser()
	user.Wallets = []core.Wallet{{Address: "0xABCDEF", IsPrimary: true}}

	svc := New(ms, "")
	deductions, err := svc.Spend(context.Background(), user, 400, "test")
	require.NoError(t, err)
	require.Len(t, deductions, 1)
	assert.Equal(t, "dep-w", deductions[0].DepositID)
}

func TestSpend_UserDepositsShadowWalletDeposits(t *testing.T) {
	ms := newMockStore()
	ms.add(confirmedDeposit("dep-user", "user-1", 1000, 0.09, time.Hour))
	walletDep := confirmedDeposit("dep-w", "", 1000, 0.01, time.Hour)
	walletDep.DepositorAddress = "0xabcdef"
	ms.add(walletDep)

	user := testUser()
	user.Wallets = []core.Wallet{{Address: "0xabcdef", IsPrimary: true}}

	svc := New(ms, "")
	deductions, err := svc.Spend(context.Background(), user, 500, "test")
	require.NoError(t, err)

	// Wallet deposits are invisible while user-keyed deposits exist, even
	// when the wallet deposit is cheaper.
	require.Len(t, deductions, 1)
	assert.Equal(t, "dep-user", deductions[0].DepositID)
}

func TestRecordDeposit_IdempotentByTxHash(t *testing.T) {
	ms := newMockStore()
	svc := New(ms, "")

	params := DepositParams{
		MasterAccountID: "user-1",
		TokenAddress:    "0xUSDC",
		TxHash:          "0xDEADBEEF",
		UsdValue:        decimal.NewFromInt(1),
		FundingRate:     0.02,
		Confirmed:       true,
	}
	first, inserted, err := svc.RecordDeposit(context.Background(), params)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, int64(2800), first.PointsCredited)

	second, inserted, err := svc.RecordDeposit(context.Background(), params)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, second.ID)

	total, _ := ms.SumPointsRemainingForUser(context.Background(), "user-1")
	assert.Equal(t, int64(2800), total)
}

func TestConfirm_PendingToConfirmed(t *testing.T) {
	ms := newMockStore()
	svc := New(ms, "")

	dep, _, err := svc.RecordDeposit(context.Background(), DepositParams{
		MasterAccountID: "user-1",
		TokenAddress:    "0xusdc",
		TxHash:          "0x01",
		UsdValue:        decimal.NewFromInt(2),
		FundingRate:     0.02,
	})
	require.NoError(t, err)
	assert.Equal(t, core.DepositPending, dep.Status)

	// Pending deposits hold no spendable balance.
	err = svc.Quote(context.Background(), testUser(), 1)
	assert.True(t, core.IsKind(err, core.KindInsufficientFunds))

	confirmed, err := svc.Confirm(context.Background(), "0x01", 5)
	require.NoError(t, err)
	assert.Equal(t, core.DepositConfirmed, confirmed.Status)

	// Confirming again is a no-op.
	again, err := svc.Confirm(context.Background(), "0x01", 6)
	require.NoError(t, err)
	assert.Equal(t, confirmed.ID, again.ID)

	require.NoError(t, svc.Quote(context.Background(), testUser(), 5600))
}

func TestTierFor(t *testing.T) {
	ms := newMockStore()
	ms2 := "0xMS2token"
	svc := New(ms, ms2)

	tier, err := svc.TierFor(context.Background(), testUser())
	require.NoError(t, err)
	assert.Equal(t, core.TierStandard, tier)

	dep := confirmedDeposit("dep-ms2", "user-1", 100, 0.01, time.Hour)
	dep.TokenAddress = "0xms2TOKEN" // compared case-insensitively
	ms.add(dep)

	tier, err = svc.TierFor(context.Background(), testUser())
	require.NoError(t, err)
	assert.Equal(t, core.TierMS2, tier)
}

func TestCreditReward_SpendsBeforePaidDeposits(t *testing.T) {
	ms := newMockStore()
	ms.add(confirmedDeposit("dep-paid", "user-1", 1000, 0.02, time.Hour))

	svc := New(ms, "")
	reward, err := svc.CreditReward(context.Background(), "user-1", 500, "welcome bonus", "signup")
	require.NoError(t, err)

	deductions, err := svc.Spend(context.Background(), testUser(), 600, "test")
	require.NoError(t, err)
	require.Len(t, deductions, 2)
	assert.Equal(t, reward.ID, deductions[0].DepositID)
	assert.Equal(t, int64(500), deductions[0].PointsDeducted)
	assert.Equal(t, "dep-paid", deductions[1].DepositID)
}

func TestEconomyCountersFollowLedger(t *testing.T) {
	ms := newMockStore()
	svc := New(ms, "")
	ctx := context.Background()

	// A pending deposit credits nothing until confirmation.
	_, _, err := svc.RecordDeposit(ctx, DepositParams{
		MasterAccountID: "user-1",
		TokenAddress:    "0xusdc",
		TxHash:          "0x01",
		UsdValue:        decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	eco, err := svc.Economy(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, eco.PointsCredited)

	_, err = svc.Confirm(ctx, "0x01", 3)
	require.NoError(t, err)
	_, err = svc.CreditReward(ctx, "user-1", 200, "welcome", "signup")
	require.NoError(t, err)
	_, err = svc.Spend(ctx, testUser(), 600, "test")
	require.NoError(t, err)

	eco, err = svc.Economy(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), eco.PointsCredited, "2800 confirmed + 200 reward")
	assert.Equal(t, int64(2), eco.Deposits)
	assert.Equal(t, int64(600), eco.PointsSpent)
	assert.Equal(t, int64(1), eco.Spends)

	// Replayed confirmations must not double-count.
	_, err = svc.Confirm(ctx, "0x01", 4)
	require.NoError(t, err)
	eco, _ = svc.Economy(ctx, "user-1")
	assert.Equal(t, int64(3000), eco.PointsCredited)
}

func TestPointsForUSD(t *testing.T) {
	assert.Equal(t, int64(2800), PointsForUSD(decimal.NewFromInt(1)))
	assert.Equal(t, int64(1400), PointsForUSD(decimal.RequireFromString("0.5")))
	// Fractional points floor away.
	assert.Equal(t, int64(0), PointsForUSD(decimal.RequireFromString("0.0001")))
	assert.Equal(t, int64(2), PointsForUSD(decimal.RequireFromString("0.001")))
}

func TestSortFIFO_TieBreaks(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	deps := []core.Deposit{
		{ID: "c", FundingRateApplied: 0.01, CreatedAt: ts},
		{ID: "a", FundingRateApplied: 0.01, CreatedAt: ts},
		{ID: "b", FundingRateApplied: 0.01, CreatedAt: ts.Add(-time.Minute)},
	}
	SortFIFO(deps)
	assert.Equal(t, "b", deps[0].ID)
	assert.Equal(t, "a", deps[1].ID)
	assert.Equal(t, "c", deps[2].ID)
}

func BenchmarkSortFIFO(b *testing.B) {
	base := time.Now()
	template := make([]core.Deposit, 200)
	for i := range template {
		template[i] = core.Deposit{
			ID:                 core.NewID(),
			FundingRateApplied: float64(i%7) / 100,
			CreatedAt:          base.Add(time.Duration(i%13) * time.Minute),
		}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		deps := make([]core.Deposit, len(template))
		copy(deps, template)
		SortFIFO(deps)
	}
}
