package walletlink

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noemahq/noema/internal/core"
)

// mockAccounts is an in-memory accountStore.
type mockAccounts struct {
	mu      sync.Mutex
	wallets map[string][]core.Wallet // masterAccountID → wallets
	owners  map[string]string       // address → masterAccountID
	keys    []core.APIKey
}

func newMockAccounts() *mockAccounts {
	return &mockAccounts{
		wallets: make(map[string][]core.Wallet),
		owners:  make(map[string]string),
	}
}

func (m *mockAccounts) FindUserByWallet(_ context.Context, address string) (*core.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.owners[strings.ToLower(address)]
	if !ok {
		return nil, nil
	}
	return &core.User{ID: owner}, nil
}

func (m *mockAccounts) ListWallets(_ context.Context, masterAccountID string) ([]core.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.Wallet(nil), m.wallets[masterAccountID]...), nil
}

func (m *mockAccounts) AddWallet(_ context.Context, masterAccountID, address string, primary bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets[masterAccountID] = append(m.wallets[masterAccountID], core.Wallet{Address: address, IsPrimary: primary})
	m.owners[address] = masterAccountID
	return nil
}

func (m *mockAccounts) InsertAPIKey(_ context.Context, key *core.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, *key)
	return nil
}

func newTestService() (*Service, *mockAccounts) {
	accounts := newMockAccounts()
	svc := New(accounts, NewMemoryState(), "0xDEPOSITADDR")
	return svc, accounts
}

func TestInitiateMintsUniqueActiveAmounts(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 25; i++ {
		req, err := svc.Initiate(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, req.Status)
		assert.Equal(t, "0xdepositaddr", req.DepositToAddress)
		assert.False(t, seen[req.MagicAmountWei], "amount %s minted twice", req.MagicAmountWei)
		seen[req.MagicAmountWei] = true

		v, err := strconv.ParseUint(req.MagicAmountWei, 10, 64)
		require.NoError(t, err)
		assert.Greater(t, v, uint64(0))
		assert.Less(t, v, uint64(1)<<48)
	}
}

func TestInitiateRequiresAccount(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Initiate(context.Background(), "")
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
}

func TestLinkLifecycle(t *testing.T) {
	svc, accounts := newTestService()
	ctx := context.Background()

	req, err := svc.Initiate(ctx, "acct-1")
	require.NoError(t, err)

	// Pending until the oracle sees the transfer.
	got, key, err := svc.Status(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, key)

	// The oracle matches by exact amount.
	matched, ok := svc.MatchPending(ctx, req.MagicAmountWei)
	require.True(t, ok)
	assert.Equal(t, req.RequestID, matched.RequestID)

	_, err = svc.Complete(ctx, req.RequestID, "0xAbCd000000000000000000000000000000000001", "0xtx1")
	require.NoError(t, err)

	// First wallet becomes primary and a key is minted.
	wallets, _ := accounts.ListWallets(ctx, "acct-1")
	require.Len(t, wallets, 1)
	assert.True(t, wallets[0].IsPrimary)
	assert.Equal(t, "0xabcd000000000000000000000000000000000001", wallets[0].Address)
	require.Len(t, accounts.keys, 1)
	assert.Equal(t, "acct-1", accounts.keys[0].MasterAccountID)
	assert.Equal(t, "active", accounts.keys[0].Status)

	// Every poll inside the reveal window returns the same key.
	got, key, err = svc.Status(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotEmpty(t, key)
	assert.True(t, strings.HasPrefix(key, "sat_"))
	assert.Equal(t, accounts.keys[0].SecretHash, core.HashAPIKey(key))

	for i := 0; i < 3; i++ {
		got, again, err := svc.Status(ctx, req.RequestID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, got.Status)
		assert.Equal(t, key, again)
	}

	// Once the reveal TTL lapses the plaintext is gone for good.
	require.NoError(t, svc.state.Del(ctx, revealKey(req.RequestID)))
	for i := 0; i < 2; i++ {
		got, key, err = svc.Status(ctx, req.RequestID)
		require.NoError(t, err)
		assert.Equal(t, StatusAlreadyClaimed, got.Status)
		assert.Empty(t, key)
	}

	// The amount no longer matches anything.
	_, ok = svc.MatchPending(ctx, req.MagicAmountWei)
	assert.False(t, ok)
}

func TestStatusReportsExpiry(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	req, err := svc.Initiate(ctx, "acct-1")
	require.NoError(t, err)

	// Force the logical deadline into the past.
	req.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, svc.save(ctx, req, recordTTL))

	got, key, err := svc.Status(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Empty(t, key)

	// Expired requests are not matchable and not completable.
	_, ok := svc.MatchPending(ctx, req.MagicAmountWei)
	assert.False(t, ok)
	_, err = svc.Complete(ctx, req.RequestID, "0xwallet", "0xtx")
	assert.True(t, core.IsKind(err, core.KindConflict))
}

func TestCompleteRejectsForeignWallet(t *testing.T) {
	svc, accounts := newTestService()
	ctx := context.Background()

	require.NoError(t, accounts.AddWallet(ctx, "acct-other", "0xshared", false))

	req, err := svc.Initiate(ctx, "acct-1")
	require.NoError(t, err)

	_, err = svc.Complete(ctx, req.RequestID, "0xSHARED", "0xtx")
	assert.True(t, core.IsKind(err, core.KindConflict))
}

func TestCompleteIsSingleShot(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	req, err := svc.Initiate(ctx, "acct-1")
	require.NoError(t, err)

	_, err = svc.Complete(ctx, req.RequestID, "0xwallet1", "0xtx1")
	require.NoError(t, err)
	_, err = svc.Complete(ctx, req.RequestID, "0xwallet2", "0xtx2")
	assert.True(t, core.IsKind(err, core.KindConflict))
}

func TestStatusUnknownRequest(t *testing.T) {
	svc, _ := newTestService()
	_, _, err := svc.Status(context.Background(), "nope")
	assert.True(t, core.IsKind(err, core.KindNotFound))
}

func TestSecondWalletIsNotPrimary(t *testing.T) {
	svc, accounts := newTestService()
	ctx := context.Background()

	first, err := svc.Initiate(ctx, "acct-1")
	require.NoError(t, err)
	_, err = svc.Complete(ctx, first.RequestID, "0xaaa", "0xtx1")
	require.NoError(t, err)

	second, err := svc.Initiate(ctx, "acct-1")
	require.NoError(t, err)
	_, err = svc.Complete(ctx, second.RequestID, "0xbbb", "0xtx2")
	require.NoError(t, err)

	wallets, _ := accounts.ListWallets(ctx, "acct-1")
	require.Len(t, wallets, 2)
	assert.True(t, wallets[0].IsPrimary)
	assert.False(t, wallets[1].IsPrimary)
}

func TestMemoryStateDelRemovesKeys(t *testing.T) {
	st := NewMemoryState()
	ctx := context.Background()

	require.NoError(t, st.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, st.Set(ctx, "b", []byte("2"), time.Minute))
	require.NoError(t, st.Del(ctx, "a", "b"))

	for _, k := range []string{"a", "b"} {
		_, ok, err := st.Get(ctx, k)
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestMemoryStateHonoursTTL(t *testing.T) {
	st := NewMemoryState()
	ctx := context.Background()

	require.NoError(t, st.Set(ctx, "k", []byte("v"), -time.Second))
	_, ok, err := st.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
