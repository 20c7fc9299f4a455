// Package walletlink implements the magic-amount wallet linking flow.
//
// A user who wants to attach an Ethereum wallet to their account asks for a
// link request. The service answers with a randomly chosen dust amount of
// wei; the user sends exactly that amount from the wallet they want linked
// to the platform deposit address. When the deposit oracle observes a
// matching transfer it completes the request: the sender address becomes a
// linked wallet and a fresh API key is minted. The key plaintext stays
// retrievable for a short window after linking, then it is gone for good.
package walletlink

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noemahq/noema/internal/core"
)

const (
	// requestTTL is how long a pending request stays matchable.
	requestTTL = 15 * time.Minute
	// revealTTL is how long a minted key stays retrievable after linking.
	revealTTL = 5 * time.Minute
	// recordTTL keeps resolved requests around so late polls get a precise
	// answer (EXPIRED / ALREADY_CLAIMED) instead of a 404.
	recordTTL = 24 * time.Hour

	mintAttempts = 8
)

// LinkStatus is the externally visible state of a link request.
type LinkStatus string

const (
	StatusPending        LinkStatus = "PENDING"
	StatusCompleted      LinkStatus = "COMPLETED"
	StatusAlreadyClaimed LinkStatus = "ALREADY_CLAIMED"
	StatusExpired        LinkStatus = "EXPIRED"
)

// internal stored states; CLAIMED only exists in storage, callers see
// ALREADY_CLAIMED.
const storedClaimed = "CLAIMED"

// Request is one wallet-link attempt keyed by a unique magic amount.
type Request struct {
	RequestID        string     `json:"requestId"`
	MasterAccountID  string     `json:"masterAccountId"`
	MagicAmountWei   string     `json:"magicAmount"`
	DepositToAddress string     `json:"depositToAddress"`
	Status           LinkStatus `json:"status"`
	WalletAddress    string     `json:"walletAddress,omitempty"`
	TxHash           string     `json:"txHash,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	ExpiresAt        time.Time  `json:"expiresAt"`
}

// accountStore is the slice of persistence linking needs.
type accountStore interface {
	FindUserByWallet(ctx context.Context, address string) (*core.User, error)
	ListWallets(ctx context.Context, masterAccountID string) ([]core.Wallet, error)
	AddWallet(ctx context.Context, masterAccountID, address string, primary bool) error
	InsertAPIKey(ctx context.Context, key *core.APIKey) error
}

// Service owns the link request lifecycle. The oracle drives Complete; the
// gateway drives Initiate and Status.
type Service struct {
	accounts    accountStore
	state       stateStore
	depositAddr string
	logger      *log.Logger
}

func New(accounts accountStore, state stateStore, depositAddress string) *Service {
	return &Service{
		accounts:    accounts,
		state:       state,
		depositAddr: strings.ToLower(depositAddress),
		logger:      log.New(log.Writer(), "[WALLET-LINK] ", log.LstdFlags),
	}
}

// Initiate opens a link request for the account. The magic amount is a
// random value below 2^48 wei, unique across active requests so a deposit
// matches at most one of them.
func (s *Service) Initiate(ctx context.Context, masterAccountID string) (*Request, error) {
	if masterAccountID == "" {
		return nil, core.E(core.KindInvalidInput, "masterAccountId is required")
	}

	for attempt := 0; attempt < mintAttempts; attempt++ {
		amount := randomMagicWei()
		if _, taken, err := s.state.Get(ctx, amountKey(amount)); err != nil {
			return nil, core.Wrap(core.KindStorageUnavailable, err, "wallet-link state read failed")
		} else if taken {
			continue
		}

		now := core.Now()
		req := &Request{
			RequestID:        uuid.NewString(),
			MasterAccountID:  masterAccountID,
			MagicAmountWei:   amount,
			DepositToAddress: s.depositAddr,
			Status:           StatusPending,
			CreatedAt:        now,
			ExpiresAt:        now.Add(requestTTL),
		}
		if err := s.save(ctx, req, recordTTL); err != nil {
			return nil, err
		}
		if err := s.state.Set(ctx, amountKey(amount), []byte(req.RequestID), requestTTL); err != nil {
			return nil, core.Wrap(core.KindStorageUnavailable, err, "wallet-link state write failed")
		}

		s.logger.Printf("Link request %s opened for account %s (amount %s wei)",
			req.RequestID, masterAccountID, amount)
		return req, nil
	}
	return nil, core.E(core.KindConflict, "could not mint a unique magic amount, retry")
}

// Status resolves a poll. Polls within the reveal window after completion
// all return the minted API key; once the window lapses the plaintext is
// gone and the request reports ALREADY_CLAIMED forever after.
func (s *Service) Status(ctx context.Context, requestID string) (*Request, string, error) {
	req, err := s.load(ctx, requestID)
	if err != nil {
		return nil, "", err
	}

	switch req.Status {
	case StatusPending:
		if time.Now().After(req.ExpiresAt) {
			req.Status = StatusExpired
			if err := s.save(ctx, req, recordTTL); err != nil {
				return nil, "", err
			}
			s.state.Del(ctx, amountKey(req.MagicAmountWei))
		}
		return req, "", nil

	case StatusCompleted:
		secret, ok, err := s.state.Get(ctx, revealKey(requestID))
		if err != nil {
			return nil, "", core.Wrap(core.KindStorageUnavailable, err, "wallet-link reveal read failed")
		}
		if ok {
			// Window still open; the reveal TTL decides when this stops.
			return req, string(secret), nil
		}
		stored := *req
		stored.Status = storedClaimed
		if err := s.save(ctx, &stored, recordTTL); err != nil {
			return nil, "", err
		}
		req.Status = StatusAlreadyClaimed
		return req, "", nil

	case storedClaimed:
		req.Status = StatusAlreadyClaimed
		return req, "", nil

	default:
		return req, "", nil
	}
}

// MatchPending finds the active request whose magic amount equals the
// observed transfer value. Expired requests never match.
func (s *Service) MatchPending(ctx context.Context, amountWei string) (*Request, bool) {
	raw, ok, err := s.state.Get(ctx, amountKey(amountWei))
	if err != nil || !ok {
		return nil, false
	}
	req, err := s.load(ctx, string(raw))
	if err != nil || req.Status != StatusPending {
		return nil, false
	}
	if time.Now().After(req.ExpiresAt) {
		return nil, false
	}
	return req, true
}

// Complete links the sender wallet to the requesting account and mints the
// one-time API key. Called by the deposit oracle once a matching transfer
// has enough confirmations.
func (s *Service) Complete(ctx context.Context, requestID, walletAddress, txHash string) (*Request, error) {
	req, err := s.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, core.E(core.KindConflict, "link request %s is %s, not pending", requestID, req.Status)
	}
	if time.Now().After(req.ExpiresAt) {
		return nil, core.E(core.KindConflict, "link request %s expired", requestID)
	}

	addr := strings.ToLower(walletAddress)
	if owner, err := s.accounts.FindUserByWallet(ctx, addr); err != nil {
		return nil, err
	} else if owner != nil && owner.ID != req.MasterAccountID {
		return nil, core.E(core.KindConflict, "wallet %s is already linked to another account", addr)
	}

	existing, err := s.accounts.ListWallets(ctx, req.MasterAccountID)
	if err != nil {
		return nil, err
	}
	if err := s.accounts.AddWallet(ctx, req.MasterAccountID, addr, len(existing) == 0); err != nil {
		return nil, err
	}

	secret, prefix, hash := core.MintAPIKey()
	key := &core.APIKey{
		ID:              core.NewID(),
		MasterAccountID: req.MasterAccountID,
		KeyPrefix:       prefix,
		SecretHash:      hash,
		Permissions:     []string{"generate", "spells", "collections", "trainings"},
		Status:          "active",
		CreatedAt:       core.Now(),
	}
	if err := s.accounts.InsertAPIKey(ctx, key); err != nil {
		return nil, err
	}

	if err := s.state.Set(ctx, revealKey(requestID), []byte(secret), revealTTL); err != nil {
		return nil, core.Wrap(core.KindStorageUnavailable, err, "wallet-link reveal write failed")
	}

	req.Status = StatusCompleted
	req.WalletAddress = addr
	req.TxHash = txHash
	if err := s.save(ctx, req, recordTTL); err != nil {
		return nil, err
	}
	s.state.Del(ctx, amountKey(req.MagicAmountWei))

	s.logger.Printf("✅ Wallet %s linked to account %s (request %s, tx %s)",
		addr, req.MasterAccountID, requestID, txHash)
	return req, nil
}

func (s *Service) load(ctx context.Context, requestID string) (*Request, error) {
	raw, ok, err := s.state.Get(ctx, requestKey(requestID))
	if err != nil {
		return nil, core.Wrap(core.KindStorageUnavailable, err, "wallet-link state read failed")
	}
	if !ok {
		return nil, core.E(core.KindNotFound, "link request %s not found", requestID)
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, core.Wrap(core.KindStorageUnavailable, err, "corrupt link request %s", requestID)
	}
	return &req, nil
}

func (s *Service) save(ctx context.Context, req *Request, ttl time.Duration) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return core.Wrap(core.KindStorageUnavailable, err, "encode link request")
	}
	if err := s.state.Set(ctx, requestKey(req.RequestID), raw, ttl); err != nil {
		return core.Wrap(core.KindStorageUnavailable, err, "wallet-link state write failed")
	}
	return nil
}

// randomMagicWei draws 6 random bytes, giving a dust value in (0, 2^48) wei
// — at most ~0.0003 ETH, cheap to send and implausible to collide with an
// organic transfer.
func randomMagicWei() string {
	var buf [8]byte
	if _, err := rand.Read(buf[2:]); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	v := binary.BigEndian.Uint64(buf[:])
	if v == 0 {
		v = 1
	}
	return strconv.FormatUint(v, 10)
}

func requestKey(id string) string      { return "walletlink:req:" + id }
func amountKey(amount string) string   { return "walletlink:amt:" + amount }
func revealKey(id string) string       { return "walletlink:key:" + id }
