// Package oracle watches the chain for deposits to the platform address.
// It runs two passes over new blocks: at the head it records ERC-20
// transfers as PENDING ledger entries, and at confirmation depth it flips
// them CONFIRMED and completes magic-amount wallet links from native
// transfers. The ledger's tx-hash idempotency makes both passes safe to
// replay.
package oracle

import (
	"context"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"

	"github.com/noemahq/noema/internal/core"
	"github.com/noemahq/noema/internal/events"
	"github.com/noemahq/noema/internal/ledger"
	"github.com/noemahq/noema/internal/walletlink"
)

const (
	defaultConfirmations = 6
	defaultPollInterval  = 15 * time.Second

	// maxBlockSpan caps how many blocks one sweep covers so a cold start
	// or RPC outage never turns into an unbounded range query.
	maxBlockSpan = uint64(200)

	// Funding rates order deposits in the FIFO ledger: lower spends first.
	ms2FundingRate  = 0.005
	usdcFundingRate = 0.01

	usdcDecimals = 6
	ms2Decimals  = 18
)

// transferTopic is keccak256("Transfer(address,address,uint256)"), the
// topic every ERC-20 Transfer log carries.
var transferTopic = func() common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("Transfer(address,address,uint256)"))
	return common.BytesToHash(h.Sum(nil))
}()

// chainReader is the ethclient slice the oracle needs. Tests substitute a
// scripted chain.
type chainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

type ledgerSink interface {
	RecordDeposit(ctx context.Context, p ledger.DepositParams) (*core.Deposit, bool, error)
	Confirm(ctx context.Context, txHash string, confirmations int64) (*core.Deposit, error)
}

type linker interface {
	MatchPending(ctx context.Context, amountWei string) (*walletlink.Request, bool)
	Complete(ctx context.Context, requestID, walletAddress, txHash string) (*walletlink.Request, error)
}

type accountResolver interface {
	FindUserByWallet(ctx context.Context, address string) (*core.User, error)
}

type publisher interface {
	Publish(event *events.Event)
}

// Config selects the watched address and tokens and tunes the loop.
type Config struct {
	DepositAddress string
	MS2Token       string
	USDCToken      string
	// MS2PriceUSD converts MS2 token amounts to USD at deposit time.
	MS2PriceUSD decimal.Decimal
	// Confirmations is the depth at which deposits confirm and magic
	// amounts match. Defaults to 6.
	Confirmations int64
	PollInterval  time.Duration
	// StartBlock rewinds the first sweep for backfills. Zero starts at the
	// current head.
	StartBlock uint64
}

// Oracle is the chain watcher. One instance per deployment; the ledger's
// unique tx-hash index is the guard if an operator runs two by mistake.
type Oracle struct {
	chain    chainReader
	ledger   ledgerSink
	links    linker
	accounts accountResolver
	bus      publisher
	cfg      Config
	logger   *log.Logger

	deposit common.Address
	ms2     common.Address
	usdc    common.Address

	signerOnce sync.Once
	signer     types.Signer
	signerErr  error

	mu          sync.Mutex
	headCursor  uint64 // next block for the pending pass
	depthCursor uint64 // next block for the confirmation pass

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func New(chain chainReader, led ledgerSink, links linker, accounts accountResolver, bus publisher, cfg Config) *Oracle {
	if cfg.Confirmations <= 0 {
		cfg.Confirmations = defaultConfirmations
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Oracle{
		chain:    chain,
		ledger:   led,
		links:    links,
		accounts: accounts,
		bus:      bus,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[ORACLE] ", log.LstdFlags),
		deposit:  common.HexToAddress(cfg.DepositAddress),
		ms2:      common.HexToAddress(cfg.MS2Token),
		usdc:     common.HexToAddress(cfg.USDCToken),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Dial connects to the chain RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, core.Wrap(core.KindUpstreamFailed, err, "dial chain rpc %s", rpcURL)
	}
	return client, nil
}

// DeriveDepositAddress recovers the platform deposit address from its
// signer key, for deployments that configure only DEPOSIT_SIGNER_KEY.
func DeriveDepositAddress(signerKeyHex string) (string, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(signerKeyHex, "0x"))
	if err != nil {
		return "", core.Wrap(core.KindInvalidInput, err, "parse deposit signer key")
	}
	return ethcrypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// Start launches the polling loop.
func (o *Oracle) Start() {
	go o.loop()
	o.logger.Printf("🚀 Watching %s (confirmations=%d, poll=%s)",
		o.deposit.Hex(), o.cfg.Confirmations, o.cfg.PollInterval)
}

// Stop halts the loop and waits for the in-flight sweep.
func (o *Oracle) Stop() {
	o.stopOnce.Do(func() { close(o.stop) })
	<-o.done
}

func (o *Oracle) loop() {
	defer close(o.done)
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), o.cfg.PollInterval)
			if _, err := o.Sweep(ctx); err != nil {
				// Cursors did not advance past the failure; the next tick
				// retries the same range.
				o.logger.Printf("⚠️ sweep failed: %v", err)
			}
			cancel()
		}
	}
}

// Sweep runs one pending pass and one confirmation pass. It returns how
// many deposits were credited or confirmed, for the CLI one-shot.
func (o *Oracle) Sweep(ctx context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	head, err := o.chain.BlockNumber(ctx)
	if err != nil {
		return 0, core.Wrap(core.KindUpstreamFailed, err, "read chain head")
	}
	o.initCursors(head)

	credited := 0

	// Pending pass: record transfers as they appear at the head.
	if head >= o.headCursor {
		to := capSpan(o.headCursor, head)
		n, err := o.scanTransfers(ctx, o.headCursor, to, false)
		if err != nil {
			return credited, err
		}
		credited += n
		o.headCursor = to + 1
	}

	// Confirmation pass: N blocks behind the head, where reorgs are no
	// longer a concern. Magic-amount links complete here too, so a key is
	// never issued against a transfer that could vanish.
	confirmedHead, ok := sub(head, uint64(o.cfg.Confirmations))
	if ok && confirmedHead >= o.depthCursor {
		to := capSpan(o.depthCursor, confirmedHead)
		n, err := o.scanTransfers(ctx, o.depthCursor, to, true)
		if err != nil {
			return credited, err
		}
		credited += n
		if err := o.scanNative(ctx, o.depthCursor, to); err != nil {
			return credited, err
		}
		o.depthCursor = to + 1
	}

	return credited, nil
}

func (o *Oracle) initCursors(head uint64) {
	if o.headCursor == 0 {
		if o.cfg.StartBlock > 0 {
			o.headCursor = o.cfg.StartBlock
		} else {
			o.headCursor = head
		}
	}
	if o.depthCursor == 0 {
		if o.cfg.StartBlock > 0 {
			o.depthCursor = o.cfg.StartBlock
		} else if d, ok := sub(head, uint64(o.cfg.Confirmations)); ok {
			o.depthCursor = d
		} else {
			o.depthCursor = 1
		}
	}
}

// scanTransfers credits ERC-20 Transfer logs into the watched address.
func (o *Oracle) scanTransfers(ctx context.Context, from, to uint64, confirmed bool) (int, error) {
	logs, err := o.chain.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{o.ms2, o.usdc},
		Topics: [][]common.Hash{
			{transferTopic},
			nil,
			{common.BytesToHash(o.deposit.Bytes())},
		},
	})
	if err != nil {
		return 0, core.Wrap(core.KindUpstreamFailed, err, "filter transfer logs %d..%d", from, to)
	}

	credited := 0
	for _, lg := range logs {
		if lg.Removed || len(lg.Topics) != 3 {
			continue
		}
		if err := o.creditTransfer(ctx, lg, confirmed); err != nil {
			o.logger.Printf("⚠️ credit tx %s failed: %v", lg.TxHash.Hex(), err)
			continue
		}
		credited++
	}
	return credited, nil
}

func (o *Oracle) creditTransfer(ctx context.Context, lg types.Log, confirmed bool) error {
	amount := new(big.Int).SetBytes(lg.Data)
	if amount.Sign() <= 0 {
		return nil
	}

	var (
		usd  decimal.Decimal
		rate float64
		name string
	)
	switch lg.Address {
	case o.usdc:
		usd = decimal.NewFromBigInt(amount, -usdcDecimals)
		rate = usdcFundingRate
		name = "USDC"
	case o.ms2:
		usd = decimal.NewFromBigInt(amount, -ms2Decimals).Mul(o.cfg.MS2PriceUSD)
		rate = ms2FundingRate
		name = "MS2"
	default:
		return nil
	}

	depositor := common.BytesToAddress(lg.Topics[1].Bytes()).Hex()

	// Unlinked wallets still earn an entry; it attaches by depositorAddress
	// and becomes spendable once the wallet links.
	masterAccountID := ""
	if user, err := o.accounts.FindUserByWallet(ctx, depositor); err == nil && user != nil {
		masterAccountID = user.ID
	}

	confirmations := int64(0)
	if confirmed {
		confirmations = o.cfg.Confirmations
	}
	dep, created, err := o.ledger.RecordDeposit(ctx, ledger.DepositParams{
		MasterAccountID:  masterAccountID,
		DepositorAddress: strings.ToLower(depositor),
		TokenAddress:     strings.ToLower(lg.Address.Hex()),
		TxHash:           strings.ToLower(lg.TxHash.Hex()),
		UsdValue:         usd,
		FundingRate:      rate,
		Confirmed:        confirmed,
		Confirmations:    confirmations,
		Description:      name + " deposit",
	})
	if err != nil {
		return err
	}
	if !confirmed {
		return nil
	}

	// At depth: flip a pending record seen earlier at the head. A record
	// first sighted here was inserted confirmed already.
	wasPending := !created && dep.Status == core.DepositPending
	if wasPending {
		if dep, err = o.ledger.Confirm(ctx, strings.ToLower(lg.TxHash.Hex()), o.cfg.Confirmations); err != nil {
			return err
		}
	}
	if (created || wasPending) && o.bus != nil {
		o.bus.Publish(events.DepositConfirmed(dep))
	}
	return nil
}

// scanNative walks full blocks looking for native transfers whose exact wei
// value matches an open wallet-link request.
func (o *Oracle) scanNative(ctx context.Context, from, to uint64) error {
	for n := from; n <= to; n++ {
		block, err := o.chain.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return core.Wrap(core.KindUpstreamFailed, err, "read block %d", n)
		}
		for _, tx := range block.Transactions() {
			if tx.To() == nil || *tx.To() != o.deposit || tx.Value().Sign() <= 0 {
				continue
			}
			req, ok := o.links.MatchPending(ctx, tx.Value().String())
			if !ok {
				continue
			}
			sender, err := o.sender(ctx, tx)
			if err != nil {
				o.logger.Printf("⚠️ recover sender of %s: %v", tx.Hash().Hex(), err)
				continue
			}
			if _, err := o.links.Complete(ctx, req.RequestID, sender.Hex(), tx.Hash().Hex()); err != nil {
				o.logger.Printf("⚠️ complete link %s: %v", req.RequestID, err)
				continue
			}
			o.logger.Printf("✅ Linked wallet %s via magic amount (tx %s)", sender.Hex(), tx.Hash().Hex())
		}
	}
	return nil
}

func (o *Oracle) sender(ctx context.Context, tx *types.Transaction) (common.Address, error) {
	o.signerOnce.Do(func() {
		chainID, err := o.chain.ChainID(ctx)
		if err != nil {
			o.signerErr = core.Wrap(core.KindUpstreamFailed, err, "read chain id")
			return
		}
		o.signer = types.LatestSignerForChainID(chainID)
	})
	if o.signerErr != nil {
		return common.Address{}, o.signerErr
	}
	return types.Sender(o.signer, tx)
}

func capSpan(from, to uint64) uint64 {
	if to-from+1 > maxBlockSpan {
		return from + maxBlockSpan - 1
	}
	return to
}

func sub(a, b uint64) (uint64, bool) {
	if a < b {
		return 0, false
	}
	return a - b, true
}
