package store

import (
	"context"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/noemahq/noema/internal/core"
)

// ============================================================================
// CREDIT LEDGER OPERATIONS — credit_ledger collection
// ============================================================================

// fifoSort orders candidate deposits cheapest-funding first; createdAt then
// _id break ties so the walk order is deterministic.
var fifoSort = bson.D{
	{Key: "funding_rate_applied", Value: 1},
	{Key: "created_at", Value: 1},
	{Key: "_id", Value: 1},
}

// RecordDepositIfNew inserts a deposit keyed by its tx hash. Replays and
// concurrent callers observe the single existing row; inserted reports
// whether this call created it.
func (s *Store) RecordDepositIfNew(ctx context.Context, dep *core.Deposit) (*core.Deposit, bool, error) {
	col := s.db.Collection(ColCreditLedger)
	dep.DepositTxHash = strings.ToLower(dep.DepositTxHash)
	dep.DepositorAddress = strings.ToLower(dep.DepositorAddress)
	dep.TokenAddress = strings.ToLower(dep.TokenAddress)

	var existing core.Deposit
	err := s.withRetry(ctx, "recordDepositIfNew", func() error {
		_, insErr := col.InsertOne(ctx, dep)
		if insErr == nil {
			return nil
		}
		if mongo.IsDuplicateKeyError(insErr) {
			return col.FindOne(ctx, bson.M{"deposit_tx_hash": dep.DepositTxHash}).Decode(&existing)
		}
		return insErr
	})
	if err != nil {
		return nil, false, err
	}
	if existing.ID != "" {
		return &existing, false, nil
	}
	return dep, true, nil
}

// InsertLedgerEntry inserts a reward or debt entry (no tx hash, no
// idempotency key).
func (s *Store) InsertLedgerEntry(ctx context.Context, entry *core.Deposit) error {
	return s.withRetry(ctx, "insertLedgerEntry", func() error {
		_, err := s.db.Collection(ColCreditLedger).InsertOne(ctx, entry)
		return err
	})
}

// ConfirmDeposit flips a PENDING deposit to CONFIRMED once the oracle has
// seen enough confirmations.
func (s *Store) ConfirmDeposit(ctx context.Context, depositID string, confirmations int64) error {
	return s.withRetry(ctx, "confirmDeposit", func() error {
		res, err := s.db.Collection(ColCreditLedger).UpdateOne(ctx,
			bson.M{"_id": depositID, "status": core.DepositPending},
			bson.M{"$set": bson.M{
				"status":        core.DepositConfirmed,
				"confirmations": confirmations,
			}},
		)
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return core.E(core.KindConflict, "deposit %s is not pending", depositID)
		}
		return nil
	})
}

// FindDepositByTxHash returns the entry or (nil, nil).
func (s *Store) FindDepositByTxHash(ctx context.Context, txHash string) (*core.Deposit, error) {
	var dep core.Deposit
	err := s.withRetry(ctx, "findDepositByTxHash", func() error {
		return s.db.Collection(ColCreditLedger).
			FindOne(ctx, bson.M{"deposit_tx_hash": strings.ToLower(txHash)}).Decode(&dep)
	})
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &dep, nil
}

// FindDepositByID returns the entry or (nil, nil).
func (s *Store) FindDepositByID(ctx context.Context, depositID string) (*core.Deposit, error) {
	var dep core.Deposit
	err := s.withRetry(ctx, "findDepositByID", func() error {
		return s.db.Collection(ColCreditLedger).FindOne(ctx, bson.M{"_id": depositID}).Decode(&dep)
	})
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &dep, nil
}

// FindActiveDepositsForUser returns CONFIRMED entries with points left,
// FIFO-ordered (funding rate asc, then age).
func (s *Store) FindActiveDepositsForUser(ctx context.Context, masterAccountID string) ([]core.Deposit, error) {
	return s.findActiveDeposits(ctx, bson.M{
		"master_account_id": masterAccountID,
		"status":            core.DepositConfirmed,
		"points_remaining":  bson.M{"$gt": 0},
	})
}

// FindActiveDepositsForWallet is the back-compat path for deposits credited
// to a raw address before wallet linking.
func (s *Store) FindActiveDepositsForWallet(ctx context.Context, address string) ([]core.Deposit, error) {
	return s.findActiveDeposits(ctx, bson.M{
		"depositor_address": strings.ToLower(address),
		"status":            core.DepositConfirmed,
		"points_remaining":  bson.M{"$gt": 0},
	})
}

func (s *Store) findActiveDeposits(ctx context.Context, filter bson.M) ([]core.Deposit, error) {
	var out []core.Deposit
	err := s.withRetry(ctx, "findActiveDeposits", func() error {
		cur, err := s.db.Collection(ColCreditLedger).Find(ctx, filter, options.Find().SetSort(fifoSort))
		if err != nil {
			return err
		}
		out = out[:0]
		return cur.All(ctx, &out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeductPointsFromDeposit atomically subtracts amount, succeeding only when
// pointsRemaining covers it. A second conditional update flips the entry to
// EXHAUSTED when it hits zero. Returns false when the precondition lost.
func (s *Store) DeductPointsFromDeposit(ctx context.Context, depositID string, amount int64) (bool, error) {
	col := s.db.Collection(ColCreditLedger)

	res, err := col.UpdateOne(ctx,
		bson.M{
			"_id":              depositID,
			"status":           core.DepositConfirmed,
			"points_remaining": bson.M{"$gte": amount},
		},
		bson.M{"$inc": bson.M{"points_remaining": -amount}},
	)
	if err != nil {
		return false, storageErr("deductPointsFromDeposit", err)
	}
	if res.ModifiedCount == 0 {
		return false, nil
	}

	_, err = col.UpdateOne(ctx,
		bson.M{"_id": depositID, "points_remaining": 0, "status": core.DepositConfirmed},
		bson.M{"$set": bson.M{"status": core.DepositExhausted}},
	)
	if err != nil {
		return false, storageErr("markDepositExhausted", err)
	}
	return true, nil
}

// SumPointsRemainingForUser totals active user-owned points.
func (s *Store) SumPointsRemainingForUser(ctx context.Context, masterAccountID string) (int64, error) {
	return s.sumPointsRemaining(ctx, bson.M{
		"master_account_id": masterAccountID,
		"status":            core.DepositConfirmed,
	})
}

// SumPointsRemainingForWallet totals active wallet-owned points.
func (s *Store) SumPointsRemainingForWallet(ctx context.Context, address string) (int64, error) {
	return s.sumPointsRemaining(ctx, bson.M{
		"depositor_address": strings.ToLower(address),
		"status":            core.DepositConfirmed,
	})
}

func (s *Store) sumPointsRemaining(ctx context.Context, match bson.M) (int64, error) {
	pipeline := []bson.M{
		{"$match": match},
		{"$group": bson.M{"_id": nil, "total": bson.M{"$sum": "$points_remaining"}}},
	}

	var total int64
	err := s.withRetry(ctx, "sumPointsRemaining", func() error {
		cur, err := s.db.Collection(ColCreditLedger).Aggregate(ctx, pipeline)
		if err != nil {
			return err
		}
		var rows []struct {
			Total int64 `bson:"total"`
		}
		if err := cur.All(ctx, &rows); err != nil {
			return err
		}
		if len(rows) > 0 {
			total = rows[0].Total
		} else {
			total = 0
		}
		return nil
	})
	return total, err
}

// HasConfirmedDepositForToken reports whether the user holds any CONFIRMED
// deposit of the given token. Drives the MS2 tier check.
func (s *Store) HasConfirmedDepositForToken(ctx context.Context, masterAccountID, tokenAddress string) (bool, error) {
	var count int64
	err := s.withRetry(ctx, "hasConfirmedDepositForToken", func() error {
		var err error
		count, err = s.db.Collection(ColCreditLedger).CountDocuments(ctx, bson.M{
			"master_account_id": masterAccountID,
			"status":            core.DepositConfirmed,
			"token_address":     strings.ToLower(tokenAddress),
		}, options.Count().SetLimit(1))
		return err
	})
	return count > 0, err
}

// ListDepositsForUser returns the full ledger history, newest first.
func (s *Store) ListDepositsForUser(ctx context.Context, masterAccountID string, limit int64) ([]core.Deposit, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []core.Deposit
	err := s.withRetry(ctx, "listDepositsForUser", func() error {
		cur, err := s.db.Collection(ColCreditLedger).Find(ctx,
			bson.M{"master_account_id": masterAccountID},
			options.Find().SetSort(d("created_at", -1)).SetLimit(limit),
		)
		if err != nil {
			return err
		}
		out = out[:0]
		return cur.All(ctx, &out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
