package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/noemahq/noema/internal/core"
)

// ============================================================================
// MONGO STORE - Typed persistence for all aggregates, no business logic
// ============================================================================

// Collection names. One document collection per aggregate.
const (
	ColUserCore        = "userCore"
	ColUserEconomy     = "userEconomy"
	ColUserPreferences = "userPreferences"
	ColCreditLedger    = "credit_ledger"
	ColGenerations     = "generationOutputs"
	ColCooks           = "cooks"
	ColSpells          = "spells"
	ColSpellCasts      = "spellCasts"
	ColLoraModels      = "loraModels"
	ColLoraPermissions = "loraPermissions"
	ColTrainings       = "trainings"
	ColDatasets        = "datasets"
	ColAPIKeys         = "apiKeys"
	ColTools           = "tools"
)

// Store wraps a Mongo database with typed operations for every aggregate.
// Point lookups return (nil, nil) when the document does not exist; callers
// that require a hit translate that to NOT_FOUND.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *log.Logger
}

// New connects, pings and returns a ready Store. The registry encodes
// decimal.Decimal as BSON Decimal128 so money never touches binary floats.
func New(ctx context.Context, uri, dbName string) (*Store, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetRegistry(decimalRegistry()).
		SetServerSelectionTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	return &Store{
		client: client,
		db:     client.Database(dbName),
		logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}, nil
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// EnsureIndexes creates every index the engine relies on. Idempotent.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	type spec struct {
		col    string
		models []mongo.IndexModel
	}

	specs := []spec{
		{ColCreditLedger, []mongo.IndexModel{
			{Keys: d("deposit_tx_hash", 1), Options: options.Index().SetUnique(true).SetSparse(true)},
			{Keys: d3("master_account_id", 1, "status", 1, "points_remaining", 1)},
			{Keys: d3("depositor_address", 1, "status", 1, "points_remaining", 1)},
		}},
		{ColGenerations, []mongo.IndexModel{
			{Keys: d("metadata.run_id", 1), Options: options.Index().SetSparse(true)},
			{Keys: d("metadata.cookExecutionId", 1), Options: options.Index().SetSparse(true)},
			{Keys: d("masterAccountId", 1)},
		}},
		{ColCooks, []mongo.IndexModel{
			{Keys: d2("masterAccountId", 1, "status", 1)},
		}},
		{ColAPIKeys, []mongo.IndexModel{
			{Keys: d("keyPrefix", 1), Options: options.Index().SetUnique(true)},
		}},
		{ColUserCore, []mongo.IndexModel{
			{Keys: d2("identities.platform", 1, "identities.platformId", 1)},
			{Keys: d("wallets.address", 1), Options: options.Index().SetSparse(true)},
		}},
		{ColLoraModels, []mongo.IndexModel{
			{Keys: d("checkpoint", 1)},
		}},
		{ColTrainings, []mongo.IndexModel{
			{Keys: d2("masterAccountId", 1, "status", 1)},
		}},
	}

	for _, sp := range specs {
		if _, err := s.db.Collection(sp.col).Indexes().CreateMany(ctx, sp.models); err != nil {
			return fmt.Errorf("failed to ensure indexes on %s: %w", sp.col, err)
		}
	}
	s.logger.Printf("✅ Indexes ensured across %d collections", len(specs))
	return nil
}

// WithTransaction runs fn inside a causally-consistent session transaction.
// Every store call inside fn must use the ctx it receives.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return storageErr("start session", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

// ============================================================================
// TRANSIENT FAILURE HANDLING
// ============================================================================

const (
	retryAttempts = 3
	retryBaseWait = 100 * time.Millisecond
)

// withRetry re-runs op on transient Mongo failures, up to retryAttempts.
// Non-transient errors surface immediately.
func (s *Store) withRetry(ctx context.Context, label string, op func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err = op(); err == nil || !isTransient(err) {
			return err
		}
		wait := retryBaseWait * time.Duration(1<<attempt)
		s.logger.Printf("⚠️ Transient mongo error on %s (attempt %d/%d), retrying in %v: %v",
			label, attempt+1, retryAttempts, wait, err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return storageErr(label, err)
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return true
	}
	var se mongo.ServerError
	if errors.As(err, &se) {
		return se.HasErrorLabel("TransientTransactionError") || se.HasErrorLabel("RetryableWriteError")
	}
	return false
}

func storageErr(label string, err error) error {
	return core.Wrap(core.KindStorageUnavailable, err, "store: %s", label)
}

// ============================================================================
// BSON SHORTHANDS
// ============================================================================

func d(k string, v int) bson.D {
	return bson.D{{Key: k, Value: v}}
}

func d2(k1 string, v1 int, k2 string, v2 int) bson.D {
	return bson.D{{Key: k1, Value: v1}, {Key: k2, Value: v2}}
}

func d3(k1 string, v1 int, k2 string, v2 int, k3 string, v3 int) bson.D {
	return bson.D{{Key: k1, Value: v1}, {Key: k2, Value: v2}, {Key: k3, Value: v3}}
}
