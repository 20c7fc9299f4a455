package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/noemahq/noema/internal/core"
)

// ============================================================================
// API KEY OPERATIONS — apiKeys collection
// ============================================================================

// InsertAPIKey stores a new key record. Only the SHA-256 of the secret is
// persisted; the plaintext exists in Redis for the 5-minute reveal window
// and nowhere else.
func (s *Store) InsertAPIKey(ctx context.Context, key *core.APIKey) error {
	return s.withRetry(ctx, "insertAPIKey", func() error {
		_, err := s.db.Collection(ColAPIKeys).InsertOne(ctx, key)
		if mongo.IsDuplicateKeyError(err) {
			return core.E(core.KindConflict, "api key prefix collision")
		}
		return err
	})
}

// FindAPIKeyByPrefix returns the key record for the indexed prefix or
// (nil, nil). The caller compares secret hashes in constant time.
func (s *Store) FindAPIKeyByPrefix(ctx context.Context, prefix string) (*core.APIKey, error) {
	var key core.APIKey
	err := s.withRetry(ctx, "findAPIKeyByPrefix", func() error {
		return s.db.Collection(ColAPIKeys).FindOne(ctx, bson.M{"keyPrefix": prefix}).Decode(&key)
	})
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// TouchAPIKey records key usage; failures are non-fatal bookkeeping.
func (s *Store) TouchAPIKey(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.Collection(ColAPIKeys).UpdateOne(ctx,
		bson.M{"_id": id}, bson.M{"$set": bson.M{"lastUsedAt": now}})
	if err != nil {
		return storageErr("touchAPIKey", err)
	}
	return nil
}

// RevokeAPIKey deactivates a key.
func (s *Store) RevokeAPIKey(ctx context.Context, id, masterAccountID string) error {
	return s.withRetry(ctx, "revokeAPIKey", func() error {
		res, err := s.db.Collection(ColAPIKeys).UpdateOne(ctx,
			bson.M{"_id": id, "masterAccountId": masterAccountID},
			bson.M{"$set": bson.M{"status": "revoked"}})
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return notFound("api key", id)
		}
		return nil
	})
}

// ListAPIKeys returns the account's keys, newest first.
func (s *Store) ListAPIKeys(ctx context.Context, masterAccountID string) ([]core.APIKey, error) {
	var out []core.APIKey
	err := s.withRetry(ctx, "listAPIKeys", func() error {
		cur, err := s.db.Collection(ColAPIKeys).Find(ctx,
			bson.M{"masterAccountId": masterAccountID},
			options.Find().SetSort(d("createdAt", -1)))
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
