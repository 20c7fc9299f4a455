package store

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/noemahq/noema/internal/core"
)

// ============================================================================
// USER OPERATIONS — userCore collection
// ============================================================================

// FindOrCreateByPlatform resolves a platform identity to a user, creating the
// user on first contact. The upsert is race-safe: concurrent first contacts
// observe a single insert and isNew is true for exactly one caller.
func (s *Store) FindOrCreateByPlatform(ctx context.Context, platform, platformID string, hints map[string]string) (*core.User, bool, error) {
	now := time.Now().UTC()
	candidate := core.User{
		ID:         primitive.NewObjectID().Hex(),
		Display:    hints["display"],
		Identities: []core.PlatformIdentity{{Platform: platform, PlatformID: platformID}},
		Wallets:    []core.Wallet{},
		Status:     "active",
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	filter := bson.M{"identities": bson.M{"$elemMatch": bson.M{
		"platform":   platform,
		"platformId": platformID,
	}}}
	update := bson.M{"$setOnInsert": candidate}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var user core.User
	err := s.withRetry(ctx, "findOrCreateByPlatform", func() error {
		return s.db.Collection(ColUserCore).FindOneAndUpdate(ctx, filter, update, opts).Decode(&user)
	})
	if err != nil {
		return nil, false, err
	}
	return &user, user.ID == candidate.ID, nil
}

// FindUserByID returns the user or (nil, nil).
func (s *Store) FindUserByID(ctx context.Context, masterAccountID string) (*core.User, error) {
	var user core.User
	err := s.withRetry(ctx, "findUserByID", func() error {
		return s.db.Collection(ColUserCore).FindOne(ctx, bson.M{"_id": masterAccountID}).Decode(&user)
	})
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// FindUserByPlatform returns the user bound to a platform identity or (nil, nil).
func (s *Store) FindUserByPlatform(ctx context.Context, platform, platformID string) (*core.User, error) {
	filter := bson.M{"identities": bson.M{"$elemMatch": bson.M{
		"platform":   platform,
		"platformId": platformID,
	}}}
	var user core.User
	err := s.withRetry(ctx, "findUserByPlatform", func() error {
		return s.db.Collection(ColUserCore).FindOne(ctx, filter).Decode(&user)
	})
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// FindUserByWallet returns the user owning the given wallet address or (nil, nil).
// Addresses compare case-insensitively (stored lowercased).
func (s *Store) FindUserByWallet(ctx context.Context, address string) (*core.User, error) {
	var user core.User
	err := s.withRetry(ctx, "findUserByWallet", func() error {
		return s.db.Collection(ColUserCore).FindOne(ctx, bson.M{"wallets.address": strings.ToLower(address)}).Decode(&user)
	})
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// ============================================================================
// WALLET OPERATIONS — embedded in userCore
// ============================================================================

// AddWallet appends an address to the user. When primary is requested, any
// existing primary flag is cleared first so at most one wallet stays primary.
func (s *Store) AddWallet(ctx context.Context, masterAccountID, address string, primary bool) error {
	address = strings.ToLower(address)
	col := s.db.Collection(ColUserCore)

	return s.withRetry(ctx, "addWallet", func() error {
		if primary {
			if _, err := col.UpdateOne(ctx,
				bson.M{"_id": masterAccountID},
				bson.M{"$set": bson.M{"wallets.$[].isPrimary": false}},
			); err != nil && err != mongo.ErrNoDocuments {
				return err
			}
		}
		res, err := col.UpdateOne(ctx,
			bson.M{"_id": masterAccountID, "wallets.address": bson.M{"$ne": address}},
			bson.M{
				"$push": bson.M{"wallets": core.Wallet{
					Address:   address,
					IsPrimary: primary,
					Verified:  true,
					AddedAt:   time.Now().UTC(),
				}},
				"$set": bson.M{"updatedAt": time.Now().UTC()},
			},
		)
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return core.E(core.KindConflict, "wallet %s already attached or user missing", address)
		}
		return nil
	})
}

// SetPrimaryWallet marks one address primary and clears the rest.
func (s *Store) SetPrimaryWallet(ctx context.Context, masterAccountID, address string) error {
	address = strings.ToLower(address)
	col := s.db.Collection(ColUserCore)

	return s.withRetry(ctx, "setPrimaryWallet", func() error {
		if _, err := col.UpdateOne(ctx,
			bson.M{"_id": masterAccountID},
			bson.M{"$set": bson.M{"wallets.$[].isPrimary": false}},
		); err != nil {
			return err
		}
		res, err := col.UpdateOne(ctx,
			bson.M{"_id": masterAccountID},
			bson.M{"$set": bson.M{"wallets.$[w].isPrimary": true}},
			options.Update().SetArrayFilters(options.ArrayFilters{
				Filters: []interface{}{bson.M{"w.address": address}},
			}),
		)
		if err != nil {
			return err
		}
		if res.ModifiedCount == 0 {
			return core.E(core.KindNotFound, "wallet %s not found on user %s", address, masterAccountID)
		}
		return nil
	})
}

// RemoveWallet detaches an address from the user.
func (s *Store) RemoveWallet(ctx context.Context, masterAccountID, address string) error {
	address = strings.ToLower(address)
	return s.withRetry(ctx, "removeWallet", func() error {
		res, err := s.db.Collection(ColUserCore).UpdateOne(ctx,
			bson.M{"_id": masterAccountID},
			bson.M{"$pull": bson.M{"wallets": bson.M{"address": address}}},
		)
		if err != nil {
			return err
		}
		if res.ModifiedCount == 0 {
			return core.E(core.KindNotFound, "wallet %s not found on user %s", address, masterAccountID)
		}
		return nil
	})
}

// ListWallets returns the user's wallets in attachment order.
func (s *Store) ListWallets(ctx context.Context, masterAccountID string) ([]core.Wallet, error) {
	user, err := s.FindUserByID(ctx, masterAccountID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, core.E(core.KindNotFound, "user %s not found", masterAccountID)
	}
	return user.Wallets, nil
}

// TouchUser bumps updatedAt; used by the linking flow after key issuance.
func (s *Store) TouchUser(ctx context.Context, masterAccountID string) error {
	return s.withRetry(ctx, "touchUser", func() error {
		_, err := s.db.Collection(ColUserCore).UpdateOne(ctx,
			bson.M{"_id": masterAccountID},
			bson.M{"$set": bson.M{"updatedAt": time.Now().UTC()}},
		)
		return err
	})
}

// ============================================================================
// ECONOMY AGGREGATES — userEconomy collection
// ============================================================================

// BumpEconomy folds a committed credit or spend into the account's lifetime
// counters. Accounts with no history get their document on first bump.
func (s *Store) BumpEconomy(ctx context.Context, masterAccountID string, credited, spent int64) error {
	if masterAccountID == "" || (credited == 0 && spent == 0) {
		return nil
	}
	inc := bson.M{}
	if credited != 0 {
		inc["pointsCredited"] = credited
		inc["deposits"] = int64(1)
	}
	if spent != 0 {
		inc["pointsSpent"] = spent
		inc["spends"] = int64(1)
	}
	return s.withRetry(ctx, "bumpEconomy", func() error {
		_, err := s.db.Collection(ColUserEconomy).UpdateOne(ctx,
			bson.M{"_id": masterAccountID},
			bson.M{"$inc": inc, "$set": bson.M{"updatedAt": time.Now().UTC()}},
			options.Update().SetUpsert(true),
		)
		return err
	})
}

// GetEconomy returns the account's lifetime counters, zero-valued when the
// account has never credited or spent.
func (s *Store) GetEconomy(ctx context.Context, masterAccountID string) (*core.UserEconomy, error) {
	var eco core.UserEconomy
	err := s.withRetry(ctx, "getEconomy", func() error {
		return s.db.Collection(ColUserEconomy).FindOne(ctx, bson.M{"_id": masterAccountID}).Decode(&eco)
	})
	if err == mongo.ErrNoDocuments {
		return &core.UserEconomy{MasterAccountID: masterAccountID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &eco, nil
}

// ============================================================================
// PREFERENCES — userPreferences collection
// ============================================================================

// GetPreferences returns the account's preference document, empty-valued
// when none has been saved.
func (s *Store) GetPreferences(ctx context.Context, masterAccountID string) (*core.UserPreferences, error) {
	var prefs core.UserPreferences
	err := s.withRetry(ctx, "getPreferences", func() error {
		return s.db.Collection(ColUserPreferences).FindOne(ctx, bson.M{"_id": masterAccountID}).Decode(&prefs)
	})
	if err == mongo.ErrNoDocuments {
		return &core.UserPreferences{MasterAccountID: masterAccountID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &prefs, nil
}

// SavePreferences replaces the account's preference document wholesale.
func (s *Store) SavePreferences(ctx context.Context, prefs *core.UserPreferences) error {
	prefs.UpdatedAt = time.Now().UTC()
	return s.withRetry(ctx, "savePreferences", func() error {
		_, err := s.db.Collection(ColUserPreferences).ReplaceOne(ctx,
			bson.M{"_id": prefs.MasterAccountID}, prefs,
			options.Replace().SetUpsert(true),
		)
		return err
	})
}

func notFound(what, id string) error {
	return core.E(core.KindNotFound, "%s %s not found", what, id)
}
