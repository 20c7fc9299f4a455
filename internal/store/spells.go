package store

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/noemahq/noema/internal/core"
)

// ============================================================================
// SPELL OPERATIONS — spells + spellCasts collections
// ============================================================================

// CreateSpell inserts a spell definition; slugs are unique.
func (s *Store) CreateSpell(ctx context.Context, spell *core.Spell) error {
	return s.withRetry(ctx, "createSpell", func() error {
		_, err := s.db.Collection(ColSpells).InsertOne(ctx, spell)
		if mongo.IsDuplicateKeyError(err) {
			return core.E(core.KindConflict, "spell slug %s already exists", spell.Slug)
		}
		return err
	})
}

// FindSpellBySlug returns the spell or (nil, nil).
func (s *Store) FindSpellBySlug(ctx context.Context, slug string) (*core.Spell, error) {
	var spell core.Spell
	err := s.withRetry(ctx, "findSpellBySlug", func() error {
		return s.db.Collection(ColSpells).FindOne(ctx, bson.M{"_id": slug}).Decode(&spell)
	})
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &spell, nil
}

// ListSpells returns spells visible to the caller: their own plus any
// listed/public ones.
func (s *Store) ListSpells(ctx context.Context, masterAccountID string) ([]core.Spell, error) {
	filter := bson.M{"$or": []bson.M{
		{"owner": masterAccountID},
		{"visibility": bson.M{"$in": []string{"listed", "public"}}},
	}}
	var out []core.Spell
	err := s.withRetry(ctx, "listSpells", func() error {
		cur, err := s.db.Collection(ColSpells).Find(ctx, filter,
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

// DeleteSpell removes an owned spell.
func (s *Store) DeleteSpell(ctx context.Context, slug, owner string) error {
	return s.withRetry(ctx, "deleteSpell", func() error {
		res, err := s.db.Collection(ColSpells).DeleteOne(ctx, bson.M{"_id": slug, "owner": owner})
		if err != nil {
			return err
		}
		if res.DeletedCount == 0 {
			return notFound("spell", slug)
		}
		return nil
	})
}

// CreateSpellCast inserts a running cast record.
func (s *Store) CreateSpellCast(ctx context.Context, cast *core.SpellCast) error {
	return s.withRetry(ctx, "createSpellCast", func() error {
		_, err := s.db.Collection(ColSpellCasts).InsertOne(ctx, cast)
		return err
	})
}

// FindSpellCastByID returns the cast or (nil, nil).
func (s *Store) FindSpellCastByID(ctx context.Context, castID string) (*core.SpellCast, error) {
	var cast core.SpellCast
	err := s.withRetry(ctx, "findSpellCastByID", func() error {
		return s.db.Collection(ColSpellCasts).FindOne(ctx, bson.M{"_id": castID}).Decode(&cast)
	})
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cast, nil
}

// UpdateSpellCast applies a $set patch to a cast.
func (s *Store) UpdateSpellCast(ctx context.Context, castID string, patch bson.M) error {
	return s.withRetry(ctx, "updateSpellCast", func() error {
		res, err := s.db.Collection(ColSpellCasts).UpdateOne(ctx,
			bson.M{"_id": castID}, bson.M{"$set": patch})
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return notFound("spell cast", castID)
		}
		return nil
	})
}
