package store

import (
	"context"
	"regexp"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/noemahq/noema/internal/core"
)

// ============================================================================
// LORA OPERATIONS — loraModels + loraPermissions collections
// ============================================================================

// FindLoraBySlug returns the model or (nil, nil).
func (s *Store) FindLoraBySlug(ctx context.Context, slug string) (*core.LoraModel, error) {
	var lora core.LoraModel
	err := s.withRetry(ctx, "findLoraBySlug", func() error {
		return s.db.Collection(ColLoraModels).FindOne(ctx, bson.M{"_id": slug}).Decode(&lora)
	})
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lora, nil
}

// UpsertLora creates or replaces a LoRA model (training completion path).
func (s *Store) UpsertLora(ctx context.Context, lora *core.LoraModel) error {
	return s.withRetry(ctx, "upsertLora", func() error {
		_, err := s.db.Collection(ColLoraModels).ReplaceOne(ctx,
			bson.M{"_id": lora.Slug}, lora, options.Replace().SetUpsert(true))
		return err
	})
}

// LoraSearch narrows SearchLoras.
type LoraSearch struct {
	Query      string
	Checkpoint string
	FilterType string // "" | public | owned
	Owner      string // masterAccountId for owned/permission scoping
	Limit      int64
}

// SearchLoras substring-matches q across name, slug, trigger words,
// description and tags, case-insensitively. Private models only surface for
// their owner (permission grants widen this at the service layer).
func (s *Store) SearchLoras(ctx context.Context, q LoraSearch) ([]core.LoraModel, error) {
	filter := bson.M{}

	if q.Query != "" {
		re := primitiveRegex(q.Query)
		filter["$or"] = []bson.M{
			{"name": re},
			{"_id": re},
			{"triggerWords": re},
			{"description": re},
			{"tags": re},
		}
	}
	if q.Checkpoint != "" {
		filter["checkpoint"] = q.Checkpoint
	}
	switch q.FilterType {
	case "owned":
		filter["ownedBy"] = q.Owner
	case "public":
		filter["$and"] = []bson.M{{"$or": []bson.M{
			{"ownedBy": ""},
			{"ownedBy": bson.M{"$exists": false}},
		}}}
	default:
		if q.Owner != "" {
			filter["$and"] = []bson.M{{"$or": []bson.M{
				{"ownedBy": ""},
				{"ownedBy": bson.M{"$exists": false}},
				{"ownedBy": q.Owner},
			}}}
		}
	}

	limit := q.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var out []core.LoraModel
	err := s.withRetry(ctx, "searchLoras", func() error {
		cur, err := s.db.Collection(ColLoraModels).Find(ctx, filter,
			options.Find().SetSort(d("name", 1)).SetLimit(limit))
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

// HasLoraPermission reports whether the account was granted access to a
// private LoRA.
func (s *Store) HasLoraPermission(ctx context.Context, loraSlug, masterAccountID string) (bool, error) {
	var count int64
	err := s.withRetry(ctx, "hasLoraPermission", func() error {
		var err error
		count, err = s.db.Collection(ColLoraPermissions).CountDocuments(ctx, bson.M{
			"loraSlug":        loraSlug,
			"masterAccountId": masterAccountID,
		}, options.Count().SetLimit(1))
		return err
	})
	return count > 0, err
}

// GrantLoraPermission inserts a grant; duplicates are no-ops.
func (s *Store) GrantLoraPermission(ctx context.Context, perm *core.LoraPermission) error {
	return s.withRetry(ctx, "grantLoraPermission", func() error {
		_, err := s.db.Collection(ColLoraPermissions).UpdateOne(ctx,
			bson.M{"loraSlug": perm.LoraSlug, "masterAccountId": perm.MasterAccountID},
			bson.M{"$setOnInsert": perm},
			options.Update().SetUpsert(true),
		)
		return err
	})
}

// primitiveRegex builds a case-insensitive substring matcher with the query
// escaped, so user input never becomes a pattern.
func primitiveRegex(q string) bson.M {
	return bson.M{"$regex": regexp.QuoteMeta(q), "$options": "i"}
}
