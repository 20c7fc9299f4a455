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
// GENERATION OPERATIONS — generationOutputs collection
// ============================================================================

// terminalStatuses is reused by every guard that must not touch a frozen
// record.
var terminalStatuses = []core.GenerationStatus{
	core.GenCompleted, core.GenFailed, core.GenCancelled, core.GenTimeout,
}

// CreateGeneration inserts a new record.
func (s *Store) CreateGeneration(ctx context.Context, gen *core.Generation) error {
	return s.withRetry(ctx, "createGeneration", func() error {
		_, err := s.db.Collection(ColGenerations).InsertOne(ctx, gen)
		return err
	})
}

// FindGenerationByID returns the record or (nil, nil).
func (s *Store) FindGenerationByID(ctx context.Context, id string) (*core.Generation, error) {
	var gen core.Generation
	err := s.withRetry(ctx, "findGenerationByID", func() error {
		return s.db.Collection(ColGenerations).FindOne(ctx, bson.M{"_id": id}).Decode(&gen)
	})
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &gen, nil
}

// FindGenerationByRunID resolves the remote runtime correlator to a record,
// or (nil, nil). run_id is unique among active generations.
func (s *Store) FindGenerationByRunID(ctx context.Context, runID string) (*core.Generation, error) {
	var gen core.Generation
	err := s.withRetry(ctx, "findGenerationByRunID", func() error {
		return s.db.Collection(ColGenerations).FindOne(ctx, bson.M{"metadata.run_id": runID}).Decode(&gen)
	})
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &gen, nil
}

// UpdateGeneration applies a $set patch unconditionally. Reserved for
// non-status fields (run_id stamping, delivery bookkeeping).
func (s *Store) UpdateGeneration(ctx context.Context, id string, patch bson.M) error {
	return s.withRetry(ctx, "updateGeneration", func() error {
		res, err := s.db.Collection(ColGenerations).UpdateOne(ctx,
			bson.M{"_id": id}, bson.M{"$set": patch})
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return notFound("generation", id)
		}
		return nil
	})
}

// UpdateGenerationIfActive applies a patch only while the record has not
// reached a terminal status. Returns false when the record was already
// frozen; the caller logs and discards the event.
func (s *Store) UpdateGenerationIfActive(ctx context.Context, id string, patch bson.M) (bool, error) {
	res, err := s.db.Collection(ColGenerations).UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$nin": terminalStatuses}},
		bson.M{"$set": patch},
	)
	if err != nil {
		return false, storageErr("updateGenerationIfActive", err)
	}
	return res.MatchedCount > 0, nil
}

// AdvanceGenerationProgress stores a progress tick only when it is ahead of
// the stored value (monotonic rule) and the record is still active.
func (s *Store) AdvanceGenerationProgress(ctx context.Context, id string, progress float64, liveStatus string) (bool, error) {
	patch := bson.M{
		"status":     core.GenProcessing,
		"progress":   progress,
		"liveStatus": liveStatus,
	}
	res, err := s.db.Collection(ColGenerations).UpdateOne(ctx,
		bson.M{
			"_id":    id,
			"status": bson.M{"$nin": terminalStatuses},
			"$or": []bson.M{
				{"progress": bson.M{"$exists": false}},
				{"progress": bson.M{"$lte": progress}},
			},
		},
		bson.M{"$set": patch},
	)
	if err != nil {
		return false, storageErr("advanceGenerationProgress", err)
	}
	return res.ModifiedCount > 0, nil
}

// SetGenerationDeliveryStatus records the delivery outcome for a record.
func (s *Store) SetGenerationDeliveryStatus(ctx context.Context, id string, ds core.DeliveryStatus) error {
	return s.UpdateGeneration(ctx, id, bson.M{"deliveryStatus": ds})
}

// GenerationFilter narrows FindGenerations.
type GenerationFilter struct {
	MasterAccountID string
	CookExecutionID string
	SpellCastID     string
	Statuses        []core.GenerationStatus
	Limit           int64
}

// FindGenerations lists records matching the filter, oldest first.
func (s *Store) FindGenerations(ctx context.Context, f GenerationFilter) ([]core.Generation, error) {
	filter := bson.M{}
	if f.MasterAccountID != "" {
		filter["masterAccountId"] = f.MasterAccountID
	}
	if f.CookExecutionID != "" {
		filter["metadata.cookExecutionId"] = f.CookExecutionID
	}
	if f.SpellCastID != "" {
		filter["metadata.spellCastId"] = f.SpellCastID
	}
	if len(f.Statuses) > 0 {
		filter["status"] = bson.M{"$in": f.Statuses}
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []core.Generation
	err := s.withRetry(ctx, "findGenerations", func() error {
		cur, err := s.db.Collection(ColGenerations).Find(ctx, filter,
			options.Find().SetSort(d("requestTimestamp", 1)).SetLimit(limit))
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

// FindExpiredGenerations returns active records whose deadline passed. The
// deadline is requestTimestamp + maxDurationMs, carried on the record patch
// at submit time via the expiresAt field.
func (s *Store) FindExpiredGenerations(ctx context.Context, now time.Time) ([]core.Generation, error) {
	var out []core.Generation
	err := s.withRetry(ctx, "findExpiredGenerations", func() error {
		cur, err := s.db.Collection(ColGenerations).Find(ctx, bson.M{
			"status":    bson.M{"$nin": terminalStatuses},
			"expiresAt": bson.M{"$lte": now, "$exists": true},
		})
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
