package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/noemahq/noema/internal/core"
)

// ============================================================================
// COOK OPERATIONS — cooks collection
// ============================================================================

// CreateCook inserts a draft cook aggregate.
func (s *Store) CreateCook(ctx context.Context, cook *core.Cook) error {
	return s.withRetry(ctx, "createCook", func() error {
		_, err := s.db.Collection(ColCooks).InsertOne(ctx, cook)
		return err
	})
}

// FindCookByID returns the cook or (nil, nil).
func (s *Store) FindCookByID(ctx context.Context, id string) (*core.Cook, error) {
	var cook core.Cook
	err := s.withRetry(ctx, "findCookByID", func() error {
		return s.db.Collection(ColCooks).FindOne(ctx, bson.M{"_id": id}).Decode(&cook)
	})
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cook, nil
}

// ListCooksByOwner returns the owner's cooks, optionally narrowed by status.
func (s *Store) ListCooksByOwner(ctx context.Context, masterAccountID string, status core.CookStatus) ([]core.Cook, error) {
	filter := bson.M{"masterAccountId": masterAccountID}
	if status != "" {
		filter["status"] = status
	}
	var out []core.Cook
	err := s.withRetry(ctx, "listCooksByOwner", func() error {
		cur, err := s.db.Collection(ColCooks).Find(ctx, filter,
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

// ListCooksByStatus returns every cook in the given status, across owners.
// Boot recovery uses this to re-launch workers for running cooks.
func (s *Store) ListCooksByStatus(ctx context.Context, status core.CookStatus) ([]core.Cook, error) {
	var out []core.Cook
	err := s.withRetry(ctx, "listCooksByStatus", func() error {
		cur, err := s.db.Collection(ColCooks).Find(ctx, bson.M{"status": status})
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

// TransitionCookStatus performs a guarded FSM edge: the update applies only
// while the cook sits in one of the expected source states. Returns false
// when the precondition lost (concurrent control call).
func (s *Store) TransitionCookStatus(ctx context.Context, id string, from []core.CookStatus, to core.CookStatus) (bool, error) {
	patch := bson.M{"status": to}
	if to == core.CookCompleted || to == core.CookStopped {
		now := time.Now().UTC()
		patch["completedAt"] = now
	}
	res, err := s.db.Collection(ColCooks).UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": from}},
		bson.M{"$set": patch},
	)
	if err != nil {
		return false, storageErr("transitionCookStatus", err)
	}
	return res.ModifiedCount > 0, nil
}

// AppendCookPiece records one finished piece on the aggregate: the id joins
// generationIds, counts and cost advance, and successful pieces enter the
// review queue. The push/inc pair is one document update, so counts can
// never drift from the id list. Appending the same piece twice is a no-op
// (false), which makes crash recovery safe to replay.
func (s *Store) AppendCookPiece(ctx context.Context, cookID, generationID string, cost decimal.Decimal, success bool) (bool, error) {
	push := bson.M{"generationIds": generationID}
	if success {
		push["pendingReview"] = generationID
	}
	res, err := s.db.Collection(ColCooks).UpdateOne(ctx,
		bson.M{"_id": cookID, "generationIds": bson.M{"$ne": generationID}},
		bson.M{
			"$push": push,
			"$inc": bson.M{
				"generatedCount": 1,
				"costUsd":        cost,
			},
		},
	)
	if err != nil {
		return false, storageErr("appendCookPiece", err)
	}
	return res.MatchedCount > 0, nil
}

// ReviewCookPiece moves a generation id out of the pending queue into
// acceptedIds or rejectedIds. Re-reviews move it between the two.
func (s *Store) ReviewCookPiece(ctx context.Context, cookID, generationID string, accept bool) error {
	addTo := "acceptedIds"
	pullFrom := "rejectedIds"
	if !accept {
		addTo = "rejectedIds"
		pullFrom = "acceptedIds"
	}
	return s.withRetry(ctx, "reviewCookPiece", func() error {
		res, err := s.db.Collection(ColCooks).UpdateOne(ctx,
			bson.M{"_id": cookID, "generationIds": generationID},
			bson.M{
				"$addToSet": bson.M{addTo: generationID},
				"$pull": bson.M{
					"pendingReview": generationID,
					pullFrom:        generationID,
				},
			},
		)
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return core.E(core.KindNotFound, "cook %s has no piece %s", cookID, generationID)
		}
		return nil
	})
}
