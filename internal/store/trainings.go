package store

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/noemahq/noema/internal/core"
)

// ============================================================================
// TRAINING OPERATIONS — trainings + datasets collections
// ============================================================================

// CreateTraining inserts a training job record.
func (s *Store) CreateTraining(ctx context.Context, t *core.Training) error {
	return s.withRetry(ctx, "createTraining", func() error {
		_, err := s.db.Collection(ColTrainings).InsertOne(ctx, t)
		return err
	})
}

// FindTrainingByID returns the job or (nil, nil).
func (s *Store) FindTrainingByID(ctx context.Context, id string) (*core.Training, error) {
	var t core.Training
	err := s.withRetry(ctx, "findTrainingByID", func() error {
		return s.db.Collection(ColTrainings).FindOne(ctx, bson.M{"_id": id}).Decode(&t)
	})
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTraining applies a $set patch.
func (s *Store) UpdateTraining(ctx context.Context, id string, patch bson.M) error {
	return s.withRetry(ctx, "updateTraining", func() error {
		res, err := s.db.Collection(ColTrainings).UpdateOne(ctx,
			bson.M{"_id": id}, bson.M{"$set": patch})
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return notFound("training", id)
		}
		return nil
	})
}

// SetTrainingGeneration attaches the lifecycle record driving this job.
func (s *Store) SetTrainingGeneration(ctx context.Context, id, generationID string, status core.TrainingStatus) error {
	return s.UpdateTraining(ctx, id, bson.M{"generationId": generationID, "status": status})
}

// SetTrainingStatus moves the job FSM; terminal states also stamp completedAt.
func (s *Store) SetTrainingStatus(ctx context.Context, id string, status core.TrainingStatus) error {
	patch := bson.M{"status": status}
	switch status {
	case core.TrainingCompleted, core.TrainingFailed, core.TrainingCancelled:
		patch["completedAt"] = core.Now()
	}
	return s.UpdateTraining(ctx, id, patch)
}

// SetTrainingInstance records the rented instance once provisioning lands.
// The sweeper reads instanceId to tell live rentals from orphans.
func (s *Store) SetTrainingInstance(ctx context.Context, id string, instanceID int64, gpuType string, attempts int) error {
	return s.UpdateTraining(ctx, id, bson.M{
		"instanceId":    instanceID,
		"gpuType":       gpuType,
		"offerAttempts": attempts,
		"status":        core.TrainingRunning,
	})
}

// SetTrainingArtifact stamps the uploaded artifact location.
func (s *Store) SetTrainingArtifact(ctx context.Context, id, artifactURL string) error {
	return s.UpdateTraining(ctx, id, bson.M{"artifactUrl": artifactURL})
}

// FindTrainingByGenerationID maps a lifecycle record back to its job.
// Runtime hooks only know the generation they were submitted under.
func (s *Store) FindTrainingByGenerationID(ctx context.Context, generationID string) (*core.Training, error) {
	var t core.Training
	err := s.withRetry(ctx, "findTrainingByGeneration", func() error {
		return s.db.Collection(ColTrainings).FindOne(ctx, bson.M{"generationId": generationID}).Decode(&t)
	})
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTrainings returns an account's jobs, newest first.
func (s *Store) ListTrainings(ctx context.Context, masterAccountID string, limit int64) ([]core.Training, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []core.Training
	err := s.withRetry(ctx, "listTrainings", func() error {
		cur, err := s.db.Collection(ColTrainings).Find(ctx,
			bson.M{"masterAccountId": masterAccountID},
			options.Find().SetSort(d("createdAt", -1)).SetLimit(limit))
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

// ListActiveTrainings returns jobs holding (or about to hold) GPU instances.
// The sweeper reconciles these against the provider's live instance list.
func (s *Store) ListActiveTrainings(ctx context.Context) ([]core.Training, error) {
	active := []core.TrainingStatus{
		core.TrainingQueued, core.TrainingProvisioning,
		core.TrainingRunning, core.TrainingUploading,
	}
	var out []core.Training
	err := s.withRetry(ctx, "listActiveTrainings", func() error {
		cur, err := s.db.Collection(ColTrainings).Find(ctx,
			bson.M{"status": bson.M{"$in": active}})
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

// ============================================================================
// DATASET OPERATIONS
// ============================================================================

// CreateDataset inserts an uploaded image set.
func (s *Store) CreateDataset(ctx context.Context, ds *core.Dataset) error {
	return s.withRetry(ctx, "createDataset", func() error {
		_, err := s.db.Collection(ColDatasets).InsertOne(ctx, ds)
		return err
	})
}

// FindDatasetByID returns the dataset or (nil, nil).
func (s *Store) FindDatasetByID(ctx context.Context, id string) (*core.Dataset, error) {
	var ds core.Dataset
	err := s.withRetry(ctx, "findDatasetByID", func() error {
		return s.db.Collection(ColDatasets).FindOne(ctx, bson.M{"_id": id}).Decode(&ds)
	})
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ds, nil
}
