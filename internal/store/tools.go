package store

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/noemahq/noema/internal/core"
)

// ============================================================================
// TOOL CATALOG OPERATIONS — tools collection
// ============================================================================

// LoadTools returns every tool document. The registry caches the result and
// the engine never writes tools back.
func (s *Store) LoadTools(ctx context.Context) ([]core.Tool, error) {
	var out []core.Tool
	err := s.withRetry(ctx, "loadTools", func() error {
		cur, err := s.db.Collection(ColTools).Find(ctx, bson.M{})
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

// SeedTools upserts the boot-time tool definitions loaded from YAML. Seeding
// keeps deploy-time catalog changes out of the engine's write path.
func (s *Store) SeedTools(ctx context.Context, tools []core.Tool) error {
	col := s.db.Collection(ColTools)
	for i := range tools {
		t := tools[i]
		err := s.withRetry(ctx, "seedTools", func() error {
			_, err := col.ReplaceOne(ctx, bson.M{"_id": t.ToolID}, t,
				options.Replace().SetUpsert(true))
			return err
		})
		if err != nil {
			return err
		}
	}
	s.logger.Printf("📦 Seeded %d tools", len(tools))
	return nil
}
