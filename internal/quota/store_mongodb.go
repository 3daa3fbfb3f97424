package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoDBStore keeps one document per (user, kind). Each window is updated
// with a single FindOneAndUpdate whose pipeline resets an expired window and
// applies the delta server-side.
type MongoDBStore struct {
	collection *mongo.Collection
}

type quotaDocument struct {
	ID          string    `bson:"_id"`
	UserID      string    `bson:"user_id"`
	Kind        string    `bson:"kind"`
	WindowStart string    `bson:"window_start"`
	Tokens      int64     `bson:"tokens"`
	ExpiresAt   time.Time `bson:"expires_at"`
}

// NewMongoDBStore prepares the quota_usage collection. Documents of inactive
// users are removed by a TTL index on expires_at.
func NewMongoDBStore(ctx context.Context, database *mongo.Database) (*MongoDBStore, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}

	collection := database.Collection("quota_usage")

	_, err := collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		slog.Warn("failed to create MongoDB TTL index for quota", "error", err)
	}

	return &MongoDBStore{collection: collection}, nil
}

func documentID(userID string, kind Kind) string {
	return userID + ":" + string(kind)
}

// incrementPipeline builds the update applied by Increment. All $set fields
// are computed from the document as it was before the update.
func incrementPipeline(userID string, w Window, delta int64) mongo.Pipeline {
	sameWindow := bson.D{{Key: "$eq", Value: bson.A{"$window_start", w.Start}}}
	staleDelta := bson.D{{Key: "$gt", Value: bson.A{"$window_start", w.Start}}}

	return mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "user_id", Value: userID},
			{Key: "kind", Value: string(w.Kind)},
			{Key: "tokens", Value: bson.D{{Key: "$switch", Value: bson.D{
				{Key: "branches", Value: bson.A{
					bson.D{{Key: "case", Value: sameWindow}, {Key: "then", Value: bson.D{{Key: "$add", Value: bson.A{"$tokens", delta}}}}},
					bson.D{{Key: "case", Value: staleDelta}, {Key: "then", Value: "$tokens"}},
				}},
				{Key: "default", Value: delta},
			}}}},
			{Key: "window_start", Value: bson.D{{Key: "$cond", Value: bson.A{staleDelta, "$window_start", w.Start}}}},
			{Key: "expires_at", Value: bson.D{{Key: "$cond", Value: bson.A{staleDelta, "$expires_at", w.ExpiresAt}}}},
		}}},
	}
}

// Increment implements Store. Each window is its own document updated
// atomically; the windows are not updated in one transaction.
func (s *MongoDBStore) Increment(ctx context.Context, userID string, delta int64, windows ...Window) ([]int64, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	totals := make([]int64, len(windows))
	for i, w := range windows {
		var doc quotaDocument
		err := s.collection.FindOneAndUpdate(ctx,
			bson.D{{Key: "_id", Value: documentID(userID, w.Kind)}},
			incrementPipeline(userID, w, delta),
			opts,
		).Decode(&doc)
		if err != nil {
			return nil, fmt.Errorf("failed to increment %s quota: %w", w.Kind, err)
		}
		totals[i] = doc.Tokens
	}
	return totals, nil
}

// Get implements Store.
func (s *MongoDBStore) Get(ctx context.Context, userID string, windows ...Window) ([]int64, error) {
	ids := make(bson.A, len(windows))
	for i, w := range windows {
		ids[i] = documentID(userID, w.Kind)
	}

	cursor, err := s.collection.Find(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}})
	if err != nil {
		return nil, fmt.Errorf("failed to read quota: %w", err)
	}
	var docs []quotaDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode quota: %w", err)
	}

	used := make([]int64, len(windows))
	for i, w := range windows {
		for _, doc := range docs {
			if doc.Kind == string(w.Kind) && doc.WindowStart == w.Start {
				used[i] = doc.Tokens
			}
		}
	}
	return used, nil
}

// Close is a no-op; the client belongs to the storage layer.
func (s *MongoDBStore) Close() error {
	return nil
}
