package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoDBStore stores conversations and messages in two collections.
type MongoDBStore struct {
	conversations *mongo.Collection
	messages      *mongo.Collection
}

type messageDocument struct {
	Message `bson:",inline"`
	Seq     int64 `bson:"seq"`
}

// NewMongoDBStore prepares the collections and their indexes.
func NewMongoDBStore(ctx context.Context, database *mongo.Database) (*MongoDBStore, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}

	s := &MongoDBStore{
		conversations: database.Collection("conversations"),
		messages:      database.Collection("messages"),
	}

	if _, err := s.conversations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}},
	}); err != nil {
		slog.Warn("failed to create MongoDB index for conversations", "error", err)
	}
	if _, err := s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "seq", Value: 1}},
	}); err != nil {
		slog.Warn("failed to create MongoDB index for messages", "error", err)
	}

	return s, nil
}

// CreateConversation implements Store.
func (s *MongoDBStore) CreateConversation(ctx context.Context, userID, model string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}

	now := time.Now().UTC()
	c := Conversation{ID: uuid.NewString(), UserID: userID, Model: model, CreatedAt: now, UpdatedAt: now}
	if _, err := s.conversations.InsertOne(ctx, c); err != nil {
		return "", fmt.Errorf("insert conversation: %w", err)
	}
	return c.ID, nil
}

// AppendMessage implements Store. The conversation's message counter is bumped
// atomically and used as the message sequence number.
func (s *MongoDBStore) AppendMessage(ctx context.Context, conversationID, role, content string) error {
	now := time.Now().UTC()

	var counter struct {
		MessageCount int64 `bson:"message_count"`
	}
	err := s.conversations.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: conversationID}},
		bson.D{
			{Key: "$set", Value: bson.D{{Key: "updated_at", Value: now}}},
			{Key: "$inc", Value: bson.D{{Key: "message_count", Value: 1}}},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&counter)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}

	doc := messageDocument{
		Message: Message{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			Role:           role,
			Content:        content,
			CreatedAt:      now,
		},
		Seq: counter.MessageCount,
	}
	if _, err := s.messages.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Messages implements Store.
func (s *MongoDBStore) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	n, err := s.conversations.CountDocuments(ctx, bson.D{{Key: "_id", Value: conversationID}})
	if err != nil {
		return nil, fmt.Errorf("lookup conversation: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}

	cursor, err := s.messages.Find(ctx,
		bson.D{{Key: "conversation_id", Value: conversationID}},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	var docs []messageDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}

	msgs := make([]Message, len(docs))
	for i, d := range docs {
		msgs[i] = d.Message
	}
	return msgs, nil
}

// Close is a no-op; the client belongs to the storage layer.
func (s *MongoDBStore) Close() error {
	return nil
}
