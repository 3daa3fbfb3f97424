// Package conversation persists chat history: one conversation per chat
// thread and its messages in order. Persistence is best effort; callers log
// failures instead of failing the request.
package conversation

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Store defines the conversation persistence operations.
type Store interface {
	// CreateConversation starts a new conversation and returns its id.
	CreateConversation(ctx context.Context, userID, model string) (string, error)
	// AppendMessage adds a message to an existing conversation.
	AppendMessage(ctx context.Context, conversationID, role, content string) error
	// Messages returns a conversation's messages, oldest first.
	Messages(ctx context.Context, conversationID string) ([]Message, error)
	Close() error
}

// Conversation is one chat thread.
type Conversation struct {
	ID        string    `json:"id" bson:"_id"`
	UserID    string    `json:"user_id" bson:"user_id"`
	Model     string    `json:"model" bson:"model"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// Message is one stored turn.
type Message struct {
	ID             string    `json:"id" bson:"_id"`
	ConversationID string    `json:"conversation_id" bson:"conversation_id"`
	Role           string    `json:"role" bson:"role"`
	Content        string    `json:"content" bson:"content"`
	CreatedAt      time.Time `json:"created_at" bson:"created_at"`
}
