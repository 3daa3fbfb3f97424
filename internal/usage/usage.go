// Package usage keeps an analytics ledger of per-request token consumption.
// Entries are buffered in memory and written to the shared database in
// batches. Quota enforcement never reads the ledger.
package usage

import (
	"context"
	"time"
)

// Store is a ledger backend. Implementations must be safe for concurrent use.
type Store interface {
	// WriteBatch writes multiple entries. Called by the Logger when flushing.
	WriteBatch(ctx context.Context, entries []*Entry) error

	// Flush forces any pending writes to complete.
	// Called during graceful shutdown.
	Flush(ctx context.Context) error

	// Close releases resources. It does not close the shared database.
	Close() error
}

// Entry is the consumption of one completed or cancelled request.
type Entry struct {
	ID             string    `json:"id" bson:"_id"`
	RequestID      string    `json:"request_id" bson:"request_id"`
	UserID         string    `json:"user_id" bson:"user_id"`
	ConversationID string    `json:"conversation_id,omitempty" bson:"conversation_id,omitempty"`
	Timestamp      time.Time `json:"timestamp" bson:"timestamp"`

	Model    string `json:"model" bson:"model"`
	Provider string `json:"provider" bson:"provider"`

	InputTokens  int `json:"input_tokens" bson:"input_tokens"`
	OutputTokens int `json:"output_tokens" bson:"output_tokens"`
	TotalTokens  int `json:"total_tokens" bson:"total_tokens"`

	// Estimated marks counts derived from text length because the provider
	// did not report usage.
	Estimated bool `json:"estimated" bson:"estimated"`
}

// Config holds ledger configuration
type Config struct {
	// Enabled controls whether the ledger is active
	Enabled bool

	// BufferSize is the capacity of the in-memory queue. Entries are dropped when it is full.
	BufferSize int

	// BatchSize is the number of queued entries that triggers an immediate flush.
	BatchSize int

	// FlushInterval is how often to flush buffered entries
	FlushInterval time.Duration

	// RetentionDays is how long to keep entries (0 = forever)
	RetentionDays int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		BufferSize:    1000,
		BatchSize:     100,
		FlushInterval: 5 * time.Second,
		RetentionDays: 90,
	}
}
