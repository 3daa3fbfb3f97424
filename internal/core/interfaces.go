// Package core defines the core interfaces and types for the chat gateway.
package core

import "context"

// Provider is the capability set every upstream adapter exposes.
// Implementations must be safe for concurrent use and must not mutate req.
type Provider interface {
	// ChatCompletion executes a non-streaming chat completion request
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// StreamChatCompletion starts a streaming completion and returns the
	// normalized delta sequence. The caller must Close the stream.
	StreamChatCompletion(ctx context.Context, req *ChatRequest) (DeltaStream, error)

	// ListModels returns the models the provider currently offers
	ListModels(ctx context.Context) ([]Model, error)
}

// DeltaStream is a finite, forward-only sequence of text deltas.
//
// Next blocks until the next delta is available and returns io.EOF once the
// upstream stream has ended normally. Nothing is read from the upstream ahead
// of the consumer, so a slow consumer slows the upstream read.
type DeltaStream interface {
	Next() (Delta, error)

	// Usage returns provider-reported token counts seen so far.
	// ok is false when the provider reported nothing.
	Usage() (usage Usage, ok bool)

	Close() error
}

// TokenValidator resolves a bearer token to a user id.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (userID string, err error)
}
