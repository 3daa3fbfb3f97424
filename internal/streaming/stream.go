// Package streaming turns provider-specific SSE bodies into a uniform,
// pull-based sequence of text deltas.
package streaming

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"chatgateway/internal/core"
)

// State is the per-stream scratch space a decoder writes provider metadata into.
type State struct {
	usage        core.Usage
	hasUsage     bool
	finishReason string
}

// SetPromptTokens records the provider-reported input token count.
func (s *State) SetPromptTokens(n int) {
	s.usage.PromptTokens = n
	s.hasUsage = true
}

// SetCompletionTokens records the provider-reported output token count.
// Providers report a running total, so later values replace earlier ones.
func (s *State) SetCompletionTokens(n int) {
	s.usage.CompletionTokens = n
	s.hasUsage = true
}

// SetFinishReason records why the provider stopped generating.
func (s *State) SetFinishReason(reason string) {
	s.finishReason = reason
}

// DecodeFunc interprets one SSE event.
// emit reports that d carries text for the consumer; done reports the
// provider signalled the natural end of the stream.
type DecodeFunc func(ev *Event, st *State) (d core.Delta, emit, done bool, err error)

// ErrClosed is returned by Next after the consumer closed the stream.
var ErrClosed = errors.New("delta stream closed")

// Stream implements core.DeltaStream over an upstream response body.
type Stream struct {
	provider string
	body     io.ReadCloser
	reader   *Reader
	decode   DecodeFunc

	mu    sync.Mutex
	state State

	reading   atomic.Bool
	closed    atomic.Bool
	err       error
	closeOnce sync.Once
	closeErr  error
}

var _ core.DeltaStream = (*Stream)(nil)

// New wraps body. The stream owns body and closes it on end, error or Close.
func New(provider string, body io.ReadCloser, decode DecodeFunc) *Stream {
	return &Stream{
		provider: provider,
		body:     body,
		reader:   NewReader(body),
		decode:   decode,
	}
}

// Next returns the next text delta, io.EOF at the natural end, or the error
// that terminated the stream. Once an error or io.EOF is returned, every later
// call returns the same value. Next must not be called concurrently.
func (s *Stream) Next() (core.Delta, error) {
	if !s.reading.CompareAndSwap(false, true) {
		return core.Delta{}, core.NewInternalError("delta stream has a single consumer", nil)
	}
	defer s.reading.Store(false)

	if s.err != nil {
		return core.Delta{}, s.err
	}

	for {
		ev, err := s.reader.Next()
		if errors.Is(err, io.EOF) {
			return core.Delta{}, s.finish(io.EOF)
		}
		if err != nil {
			if s.closed.Load() {
				return core.Delta{}, s.finish(ErrClosed)
			}
			return core.Delta{}, s.finish(core.NewNetworkError(s.provider, err))
		}

		s.mu.Lock()
		d, emit, done, err := s.decode(ev, &s.state)
		s.mu.Unlock()
		if err != nil {
			return core.Delta{}, s.finish(err)
		}
		if done {
			s.finish(io.EOF)
			if emit {
				return d, nil
			}
			return core.Delta{}, io.EOF
		}
		if emit {
			return d, nil
		}
	}
}

// Usage returns provider-reported counts seen so far.
func (s *Stream) Usage() (core.Usage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.state.usage
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u, s.state.hasUsage
}

// FinishReason returns the provider's stop reason, if one was reported.
func (s *Stream) FinishReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.finishReason
}

// Close releases the upstream body. Safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

func (s *Stream) finish(err error) error {
	s.err = err
	_ = s.Close()
	return err
}
