// Package quota enforces per-user token budgets over the current UTC day and
// UTC month.
//
// A request first calls Engine.CheckAndReserve with an estimate. The returned
// Reservation is the only handle that can record usage, and it records at
// most once, so a request can never be charged twice.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chatgateway/internal/core"
	"chatgateway/internal/usage"
)

// ErrAlreadyRecorded is returned by Reservation.Record on every call after the first.
var ErrAlreadyRecorded = errors.New("quota: usage already recorded for this reservation")

// Kind names an accounting window.
type Kind string

const (
	Daily   Kind = "daily"
	Monthly Kind = "monthly"
)

// Window identifies one accounting period. Start is "2006-01-02" for daily
// windows and "2006-01" for monthly ones, so starts of the same kind order
// lexically.
type Window struct {
	Kind      Kind
	Start     string
	ExpiresAt time.Time
}

// Store persists per-user counters keyed by (user, kind).
// Each counter update in Increment must be atomic: concurrent increments for
// the same user never lose updates. The windows are separate counters and a
// store may update them one after another, so a failure part way can leave an
// earlier window incremented. A counter whose stored window is older than
// the requested one is reset before the delta is applied. A delta for a window
// older than the stored one is dropped.
type Store interface {
	// Increment adds delta to every window and returns the new totals in order.
	Increment(ctx context.Context, userID string, delta int64, windows ...Window) ([]int64, error)
	// Get returns the usage in each window, zero when nothing is recorded yet.
	Get(ctx context.Context, userID string, windows ...Window) ([]int64, error)
	Close() error
}

// Limits are the token caps per window.
type Limits struct {
	Daily   int64
	Monthly int64
}

// Remaining is the budget left in each window.
type Remaining struct {
	Daily   int64 `json:"remaining_daily"`
	Monthly int64 `json:"remaining_monthly"`
}

// Ledger receives one entry per recorded reservation.
type Ledger interface {
	Write(entry *usage.Entry)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLedger sends recorded usage to the usage ledger.
func WithLedger(l Ledger) Option {
	return func(e *Engine) { e.ledger = l }
}

// Engine checks and records token consumption.
type Engine struct {
	store  Store
	limits Limits
	now    func() time.Time
	ledger Ledger
}

// NewEngine creates an Engine over store.
func NewEngine(store Store, limits Limits, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		limits: limits,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Limits returns the configured caps.
func (e *Engine) Limits() Limits {
	return e.limits
}

// windows returns the day and month windows containing now, in that order.
func windows(now time.Time) []Window {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	// Keys outlive their window by a day so late reads near the boundary still see them.
	return []Window{
		{Kind: Daily, Start: day.Format("2006-01-02"), ExpiresAt: day.AddDate(0, 0, 2)},
		{Kind: Monthly, Start: month.Format("2006-01"), ExpiresAt: month.AddDate(0, 1, 1)},
	}
}

// CheckAndReserve reports whether userID can spend estimatedTokens in both
// windows. The check is advisory: nothing is held, and concurrent requests
// may together overshoot the cap by their estimates. A granted check returns
// the Reservation used to record the final usage.
func (e *Engine) CheckAndReserve(ctx context.Context, userID string, estimatedTokens int) (*Reservation, bool, error) {
	if userID == "" {
		return nil, false, core.NewInvalidRequestError("user id is required", nil)
	}

	used, err := e.store.Get(ctx, userID, windows(e.now())...)
	if err != nil {
		return nil, false, core.NewInternalError("failed to read quota", err)
	}

	est := int64(max(estimatedTokens, 0))
	if exhausted(used[0], est, e.limits.Daily) || exhausted(used[1], est, e.limits.Monthly) {
		slog.Info("quota pre-check denied",
			"user_id", userID,
			"estimated_tokens", est,
			"used_daily", used[0],
			"used_monthly", used[1],
		)
		return nil, false, nil
	}

	return &Reservation{
		engine:    e,
		userID:    userID,
		estimated: estimatedTokens,
	}, true, nil
}

// exhausted reports whether a window cannot take est more tokens. A window
// already at its cap admits nothing, even a request estimated at zero.
func exhausted(used, est, limit int64) bool {
	return used >= limit || used+est > limit
}

// Remaining returns the budget left right now. The value may be stale as soon
// as it is returned.
func (e *Engine) Remaining(ctx context.Context, userID string) (Remaining, error) {
	used, err := e.store.Get(ctx, userID, windows(e.now())...)
	if err != nil {
		return Remaining{}, core.NewInternalError("failed to read quota", err)
	}
	return e.remaining(used), nil
}

func (e *Engine) remaining(used []int64) Remaining {
	return Remaining{
		Daily:   max(e.limits.Daily-used[0], 0),
		Monthly: max(e.limits.Monthly-used[1], 0),
	}
}

// Usage is the final consumption of one request.
type Usage struct {
	Model            string
	Provider         string
	RequestID        string
	ConversationID   string
	PromptTokens     int
	CompletionTokens int
	// Estimated is set when the provider did not report counts.
	Estimated bool
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// Reservation is a granted pre-check for one request.
type Reservation struct {
	engine    *Engine
	userID    string
	estimated int
	recorded  atomic.Bool
}

// UserID returns the user the reservation belongs to.
func (r *Reservation) UserID() string {
	return r.userID
}

// Estimated returns the estimate the reservation was granted for.
func (r *Reservation) Estimated() int {
	return r.estimated
}

// Recorded reports whether Record has been called.
func (r *Reservation) Recorded() bool {
	return r.recorded.Load()
}

// Record charges u against both windows. It takes effect at most once: later
// calls return ErrAlreadyRecorded without touching the store, even when the
// first call failed.
func (r *Reservation) Record(ctx context.Context, u Usage) (Remaining, error) {
	if !r.recorded.CompareAndSwap(false, true) {
		return Remaining{}, ErrAlreadyRecorded
	}

	e := r.engine
	now := e.now()
	wins := windows(now)
	total := int64(max(u.Total(), 0))

	var (
		used []int64
		err  error
	)
	if total > 0 {
		used, err = e.store.Increment(ctx, r.userID, total, wins...)
	} else {
		used, err = e.store.Get(ctx, r.userID, wins...)
	}
	if err != nil {
		return Remaining{}, core.NewInternalError("failed to record usage", fmt.Errorf("user %s: %w", r.userID, err))
	}

	if e.ledger != nil && total > 0 {
		e.ledger.Write(&usage.Entry{
			ID:             uuid.NewString(),
			RequestID:      u.RequestID,
			UserID:         r.userID,
			ConversationID: u.ConversationID,
			Timestamp:      now.UTC(),
			Model:          u.Model,
			Provider:       u.Provider,
			InputTokens:    u.PromptTokens,
			OutputTokens:   u.CompletionTokens,
			TotalTokens:    u.Total(),
			Estimated:      u.Estimated,
		})
	}

	slog.Debug("usage recorded",
		"user_id", r.userID,
		"request_id", u.RequestID,
		"model", u.Model,
		"tokens", total,
		"estimated", u.Estimated,
	)
	return e.remaining(used), nil
}
