package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"chatgateway/internal/core"
	"chatgateway/internal/providers"
	"chatgateway/internal/quota"
)

// Stream outcomes reported to metrics.
const (
	outcomeCompleted = "completed"
	outcomeStopped   = "stopped"
	outcomeFailed    = "failed"
)

// relayResult is what a finished relay produced.
type relayResult struct {
	content    string
	completion int
	failed     bool
}

// runChat serves one chat request from quota pre-check to the terminal chunk.
func (c *connection) runChat(ctx context.Context, t *task, userID string, m *ChatMessage) {
	deps := c.engine.deps
	log := c.log.With("request_id", t.id, "user_id", userID)
	promptEstimate := core.EstimateTokens(m.Message)

	res, ok, err := deps.Quota.CheckAndReserve(ctx, userID, promptEstimate)
	if err != nil {
		log.Error("failed to check token limits", "error", err)
		c.send(errorEvent(msgInternalError, t.id))
		return
	}
	if !ok {
		deps.Metrics.QuotaRejected()
		c.send(errorEvent(msgTokenLimitExceeded, t.id))
		return
	}

	route, err := deps.Router.Resolve(m.Model)
	if err != nil {
		log.Warn("failed to resolve model", "model", m.Model, "error", err)
		c.send(errorEvent(clientMessage(err), t.id))
		return
	}
	c.session.setProviderHint(route.ProviderType)
	log = log.With("model", route.Model, "provider", route.ProviderType)

	conversationID := m.ConversationID
	if conversationID == "" {
		conversationID, err = deps.Conversations.CreateConversation(ctx, userID, route.Model)
		if err != nil {
			log.Error("failed to create conversation", "error", err)
			c.send(errorEvent(msgConversationFailed, t.id))
			return
		}
	}
	if err := deps.Conversations.AppendMessage(ctx, conversationID, core.RoleUser, m.Message); err != nil {
		log.Error("failed to add user message", "conversation_id", conversationID, "error", err)
	}

	req := &core.ChatRequest{
		Model:       route.Model,
		Messages:    []core.Message{{Role: core.RoleUser, Content: m.Message}},
		Temperature: m.Temperature,
		MaxTokens:   m.MaxTokens,
		Stream:      true,
	}
	upstreamCtx := core.WithUserID(core.WithRequestID(ctx, t.id), userID)
	stream, err := route.Provider.StreamChatCompletion(upstreamCtx, req)
	if err != nil {
		log.Error("failed to start stream", "error", err)
		if !t.isStopped() {
			c.send(errorEvent(msgStreamStartFailed, t.id))
		}
		deps.Metrics.StreamEnded(outcomeFailed)
		return
	}

	result := c.relay(ctx, t, stream, route, log)
	reported, hasReported := stream.Usage()
	if err := stream.Close(); err != nil {
		log.Debug("failed to close stream", "error", err)
	}

	u := quota.Usage{
		Model:            route.Model,
		Provider:         route.ProviderType,
		RequestID:        t.id,
		ConversationID:   conversationID,
		PromptTokens:     promptEstimate,
		CompletionTokens: result.completion,
		Estimated:        true,
	}
	if hasReported {
		u = withReportedUsage(u, reported)
	}

	c.finish(ctx, t, res, u, result, log)
}

// relay forwards deltas as chunks until the stream ends, fails or the task is
// cancelled. Cancellation is checked before every delivery.
func (c *connection) relay(ctx context.Context, t *task, stream core.DeltaStream, route providers.Route, log *slog.Logger) relayResult {
	var (
		content strings.Builder
		result  relayResult
	)
	for ctx.Err() == nil {
		d, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() == nil {
				log.Error("stream error", "error", err)
				result.failed = true
				c.emit(ctx, t, errorEvent(msgStreamError, t.id))
			}
			break
		}
		if d.Text == "" {
			continue
		}
		content.WriteString(d.Text)
		result.completion += core.EstimateTokens(d.Text)

		if ctx.Err() != nil || !c.emit(ctx, t, chunkEvent(d.Text, route.Model, t.id)) {
			break
		}
		c.engine.deps.Metrics.ChunkRelayed(route.ProviderType)
	}
	result.content = content.String()
	return result
}

// finish runs the end-of-stream bookkeeping on a context that survives
// cancellation, then reports usage and, unless stopped, the terminal chunk.
func (c *connection) finish(ctx context.Context, t *task, res *quota.Reservation, u quota.Usage, result relayResult, log *slog.Logger) {
	deps := c.engine.deps
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.engine.cfg.RecordTimeout)
	defer cancel()

	if result.content != "" {
		if err := deps.Conversations.AppendMessage(bctx, u.ConversationID, core.RoleAssistant, result.content); err != nil {
			log.Error("failed to save assistant message", "conversation_id", u.ConversationID, "error", err)
		}
	}

	remaining, err := res.Record(bctx, u)
	if err != nil {
		log.Error("failed to record token usage", "error", err)
		c.send(errorEvent(msgInternalError, t.id))
	} else {
		deps.Metrics.TokensRecorded(u.Provider, u.PromptTokens, u.CompletionTokens)
		c.send(UsageReport{
			Type:             TypeUsage,
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.Total(),
			RemainingDaily:   remaining.Daily,
			RemainingMonthly: remaining.Monthly,
			RequestID:        t.id,
		})
	}

	outcome := outcomeCompleted
	switch {
	case t.isStopped() || ctx.Err() != nil:
		outcome = outcomeStopped
	case result.failed:
		outcome = outcomeFailed
	}
	if outcome != outcomeStopped {
		c.emit(ctx, t, finalChunkEvent(u.Model, t.id))
	}
	deps.Metrics.StreamEnded(outcome)

	log.Info("chat request finished",
		"outcome", outcome,
		"prompt_tokens", u.PromptTokens,
		"completion_tokens", u.CompletionTokens,
		"estimated", u.Estimated,
	)
}

// withReportedUsage prefers provider counts. A count the provider left at
// zero keeps the local estimate, which covers streams that fail before the
// final usage event.
func withReportedUsage(u quota.Usage, reported core.Usage) quota.Usage {
	u.Estimated = false
	if reported.PromptTokens > 0 {
		u.PromptTokens = reported.PromptTokens
	} else if u.PromptTokens > 0 {
		u.Estimated = true
	}
	if reported.CompletionTokens > 0 {
		u.CompletionTokens = reported.CompletionTokens
	} else if u.CompletionTokens > 0 {
		u.Estimated = true
	}
	return u
}
