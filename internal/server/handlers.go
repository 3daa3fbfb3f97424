// Package server provides HTTP handlers and server setup for the chat gateway.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"chatgateway/internal/core"
	"chatgateway/internal/providers"
	"chatgateway/internal/quota"
)

// recordTimeout bounds quota bookkeeping after a completion returns.
const recordTimeout = 5 * time.Second

// ChatRouter resolves models and runs non-streaming completions.
type ChatRouter interface {
	Resolve(model string) (providers.Route, error)
	ChatCompletion(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error)
}

// Handler holds the HTTP handlers
type Handler struct {
	router   ChatRouter
	registry *providers.ModelRegistry
	quota    *quota.Engine
}

// NewHandler creates a new handler. quota may be nil, which disables charging.
func NewHandler(router ChatRouter, registry *providers.ModelRegistry, quotaEngine *quota.Engine) *Handler {
	return &Handler{
		router:   router,
		registry: registry,
		quota:    quotaEngine,
	}
}

// ChatCompletion handles POST /v1/chat/completions. Streaming is only served
// over the WebSocket endpoint.
func (h *Handler) ChatCompletion(c echo.Context) error {
	var req core.ChatRequest
	if err := c.Bind(&req); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}
	if req.Stream {
		return handleError(c, core.NewInvalidRequestError("streaming is served over /v1/chat/ws", nil))
	}
	if len(req.Messages) == 0 {
		return handleError(c, core.NewInvalidRequestError("messages are required", nil))
	}

	ctx := c.Request().Context()
	userID := core.GetUserID(ctx)
	promptEstimate := core.EstimateMessagesTokens(req.Messages)

	var res *quota.Reservation
	if h.quota != nil && userID != "" {
		var (
			ok  bool
			err error
		)
		res, ok, err = h.quota.CheckAndReserve(ctx, userID, promptEstimate)
		if err != nil {
			return handleError(c, err)
		}
		if !ok {
			return handleError(c, core.NewQuotaExceededError())
		}
	}

	resp, err := h.router.ChatCompletion(ctx, &req)
	if err != nil {
		return handleError(c, err)
	}

	if res != nil {
		h.record(ctx, res, &req, resp, promptEstimate)
	}
	return c.JSON(http.StatusOK, resp)
}

// record charges the completion. Failures are logged; the caller already has
// its answer.
func (h *Handler) record(ctx context.Context, res *quota.Reservation, req *core.ChatRequest, resp *core.ChatResponse, promptEstimate int) {
	u := quota.Usage{
		Model:            resp.Model,
		Provider:         resp.Provider,
		RequestID:        core.GetRequestID(ctx),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	if u.Model == "" {
		u.Model = req.Model
	}
	if u.PromptTokens == 0 && u.CompletionTokens == 0 {
		u.PromptTokens = promptEstimate
		u.CompletionTokens = core.EstimateTokens(resp.Content())
		u.Estimated = true
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if _, err := res.Record(rctx, u); err != nil {
		slog.Error("failed to record token usage", "user_id", res.UserID(), "request_id", u.RequestID, "error", err)
	}
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"providers":   h.registry.ProviderCount(),
		"models":      h.registry.ModelCount(),
		"initialized": h.registry.IsInitialized(),
	})
}

// ListModels handles GET /v1/models
func (h *Handler) ListModels(c echo.Context) error {
	models := h.registry.ListModels()
	if models == nil {
		models = []core.ModelInfo{}
	}
	return c.JSON(http.StatusOK, core.ModelsResponse{
		Object:    "list",
		Data:      models,
		UpdatedAt: h.registry.UpdatedAt(),
	})
}

// Usage handles GET /v1/usage: the caller's remaining token budget.
func (h *Handler) Usage(c echo.Context) error {
	ctx := c.Request().Context()
	userID := core.GetUserID(ctx)
	if userID == "" {
		return unauthorized(c, "authentication required")
	}
	if h.quota == nil {
		return handleError(c, core.NewInternalError("quota is not configured", nil))
	}

	remaining, err := h.quota.Remaining(ctx, userID)
	if err != nil {
		return handleError(c, err)
	}
	limits := h.quota.Limits()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"user_id":           userID,
		"daily_limit":       limits.Daily,
		"monthly_limit":     limits.Monthly,
		"remaining_daily":   remaining.Daily,
		"remaining_monthly": remaining.Monthly,
	})
}

// handleError converts gateway errors to appropriate HTTP responses
func handleError(c echo.Context, err error) error {
	var gatewayErr *core.GatewayError
	if errors.As(err, &gatewayErr) {
		if gatewayErr.Type == core.ErrorTypeInternal {
			slog.Error("request failed", "path", c.Request().URL.Path, "error", err)
		}
		return c.JSON(gatewayErr.HTTPStatusCode(), gatewayErr.ToJSON())
	}

	slog.Error("unexpected request error", "path", c.Request().URL.Path, "error", err)
	return c.JSON(http.StatusInternalServerError, map[string]interface{}{
		"error": map[string]interface{}{
			"type":    "internal_error",
			"message": "an unexpected error occurred",
		},
	})
}
