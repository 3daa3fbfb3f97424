package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/labstack/echo/v4"

	"chatgateway/internal/core"
)

type contextKey string

const providerTypeKey contextKey = "providerType"

// ModelValidation resolves the model of a chat completion body before the
// handler runs, so unknown models fail fast with 404. An absent model resolves
// to the default model.
func ModelValidation(router ChatRouter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			bodyBytes, err := io.ReadAll(c.Request().Body)
			if err != nil {
				var httpErr *echo.HTTPError
				if errors.As(err, &httpErr) {
					return err
				}
				return handleError(c, core.NewInvalidRequestError("failed to read request body", err))
			}
			c.Request().Body = io.NopCloser(bytes.NewReader(bodyBytes))

			var peek struct {
				Model string `json:"model"`
			}
			if err := json.Unmarshal(bodyBytes, &peek); err != nil {
				// The handler reports malformed bodies.
				return next(c)
			}

			route, err := router.Resolve(peek.Model)
			if err != nil {
				return handleError(c, err)
			}
			c.Set(string(providerTypeKey), route.ProviderType)
			return next(c)
		}
	}
}

// GetProviderType returns the provider type set by ModelValidation for this request.
func GetProviderType(c echo.Context) string {
	if v, ok := c.Get(string(providerTypeKey)).(string); ok {
		return v
	}
	return ""
}

// ModelCtx returns the request context and resolved provider type.
func ModelCtx(c echo.Context) (context.Context, string) {
	return c.Request().Context(), GetProviderType(c)
}
