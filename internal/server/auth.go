package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"chatgateway/internal/core"
)

const userIDKey = "user_id"

// AuthMiddleware validates the bearer token of every request outside
// skipPaths and stores the resolved user id on the request context.
// A nil validator disables authentication.
func AuthMiddleware(validator core.TokenValidator, skipPaths []string) echo.MiddlewareFunc {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if validator == nil {
				return next(c)
			}
			if _, ok := skip[c.Request().URL.Path]; ok {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return unauthorized(c, "missing authorization header")
			}

			const prefix = "Bearer "
			if !strings.HasPrefix(authHeader, prefix) {
				return unauthorized(c, "invalid authorization header format, expected 'Bearer <token>'")
			}

			token := strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
			if token == "" {
				return unauthorized(c, "empty bearer token")
			}

			userID, err := validator.ValidateToken(c.Request().Context(), token)
			if err != nil {
				var gwErr *core.GatewayError
				if errors.As(err, &gwErr) {
					return unauthorized(c, gwErr.Message)
				}
				return unauthorized(c, "invalid token")
			}

			c.Set(userIDKey, userID)
			c.SetRequest(c.Request().WithContext(core.WithUserID(c.Request().Context(), userID)))
			return next(c)
		}
	}
}

func unauthorized(c echo.Context, message string) error {
	return c.JSON(http.StatusUnauthorized, map[string]interface{}{
		"error": map[string]interface{}{
			"type":    "authentication_error",
			"message": message,
		},
	})
}
