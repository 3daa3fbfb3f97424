// Package auth resolves bearer tokens to user ids. Tokens are issued
// elsewhere; this package only validates them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"chatgateway/config"
	"chatgateway/internal/core"
)

var (
	// ErrTokenExpired is returned when the token has expired
	ErrTokenExpired = errors.New("token expired")

	// ErrInvalidToken is returned when the token is invalid for any reason
	ErrInvalidToken = errors.New("invalid token")
)

// JWTValidator accepts HS256 tokens signed with a shared secret. The subject
// claim is the user id.
type JWTValidator struct {
	secret []byte
	issuer string
}

// NewJWTValidator creates a validator. A non-empty issuer must match the iss claim.
func NewJWTValidator(secret, issuer string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret), issuer: issuer}
}

// ValidateToken implements core.TokenValidator.
func (v *JWTValidator) ValidateToken(_ context.Context, token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", authError(ErrTokenExpired)
		}
		return "", authError(ErrInvalidToken)
	}
	if !parsed.Valid {
		return "", authError(ErrInvalidToken)
	}
	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return "", authError(fmt.Errorf("%w: unexpected issuer", ErrInvalidToken))
	}
	if claims.Subject == "" {
		return "", authError(fmt.Errorf("%w: missing subject", ErrInvalidToken))
	}
	return claims.Subject, nil
}

// StaticValidator maps fixed tokens to user ids. Meant for development.
type StaticValidator struct {
	tokens map[string]string
}

// ParseStaticTokens parses "token:user" pairs separated by commas.
func ParseStaticTokens(raw string) (*StaticValidator, error) {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, ":")
		if !ok || token == "" || user == "" {
			return nil, fmt.Errorf("invalid static token %q: want token:user", pair)
		}
		tokens[token] = user
	}
	return &StaticValidator{tokens: tokens}, nil
}

// ValidateToken implements core.TokenValidator.
func (v *StaticValidator) ValidateToken(_ context.Context, token string) (string, error) {
	if user, ok := v.tokens[token]; ok {
		return user, nil
	}
	return "", authError(ErrInvalidToken)
}

// Chain tries each validator in order and returns the first success.
type Chain []core.TokenValidator

// ValidateToken implements core.TokenValidator. On failure the last error is returned.
func (c Chain) ValidateToken(ctx context.Context, token string) (string, error) {
	var err error = authError(ErrInvalidToken)
	for _, v := range c {
		var user string
		if user, err = v.ValidateToken(ctx, token); err == nil {
			return user, nil
		}
	}
	return "", err
}

// New builds the validator configured in cfg: JWT first, then static tokens.
func New(cfg config.AuthConfig) (core.TokenValidator, error) {
	var chain Chain
	if cfg.JWTSecret != "" {
		chain = append(chain, NewJWTValidator(cfg.JWTSecret, cfg.Issuer))
	}
	if cfg.StaticTokens != "" {
		static, err := ParseStaticTokens(cfg.StaticTokens)
		if err != nil {
			return nil, err
		}
		chain = append(chain, static)
	}
	if len(chain) == 0 {
		return nil, errors.New("no token validator configured")
	}
	if len(chain) == 1 {
		return chain[0], nil
	}
	return chain, nil
}

func authError(err error) *core.GatewayError {
	gwErr := core.NewAuthenticationError("", err.Error())
	gwErr.Err = err
	return gwErr
}
