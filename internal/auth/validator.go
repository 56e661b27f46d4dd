// Package auth checks the bearer header sent by callers of the HTTP surface.
// Tokens are issued by the destination host and verified against its JWKS.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

const (
	bearerPrefix = "Bearer "
	bearerSuffix = ",Bearer xxxxx"

	jwksPath = "/_services/token/.well-known/jwks"
)

// RequestValidator verifies inbound authorization headers
type RequestValidator struct {
	keyfunc jwt.Keyfunc
	logger  *slog.Logger
}

// NewRequestValidator creates a validator that fetches signing keys from
// the JWKS published by the destination host. Keys are refreshed in the
// background until ctx is done.
func NewRequestValidator(ctx context.Context, ghesURL string, logger *slog.Logger) (*RequestValidator, error) {
	url := JWKSURL(ghesURL)
	k, err := keyfunc.NewDefaultCtx(ctx, []string{url})
	if err != nil {
		return nil, fmt.Errorf("failed to load JWKS from %s: %w", url, err)
	}
	return NewRequestValidatorWithKeyfunc(k.Keyfunc, logger), nil
}

// NewRequestValidatorWithKeyfunc creates a validator around an existing
// key lookup
func NewRequestValidatorWithKeyfunc(kf jwt.Keyfunc, logger *slog.Logger) *RequestValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestValidator{keyfunc: kf, logger: logger}
}

// JWKSURL returns the JWKS endpoint of a destination host
func JWKSURL(ghesURL string) string {
	return strings.TrimSuffix(ghesURL, "/") + jwksPath
}

// VerifyAuthHeader reports whether header carries a valid token. The header
// has the form "Bearer <jwt>,Bearer xxxxx".
func (v *RequestValidator) VerifyAuthHeader(ctx context.Context, header string) bool {
	if !strings.HasPrefix(header, bearerPrefix) || !strings.HasSuffix(header, bearerSuffix) {
		v.logger.DebugContext(ctx, "malformed authorization header")
		return false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(header, bearerPrefix), bearerSuffix)
	if raw == "" {
		return false
	}

	token, err := jwt.Parse(raw, v.keyfunc, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		v.logger.InfoContext(ctx, "rejected authorization token", "error", err)
		return false
	}
	return token.Valid
}
