// Package token decodes the self-describing claims carried by an opaque
// bearer token. The signature is never verified here: the token is
// client-held, and the server remains the authority on validity. The
// decoded issued-at/expiry claims only drive local scheduling decisions.
package token

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

const (
	// DefaultExpiryBuffer treats a token as expired slightly before the
	// server will reject it, so a request is never dispatched with a
	// token that expires mid-flight.
	DefaultExpiryBuffer = 60 * time.Second

	// lateDecodeFallback is the refresh delay used when a token is
	// decoded after the midpoint of its validity window has already
	// passed. A fixed short delay avoids refresh storms on tokens
	// decoded long after issuance.
	lateDecodeFallback = 60 * time.Second
)

// Claims holds the lifecycle claims extracted from a bearer token.
// Either field may be absent; absence of ExpiresAt means the token must
// be treated as already expired.
type Claims struct {
	IssuedAt  *time.Time
	ExpiresAt *time.Time
}

// Decode extracts the lifecycle claims from a raw token without
// verifying its signature. It returns nil on any malformed input (wrong
// segment count, invalid base64url encoding, invalid claim structure)
// rather than an error.
func Decode(raw string) *Claims {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil
	}

	claims := &Claims{}
	if iat, ok := timeClaim(mapClaims, "iat"); ok {
		claims.IssuedAt = &iat
	}
	if exp, ok := timeClaim(mapClaims, "exp"); ok {
		claims.ExpiresAt = &exp
	}
	return claims
}

// IsExpired reports whether the token should be considered expired when
// judged with the given buffer. Undecodable tokens and tokens without an
// expiry claim count as expired.
func IsExpired(raw string, buffer time.Duration) bool {
	claims := Decode(raw)
	if claims == nil || claims.ExpiresAt == nil {
		return true
	}
	return claims.ExpiresAt.Sub(NowTimeFunc()) <= buffer
}

// ProactiveRefreshDelay computes how long to wait before proactively
// refreshing the token: the midpoint of its validity window. When the
// issued-at claim is absent the window is measured from now. When the
// midpoint has already passed, a fixed short delay is returned instead
// of zero. The second return value is false when the token carries no
// expiry to schedule against.
func ProactiveRefreshDelay(raw string) (time.Duration, bool) {
	claims := Decode(raw)
	if claims == nil || claims.ExpiresAt == nil {
		return 0, false
	}

	now := NowTimeFunc()
	start := now
	if claims.IssuedAt != nil {
		start = *claims.IssuedAt
	}

	midpoint := start.Add(claims.ExpiresAt.Sub(start) / 2)
	delay := midpoint.Sub(now)
	if delay <= 0 {
		return lateDecodeFallback, true
	}
	return delay, true
}

// timeClaim reads a NumericDate claim. Fractional seconds are honored:
// short-lived tokens may carry sub-second precision.
func timeClaim(claims jwt.MapClaims, key string) (time.Time, bool) {
	v, ok := claims[key]
	if !ok {
		return time.Time{}, false
	}
	switch n := v.(type) {
	case float64:
		return time.Unix(0, int64(n*float64(time.Second))), true
	case int64:
		return time.Unix(n, 0), true
	}
	return time.Time{}, false
}
