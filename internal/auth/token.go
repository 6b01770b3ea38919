package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry returns the exp claim of a JWT without verifying its signature.
// The second result is false when the token cannot be parsed or has no exp.
func TokenExpiry(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// ShouldRefreshAccessToken reports whether token expires within skew of now.
// Tokens that cannot be parsed or carry no expiry are treated as stale.
func ShouldRefreshAccessToken(token string, skew time.Duration, now time.Time) bool {
	exp, ok := TokenExpiry(token)
	if !ok {
		return true
	}
	return !now.Add(skew).Before(exp)
}
