package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expiryLeeway is subtracted from the exp claim so a token about to expire
// mid-request is refreshed up front instead of bouncing off a 401.
const expiryLeeway = 10 * time.Second

// tokenExpired reports whether token is a JWT whose exp claim has passed.
// The signature is not verified — the backend remains the authority — this
// only peeks at the claim to decide whether sending the token is pointless.
// Opaque (non-JWT) tokens and tokens without an exp claim report false.
func tokenExpired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(now.Add(expiryLeeway))
}
