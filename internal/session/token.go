package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenExpiry recovers the expiry claim from an access token without
// verifying the signature. Verification belongs to the identity service;
// this is only a local hint for deciding whether a refresh is due before the
// first remote call. Returns the zero time when the claim is unreadable.
func tokenExpiry(raw string) time.Time {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
