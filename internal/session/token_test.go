package session

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	raw, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	raw := signedToken(t, jwt.MapClaims{"sub": "u-1", "exp": exp.Unix()})

	got := tokenExpiry(raw)
	if !got.Equal(exp) {
		t.Errorf("tokenExpiry() = %v, want %v", got, exp)
	}
}

func TestTokenExpiry_NoClaim(t *testing.T) {
	raw := signedToken(t, jwt.MapClaims{"sub": "u-1"})

	if got := tokenExpiry(raw); !got.IsZero() {
		t.Errorf("tokenExpiry() = %v, want zero time without an exp claim", got)
	}
}

func TestTokenExpiry_Garbage(t *testing.T) {
	if got := tokenExpiry("not-a-jwt"); !got.IsZero() {
		t.Errorf("tokenExpiry() = %v, want zero time for garbage", got)
	}
}
