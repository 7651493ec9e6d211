// Package domain holds the shared value types owned by the storefront stores.
package domain

import "time"

// Identity is the authenticated user as known to this client.
// An Identity value is immutable once published: state changes replace the
// whole value, they never mutate it in place.
type Identity struct {
	ID            string
	Email         string
	FirstName     string
	LastName      string
	Phone         string
	CreditBalance float64
	IsAdmin       bool
	OwnerID       string
}

// Session pairs an Identity with the credentials issued by the identity
// service. A Session exists if and only if an Identity does.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         *Identity `json:"user"`
}

// Expired reports whether the access token has passed its expiry.
// Sessions without a recorded expiry are treated as still valid; the remote
// service is the final arbiter either way.
func (s *Session) Expired(now time.Time) bool {
	if s == nil || s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt)
}

// Profile is the projection of an Identity handed to display code.
type Profile struct {
	ID             string
	FirstName      string
	LastName       string
	PhoneNumber    string
	BalanceCredits float64
	IsAdmin        bool
	OwnerID        string
}

// SignUpProfile carries the optional attributes collected at registration.
type SignUpProfile struct {
	FirstName string
	LastName  string
	Phone     string
}
