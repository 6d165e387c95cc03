// Package auth manages the OAuth session and access-token lifecycle.
package auth

import "time"

// expirySkew treats a session as already expired this long before its actual
// expiry, so a token is never presented with only seconds of validity left.
const expirySkew = 5 * time.Minute

// Session holds the OAuth access and refresh token pair.
// It is replaced wholesale on refresh, never partially updated.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the access token is expired at the given instant,
// applying the clock-skew margin.
func (s *Session) Expired(now time.Time) bool {
	if s == nil || s.AccessToken == "" {
		return true
	}
	return !now.Before(s.ExpiresAt.Add(-expirySkew))
}

// CanRefresh reports whether the session carries a refresh token.
func (s *Session) CanRefresh() bool {
	return s != nil && s.RefreshToken != ""
}
