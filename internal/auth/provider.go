package auth

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// IdentityProvider exchanges a refresh token for a new session.
// Implementations are external collaborators (the provider's OAuth endpoint).
type IdentityProvider interface {
	// Refresh exchanges the given refresh token for a fresh session.
	// Providers typically invalidate the refresh token after first use, so
	// callers must store the returned session before issuing another call.
	Refresh(ctx context.Context, refreshToken string) (*Session, error)
}

// OAuth2Provider implements IdentityProvider against a standard OAuth2
// token endpoint using the refresh-token grant.
type OAuth2Provider struct {
	cfg *oauth2.Config
}

// NewOAuth2Provider creates a provider for the given public client and
// token endpoint.
func NewOAuth2Provider(clientID, tokenURL string) *OAuth2Provider {
	return &OAuth2Provider{
		cfg: &oauth2.Config{
			ClientID: clientID,
			Endpoint: oauth2.Endpoint{TokenURL: tokenURL},
		},
	}
}

// Refresh performs the refresh-token grant.
func (p *OAuth2Provider) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	src := p.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token exchange failed: %w", err)
	}

	// Some providers rotate refresh tokens, some return the same one.
	newRefresh := tok.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		// No expiry reported; assume a conservative one-hour lifetime.
		expiry = time.Now().Add(time.Hour)
	}

	return &Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: newRefresh,
		ExpiresAt:    expiry,
	}, nil
}
