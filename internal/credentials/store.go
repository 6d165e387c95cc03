// Package credentials caches short-lived proxy credentials with expiry and
// refresh-threshold logic. The store performs no I/O.
package credentials

import (
	"sync"
	"time"
)

// refreshFraction is the portion of the credential lifetime after which a
// renewal should be started. Renewing at 90% leaves a 10% margin to complete
// the refresh round-trip before expiry causes live traffic to fail with 407.
const refreshFraction = 0.9

// Credentials is a short-lived username/password pair issued by the VPN
// provider for use with its HTTP proxy servers.
type Credentials struct {
	Username   string
	Password   string
	Lifetime   time.Duration
	ObtainedAt time.Time
}

// ExpiresAt returns the instant the credentials become invalid.
func (c *Credentials) ExpiresAt() time.Time {
	return c.ObtainedAt.Add(c.Lifetime)
}

// RefreshAt returns the instant the credentials should be renewed.
func (c *Credentials) RefreshAt() time.Time {
	return c.ObtainedAt.Add(time.Duration(float64(c.Lifetime) * refreshFraction))
}

// Store holds at most one set of cached proxy credentials.
// It is safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	creds *Credentials
	now   func() time.Time
}

// NewStore creates an empty credential store.
func NewStore() *Store {
	return &Store{now: time.Now}
}

// NewStoreWithClock creates a store with an injected clock for testing.
func NewStoreWithClock(now func() time.Time) *Store {
	return &Store{now: now}
}

// Cache records freshly obtained credentials, replacing any prior value.
func (s *Store) Cache(username, password string, lifetime time.Duration) *Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.creds = &Credentials{
		Username:   username,
		Password:   password,
		Lifetime:   lifetime,
		ObtainedAt: s.now(),
	}
	c := *s.creds
	return &c
}

// Valid returns the cached credentials if they have not expired.
// Expired credentials are dropped from the cache (lazy invalidation).
func (s *Store) Valid() (*Credentials, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.creds == nil {
		return nil, false
	}
	if !s.now().Before(s.creds.ExpiresAt()) {
		s.creds = nil
		return nil, false
	}
	c := *s.creds
	return &c, true
}

// NeedsRefresh reports whether no valid credentials exist or the cached
// credentials have crossed the refresh threshold.
func (s *Store) NeedsRefresh() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.creds == nil {
		return true
	}
	now := s.now()
	if !now.Before(s.creds.ExpiresAt()) {
		s.creds = nil
		return true
	}
	return !now.Before(s.creds.RefreshAt())
}

// Clear drops the cached credentials.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = nil
}
