package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/luminavpn/proxybridge/internal/secrets"
)

// ErrAuthRequired is returned when no usable session exists and the refresh
// token has been rejected or lost. The user must sign in again; this is not
// a transient failure.
var ErrAuthRequired = errors.New("authentication required")

// Manager owns the AuthSession. It returns valid access tokens, refreshing
// them through the identity provider when expired, and persists the session
// in the secret store.
//
// Concurrency contract: at most one refresh is in flight at a time.
// Concurrent callers share the result of the single in-flight attempt, since
// most providers invalidate a refresh token after first use.
type Manager struct {
	provider IdentityProvider
	store    secrets.Store
	now      func() time.Time

	mu      sync.RWMutex
	session *Session

	group singleflight.Group
}

// NewManager creates a token manager and loads any persisted session.
func NewManager(provider IdentityProvider, store secrets.Store) *Manager {
	m := &Manager{
		provider: provider,
		store:    store,
		now:      time.Now,
	}

	var s Session
	if err := secrets.LoadJSON(store, secrets.KeyAuthSession, &s); err == nil {
		m.session = &s
	} else if !errors.Is(err, secrets.ErrNotFound) {
		slog.Warn("Failed to load persisted auth session", "error", err)
	}

	return m
}

// SetSession installs a session obtained from a completed sign-in flow and
// persists it.
func (m *Manager) SetSession(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := secrets.SaveJSON(m.store, secrets.KeyAuthSession, s); err != nil {
		return fmt.Errorf("failed to persist auth session: %w", err)
	}
	m.session = s
	return nil
}

// HasSession reports whether any session (possibly expired) is stored.
func (m *Manager) HasSession() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session != nil
}

// GetValidAccessToken returns a non-expired access token, refreshing the
// session if needed. Returns ErrAuthRequired if no session exists or the
// refresh is rejected.
func (m *Manager) GetValidAccessToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	session := m.session
	m.mu.RUnlock()

	if session == nil {
		return "", ErrAuthRequired
	}
	if !session.Expired(m.now()) {
		return session.AccessToken, nil
	}

	if err := m.Refresh(ctx); err != nil {
		return "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return "", ErrAuthRequired
	}
	return m.session.AccessToken, nil
}

// Refresh exchanges the stored refresh token for a new session. On success
// the session is replaced atomically and persisted. On failure the session
// is destroyed entirely and ErrAuthRequired is returned: the caller must
// treat this as "user must re-authenticate", not as a transient error.
func (m *Manager) Refresh(ctx context.Context) error {
	_, err, _ := m.group.Do("refresh", func() (any, error) {
		return nil, m.doRefresh(ctx)
	})
	return err
}

func (m *Manager) doRefresh(ctx context.Context) error {
	m.mu.RLock()
	session := m.session
	m.mu.RUnlock()

	if !session.CanRefresh() {
		m.destroySession()
		return ErrAuthRequired
	}

	newSession, err := m.provider.Refresh(ctx, session.RefreshToken)
	if err != nil {
		slog.Warn("Token refresh rejected, clearing session", "error", err)
		m.destroySession()
		return fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := secrets.SaveJSON(m.store, secrets.KeyAuthSession, newSession); err != nil {
		slog.Warn("Failed to persist refreshed session", "error", err)
	}
	m.session = newSession
	slog.Debug("Access token refreshed", "expires_at", newSession.ExpiresAt)
	return nil
}

// SignOut destroys the stored session.
func (m *Manager) SignOut() {
	m.destroySession()
}

func (m *Manager) destroySession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = nil
	if err := m.store.Delete(secrets.KeyAuthSession); err != nil {
		slog.Warn("Failed to delete persisted auth session", "error", err)
	}
}
