package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/luminavpn/proxybridge/internal/auth"
	"github.com/luminavpn/proxybridge/internal/credentials"
	"github.com/luminavpn/proxybridge/internal/directory"
	"github.com/luminavpn/proxybridge/internal/health"
	"github.com/luminavpn/proxybridge/internal/proxyconf"
	"github.com/luminavpn/proxybridge/internal/proxyerr"
	"github.com/luminavpn/proxybridge/internal/secrets"
	"github.com/luminavpn/proxybridge/internal/stats"
)

// TokenSource supplies provider access tokens. Satisfied by auth.Manager.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// Prober verifies the configured proxy path. Satisfied by health.Prober.
type Prober interface {
	Probe(ctx context.Context, rule proxyconf.Rule) health.Result
}

// Config holds the lifecycle manager's tuning knobs.
type Config struct {
	// ConnectTimeout bounds one whole establishment sequence.
	ConnectTimeout time.Duration
	// HealthInterval is the spacing between periodic health probes.
	HealthInterval time.Duration
	// RetryDelays is the backoff schedule. Attempts beyond its length reuse
	// the last entry.
	RetryDelays []time.Duration
	// MaxRetryAttempts caps automatic reconnects per failure sequence.
	MaxRetryAttempts int
	// RetrySpacing is the minimum gap between retry sequences started by
	// independent failure signals.
	RetrySpacing time.Duration
	// NetworkSettleDelay is how long to wait after a local network failure
	// before the free (non-counted) retry.
	NetworkSettleDelay time.Duration
	// AuthFailureCeiling caps credential-rejection recoveries before the
	// manager gives up and disconnects.
	AuthFailureCeiling int
	// CredentialDuration is the lifetime requested for proxy credentials.
	CredentialDuration time.Duration
	// KillSwitch restricts the bypass list to loopback so a dead proxy
	// blocks traffic instead of leaking it.
	KillSwitch bool
	// ExtraBypass is merged into the mandatory bypass list.
	ExtraBypass []string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:     30 * time.Second,
		HealthInterval:     15 * time.Second,
		RetryDelays:        []time.Duration{500 * time.Millisecond, 2 * time.Second, 6 * time.Second, 12 * time.Second},
		MaxRetryAttempts:   4,
		RetrySpacing:       5 * time.Second,
		NetworkSettleDelay: 2 * time.Second,
		AuthFailureCeiling: 10,
		CredentialDuration: time.Hour,
	}
}

// Deps are the manager's external collaborators.
type Deps struct {
	Tokens      TokenSource
	Directory   directory.Client
	Credentials *credentials.Store
	Port        proxyconf.Port
	Prober      Prober
	Secrets     secrets.Store
	Stats       *stats.Tracker
}

// Events are callbacks surfaced to the UI layer. All callbacks are invoked
// without the manager lock held; a callback may call back into the manager.
type Events struct {
	OnStateChange        func(old, new ConnectionState)
	OnConnectionLost     func(err *proxyerr.Error)
	OnCredentialsExpired func()
	OnConnectionRestored func()
}

// ConnectionConfig is the active connection record persisted in the secret
// store, so a restarted daemon can report and clean up a stale proxy rule.
type ConnectionConfig struct {
	Enabled  bool     `json:"enabled"`
	ServerID string   `json:"server_id"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Protocol string   `json:"protocol"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	Bypass   []string `json:"bypass"`

	RetryCount            int             `json:"retry_count"`
	LastError             *proxyerr.Error `json:"last_error,omitempty"`
	LastCredentialRefresh time.Time       `json:"last_credential_refresh,omitzero"`
}

type retryState struct {
	attempts   int
	inProgress bool
	settleUsed bool
}

// Manager is the connection lifecycle manager. One instance owns the host
// proxy configuration; every mutation of connection state goes through it.
//
// Concurrency contract: entry points (Connect, Disconnect, timer callbacks,
// network-change notifications) are serialized on one mutex. Event callbacks
// run after the lock is released.
type Manager struct {
	cfg    Config
	tokens TokenSource
	dir    directory.Client
	creds  *credentials.Store
	port   proxyconf.Port
	prober Prober
	store  secrets.Store
	stats  *stats.Tracker
	events Events

	timers    *timerTable
	retryGate *rate.Limiter
	now       func() time.Time

	mu           sync.Mutex
	state        ConnectionState
	sessionID    string
	target       string
	current      *ConnectionConfig
	lastServer   *directory.Server
	lastErr      *proxyerr.Error
	retry        retryState
	authFailures int
	substituting bool
	emissions    []func()
}

// NewManager creates a lifecycle manager in the Disconnected state.
func NewManager(cfg Config, deps Deps, events Events) *Manager {
	if deps.Stats == nil {
		deps.Stats = stats.NewTracker()
	}
	m := &Manager{
		cfg:       cfg,
		tokens:    deps.Tokens,
		dir:       deps.Directory,
		creds:     deps.Credentials,
		port:      deps.Port,
		prober:    deps.Prober,
		store:     deps.Secrets,
		stats:     deps.Stats,
		events:    events,
		timers:    newTimerTable(),
		retryGate: rate.NewLimiter(rate.Every(cfg.RetrySpacing), 1),
		now:       time.Now,
		state:     StateDisconnected,
	}

	var cc ConnectionConfig
	if err := secrets.LoadJSON(deps.Secrets, secrets.KeyProxyConfig, &cc); err == nil {
		m.current = &cc
	} else if !errors.Is(err, secrets.ErrNotFound) {
		slog.Warn("Failed to load persisted connection config", "error", err)
	}

	return m
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns a copy of the active connection record, or nil.
func (m *Manager) Current() *ConnectionConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	cc := *m.current
	return &cc
}

// Stats returns a snapshot of the connection statistics.
func (m *Manager) Stats() stats.Snapshot {
	return m.stats.Snapshot()
}

// LastError returns the most recent classified failure, or nil.
func (m *Manager) LastError() *proxyerr.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Sanitize clears a stale host proxy rule left behind by a previous run.
// Called once at daemon startup, before any Connect.
func (m *Manager) Sanitize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || !m.current.Enabled {
		return nil
	}
	slog.Warn("Found stale enabled proxy config from previous run, clearing",
		"server", m.current.ServerID)

	if err := m.port.Clear(ctx); err != nil {
		return fmt.Errorf("clear stale proxy config: %w", err)
	}
	m.current.Enabled = false
	m.persistLocked()
	return nil
}

// Connect establishes a proxy connection to the given server. Valid only
// from the Disconnected or Error state.
func (m *Manager) Connect(ctx context.Context, serverID string) error {
	m.mu.Lock()
	err := m.connectLocked(ctx, serverID)
	emit := m.flushLocked()
	m.mu.Unlock()
	run(emit)
	return err
}

// Disconnect tears down the connection: cancels all timers, clears the host
// proxy rule and resets retry state. Idempotent; calling it while already
// disconnected is a no-op.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	slog.Info("Disconnecting", "session", m.sessionID)

	m.timers.cancelAll()
	err := m.port.Clear(ctx)

	m.setStateLocked(StateDisconnected)
	m.creds.Clear()
	m.target = ""
	m.retry = retryState{}
	m.authFailures = 0
	m.substituting = false
	if m.current != nil {
		m.current.Enabled = false
		m.persistLocked()
	}
	m.stats.MarkDisconnected()

	emit := m.flushLocked()
	m.mu.Unlock()
	run(emit)

	if err != nil {
		return fmt.Errorf("clear host proxy config: %w", err)
	}
	return nil
}

// HandleNetworkChange notifies the manager that the local network path
// changed (interface up/down, captive portal, sleep/wake). An active
// connection is re-validated through the failure path.
func (m *Manager) HandleNetworkChange() {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateError {
		slog.Info("Network change detected, re-validating connection")
		m.failLocked(context.Background(),
			proxyerr.New(proxyerr.KindNetworkError, "local network changed"))
	}
	emit := m.flushLocked()
	m.mu.Unlock()
	run(emit)
}

// connectLocked runs one establishment attempt. It expects m.mu held.
func (m *Manager) connectLocked(ctx context.Context, serverID string) error {
	if !m.state.CanConnect() {
		return fmt.Errorf("cannot connect while %s", m.state)
	}

	m.sessionID = uuid.NewString()
	m.target = serverID
	m.setStateLocked(StateConnecting)
	slog.Info("Connecting", "server", serverID, "session", m.sessionID)

	// The connect timer bounds the whole sequence by cancelling its context.
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.timers.schedule(timerConnect, m.cfg.ConnectTimeout, cancel)

	err := m.establishLocked(cctx, serverID)
	m.timers.cancel(timerConnect)
	if err == nil {
		return nil
	}

	var perr *proxyerr.Error
	switch {
	case errors.Is(err, auth.ErrAuthRequired):
		// The refresh token was rejected; retrying cannot help.
		perr = proxyerr.New(proxyerr.KindAuthFailed, "authentication required")
		m.forceDisconnectLocked(ctx, perr)
		return perr
	case cctx.Err() != nil && ctx.Err() == nil:
		perr = proxyerr.Newf(proxyerr.KindServerError,
			"connection attempt timed out after %s", m.cfg.ConnectTimeout)
	default:
		perr = proxyerr.Classify(err)
	}

	m.failLocked(ctx, perr)
	if m.state == StateConnected {
		// The failure handler recovered inline (token refresh or server
		// substitution); the caller got a working connection after all.
		return nil
	}
	return perr
}

// establishLocked performs the establishment steps in order: credentials,
// server lookup, host proxy application, then success bookkeeping.
func (m *Manager) establishLocked(ctx context.Context, serverID string) error {
	creds, err := m.ensureCredentialsLocked(ctx)
	if err != nil {
		return err
	}

	srv, err := m.lookupServerLocked(ctx, serverID)
	if err != nil {
		return err
	}

	rule := proxyconf.Rule{
		Host:     srv.Host,
		Port:     srv.Port,
		Username: creds.Username,
		Password: creds.Password,
		Bypass:   proxyconf.MergeBypass(m.cfg.ExtraBypass, m.cfg.KillSwitch),
	}
	if err := rule.Validate(); err != nil {
		return proxyerr.Newf(proxyerr.KindLogicalError, "unusable server %s: %v", srv.ID, err)
	}
	if err := m.port.Apply(ctx, rule); err != nil {
		return err
	}

	wasRecovery := m.retry.attempts > 0
	m.current = &ConnectionConfig{
		Enabled:  true,
		ServerID: srv.ID,
		Host:     srv.Host,
		Port:     srv.Port,
		Protocol: "http",
		Username: creds.Username,
		Password: creds.Password,
		Bypass:   rule.Bypass,
	}
	m.lastServer = srv
	m.lastErr = nil
	m.persistLocked()

	m.setStateLocked(StateConnected)
	m.retry = retryState{}
	m.substituting = false
	m.stats.MarkConnected(srv.ID)
	m.scheduleCredentialRefreshLocked(creds)
	m.scheduleHealthCheckLocked()

	slog.Info("Connected", "server", srv.ID, "proxy", rule.ServerString(),
		"session", m.sessionID)

	if wasRecovery {
		m.emitLocked(m.events.OnConnectionRestored)
	}
	return nil
}

// ensureCredentialsLocked returns valid proxy credentials, exchanging the
// access token for a fresh pair when the cache is empty or past its refresh
// threshold.
func (m *Manager) ensureCredentialsLocked(ctx context.Context) (*credentials.Credentials, error) {
	if creds, ok := m.creds.Valid(); ok && !m.creds.NeedsRefresh() {
		return creds, nil
	}

	token, err := m.tokens.GetValidAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	pt, err := m.dir.GetProxyToken(ctx, token, int(m.cfg.CredentialDuration.Seconds()))
	if err != nil {
		return nil, err
	}

	lifetime := time.Duration(pt.ExpiresIn) * time.Second
	slog.Debug("Obtained proxy credentials", "lifetime", lifetime)
	return m.creds.Cache(pt.Username, pt.Password, lifetime), nil
}

// lookupServerLocked resolves the server in the catalog and verifies the
// provider reports it operational.
func (m *Manager) lookupServerLocked(ctx context.Context, serverID string) (*directory.Server, error) {
	servers, err := m.dir.GetServers(ctx)
	if err != nil {
		return nil, err
	}

	var srv *directory.Server
	for i := range servers {
		if servers[i].ID == serverID {
			srv = &servers[i]
			break
		}
	}
	if srv == nil {
		// Retrying or substituting cannot fix an ID the catalog does not know.
		return nil, proxyerr.Newf(proxyerr.KindLogicalError, "unknown server %q", serverID)
	}
	if !srv.Online {
		return nil, m.offlineErrorLocked(srv)
	}

	online, err := m.dir.CheckServerStatus(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if !online {
		return nil, m.offlineErrorLocked(srv)
	}
	return srv, nil
}

// offlineErrorLocked records the offline server so substitution can match
// its feature set, and marks the error eligible for substitution.
func (m *Manager) offlineErrorLocked(srv *directory.Server) *proxyerr.Error {
	m.lastServer = srv
	perr := proxyerr.Newf(proxyerr.KindLogicalError, "server %s reported offline", srv.ID)
	perr.Retryable = true
	return perr
}

// failLocked is the single failure entry point: it records the error, moves
// to the Error state and dispatches the per-kind recovery strategy.
func (m *Manager) failLocked(ctx context.Context, perr *proxyerr.Error) {
	// A stale signal after teardown is a no-op.
	if m.state == StateDisconnected {
		return
	}

	slog.Warn("Connection failure", "kind", perr.Kind, "error", perr.Message,
		"retryable", perr.Retryable, "session", m.sessionID)

	if m.state != StateError {
		m.setStateLocked(StateError)
	}
	m.lastErr = perr
	if m.current != nil {
		m.current.LastError = perr
		m.current.RetryCount = m.retry.attempts
		m.persistLocked()
	}
	m.stats.RecordError(perr.UserMessage())
	m.emitLocked(func() {
		if m.events.OnConnectionLost != nil {
			m.events.OnConnectionLost(perr)
		}
	})

	switch perr.Kind {
	case proxyerr.KindAuthFailed:
		m.emitLocked(m.events.OnCredentialsExpired)
		m.handleAuthFailureLocked(ctx)
	case proxyerr.KindNetworkError:
		if !perr.Retryable {
			m.forceDisconnectLocked(ctx, perr)
			return
		}
		m.scheduleNetworkRetryLocked(ctx)
	case proxyerr.KindServerError, proxyerr.KindCredentialError:
		if !perr.Retryable {
			m.forceDisconnectLocked(ctx, perr)
			return
		}
		m.scheduleBackoffRetryLocked(ctx)
	case proxyerr.KindLogicalError:
		if !perr.Retryable {
			m.forceDisconnectLocked(ctx, perr)
			return
		}
		m.substituteServerLocked(ctx)
	default:
		m.forceDisconnectLocked(ctx, perr)
	}
}

// handleAuthFailureLocked recovers from rejected proxy credentials: refresh
// the access token, drop cached credentials and reconnect with the retry
// budget reset. Past the ceiling the manager gives up instead, so a broken
// account cannot refresh tokens forever.
func (m *Manager) handleAuthFailureLocked(ctx context.Context) {
	m.authFailures++
	if m.authFailures >= m.cfg.AuthFailureCeiling {
		slog.Error("Credential failure ceiling reached, giving up",
			"failures", m.authFailures)
		m.forceDisconnectLocked(ctx,
			proxyerr.New(proxyerr.KindAuthFailed, "authentication failed repeatedly"))
		return
	}

	if err := m.tokens.Refresh(ctx); err != nil {
		m.forceDisconnectLocked(ctx,
			proxyerr.New(proxyerr.KindAuthFailed, "authentication required"))
		return
	}

	serverID := m.target
	if serverID == "" {
		m.forceDisconnectLocked(ctx,
			proxyerr.New(proxyerr.KindAuthFailed, "no active server to reconnect"))
		return
	}

	slog.Info("Access token refreshed, reconnecting with fresh credentials",
		"auth_failures", m.authFailures)
	m.creds.Clear()
	m.retry = retryState{}
	_ = m.connectLocked(ctx, serverID)
}

// scheduleNetworkRetryLocked waits for the local network to settle and then
// retries once without counting against the retry budget. A second network
// failure in the same sequence falls through to the normal backoff schedule.
func (m *Manager) scheduleNetworkRetryLocked(ctx context.Context) {
	if m.retry.settleUsed {
		m.scheduleBackoffRetryLocked(ctx)
		return
	}
	if m.timers.active(timerRetry) {
		return
	}
	m.retry.settleUsed = true
	slog.Info("Waiting for network to settle before retry",
		"delay", m.cfg.NetworkSettleDelay)
	m.timers.schedule(timerRetry, m.cfg.NetworkSettleDelay, func() {
		m.onRetryTimer(false)
	})
}

// scheduleBackoffRetryLocked arms the next attempt of the bounded backoff
// schedule, or gives up when the budget is exhausted. Failure signals that
// arrive while a retry is already pending or in flight are coalesced, and
// independent signals are additionally rate limited so two root causes for
// the same outage cannot start parallel retry sequences.
func (m *Manager) scheduleBackoffRetryLocked(ctx context.Context) {
	if m.timers.active(timerRetry) {
		return
	}
	if !m.retry.inProgress && m.retry.attempts > 0 && !m.retryGate.Allow() {
		slog.Debug("Suppressing duplicate failure signal within retry spacing window")
		return
	}

	if m.retry.attempts >= m.cfg.MaxRetryAttempts {
		slog.Error("Retry budget exhausted, giving up", "attempts", m.retry.attempts)
		m.forceDisconnectLocked(ctx,
			proxyerr.New(proxyerr.KindServerError, "maximum retries exceeded"))
		return
	}

	delay := m.cfg.RetryDelays[min(m.retry.attempts, len(m.cfg.RetryDelays)-1)]
	slog.Info("Scheduling reconnect", "attempt", m.retry.attempts+1,
		"max", m.cfg.MaxRetryAttempts, "delay", delay)
	m.timers.schedule(timerRetry, delay, func() {
		m.onRetryTimer(true)
	})
}

// onRetryTimer runs one scheduled reconnect attempt. counted distinguishes
// budgeted backoff attempts from the free network-settle retry.
func (m *Manager) onRetryTimer(counted bool) {
	ctx := context.Background()

	m.mu.Lock()
	if m.state != StateError {
		m.mu.Unlock()
		return
	}
	serverID := m.target
	if serverID == "" {
		m.forceDisconnectLocked(ctx,
			proxyerr.New(proxyerr.KindServerError, "no active server to reconnect"))
		emit := m.flushLocked()
		m.mu.Unlock()
		run(emit)
		return
	}

	if counted {
		m.retry.attempts++
	}
	m.retry.inProgress = true
	m.stats.RecordRetry()

	_ = m.connectLocked(ctx, serverID)
	m.retry.inProgress = false

	emit := m.flushLocked()
	m.mu.Unlock()
	run(emit)
}

// substituteServerLocked handles a provider-reported non-operational server
// by trying one alternative with the same feature set, then giving up.
func (m *Manager) substituteServerLocked(ctx context.Context) {
	if m.substituting {
		m.forceDisconnectLocked(ctx,
			proxyerr.New(proxyerr.KindLogicalError, "no alternative servers available"))
		return
	}

	alt := m.findAlternativeLocked(ctx)
	if alt == nil {
		m.forceDisconnectLocked(ctx,
			proxyerr.New(proxyerr.KindLogicalError, "no alternative servers available"))
		return
	}

	slog.Info("Substituting offline server", "from", m.target, "to", alt.ID)
	m.substituting = true
	_ = m.connectLocked(ctx, alt.ID)
}

func (m *Manager) findAlternativeLocked(ctx context.Context) *directory.Server {
	servers, err := m.dir.GetServers(ctx)
	if err != nil {
		return nil
	}

	currentID := m.target
	var want []string
	if m.lastServer != nil {
		want = m.lastServer.Features
	}
	for i := range servers {
		s := &servers[i]
		if s.ID == currentID || !s.Online {
			continue
		}
		if s.HasFeatures(want) {
			return s
		}
	}
	return nil
}

// forceDisconnectLocked is the give-up path: tear everything down and leave
// the host with no proxy rule. A terminal failure must never leave traffic
// routed into a dead proxy.
func (m *Manager) forceDisconnectLocked(ctx context.Context, perr *proxyerr.Error) {
	slog.Error("Forcing disconnect", "kind", perr.Kind, "error", perr.Message)

	m.timers.cancelAll()
	if err := m.port.Clear(ctx); err != nil {
		slog.Error("Failed to clear host proxy config during forced disconnect", "error", err)
	}

	m.setStateLocked(StateDisconnected)
	m.creds.Clear()
	m.lastErr = perr
	m.target = ""
	if m.current != nil {
		m.current.Enabled = false
		m.current.LastError = perr
		m.current.RetryCount = m.retry.attempts
		m.persistLocked()
	}
	m.retry = retryState{}
	m.authFailures = 0
	m.substituting = false
	m.stats.MarkDisconnected()

	m.emitLocked(func() {
		if m.events.OnConnectionLost != nil {
			m.events.OnConnectionLost(perr)
		}
	})
}

// scheduleCredentialRefreshLocked arms the renewal timer at the refresh
// threshold of the just-obtained credentials.
func (m *Manager) scheduleCredentialRefreshLocked(creds *credentials.Credentials) {
	d := creds.RefreshAt().Sub(m.now())
	if d < 0 {
		d = 0
	}
	slog.Debug("Scheduled credential refresh", "in", d)
	m.timers.schedule(timerCredentialRefresh, d, m.onCredentialRefreshTimer)
}

// onCredentialRefreshTimer renews proxy credentials in place: same server,
// fresh username/password, host proxy rule re-applied.
func (m *Manager) onCredentialRefreshTimer() {
	ctx := context.Background()

	m.mu.Lock()
	defer func() {
		emit := m.flushLocked()
		m.mu.Unlock()
		run(emit)
	}()

	if m.state != StateConnected || m.current == nil {
		return
	}
	slog.Info("Renewing proxy credentials", "server", m.current.ServerID)

	token, err := m.tokens.GetValidAccessToken(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrAuthRequired) {
			m.forceDisconnectLocked(ctx,
				proxyerr.New(proxyerr.KindAuthFailed, "authentication required"))
			return
		}
		m.failLocked(ctx, proxyerr.Classify(err))
		return
	}

	pt, err := m.dir.GetProxyToken(ctx, token, int(m.cfg.CredentialDuration.Seconds()))
	if err != nil {
		// Staying connected with soon-to-expire credentials would fail
		// live traffic with 407 shortly; surface the failure now.
		m.failLocked(ctx, proxyerr.Classify(err))
		return
	}

	lifetime := time.Duration(pt.ExpiresIn) * time.Second
	creds := m.creds.Cache(pt.Username, pt.Password, lifetime)

	rule := proxyconf.Rule{
		Host:     m.current.Host,
		Port:     m.current.Port,
		Username: creds.Username,
		Password: creds.Password,
		Bypass:   m.current.Bypass,
	}
	if err := m.port.Apply(ctx, rule); err != nil {
		m.failLocked(ctx, proxyerr.Classify(err))
		return
	}

	m.current.Username = creds.Username
	m.current.Password = creds.Password
	m.current.LastCredentialRefresh = m.now()
	m.persistLocked()
	m.stats.RecordCredentialRefresh()
	m.scheduleCredentialRefreshLocked(creds)
	slog.Info("Proxy credentials renewed", "next_refresh", creds.RefreshAt())
}

// scheduleHealthCheckLocked arms the next periodic health probe.
func (m *Manager) scheduleHealthCheckLocked() {
	m.timers.schedule(timerHealthCheck, m.cfg.HealthInterval, m.onHealthTimer)
}

// onHealthTimer probes the active proxy path. The probe itself runs without
// the lock; its outcome is discarded if the session changed in the meantime.
func (m *Manager) onHealthTimer() {
	ctx := context.Background()

	m.mu.Lock()
	if m.state != StateConnected || m.current == nil {
		m.mu.Unlock()
		return
	}
	rule := proxyconf.Rule{
		Host:     m.current.Host,
		Port:     m.current.Port,
		Username: m.current.Username,
		Password: m.current.Password,
	}
	session := m.sessionID
	m.mu.Unlock()

	result := m.prober.Probe(ctx, rule)

	m.mu.Lock()
	if m.state != StateConnected || m.sessionID != session {
		m.mu.Unlock()
		return
	}

	switch result {
	case health.ResultHealthy:
		m.stats.RecordCheck(true)
		m.retry = retryState{}
		m.authFailures = 0
		if m.current != nil && m.current.LastError != nil {
			m.current.LastError = nil
			m.persistLocked()
		}
		m.scheduleHealthCheckLocked()
	case health.ResultAuthFailed:
		m.stats.RecordCheck(false)
		m.failLocked(ctx, &proxyerr.Error{
			Kind:       proxyerr.KindAuthFailed,
			Message:    "proxy rejected credentials during health check",
			HTTPStatus: 407,
		})
	default:
		m.stats.RecordCheck(false)
		m.failLocked(ctx,
			proxyerr.New(proxyerr.KindServerError, "proxy endpoint unreachable"))
	}

	emit := m.flushLocked()
	m.mu.Unlock()
	run(emit)
}

func (m *Manager) setStateLocked(to ConnectionState) {
	from := m.state
	if from == to {
		return
	}
	if !IsValidTransition(from, to) {
		slog.Error("Invalid state transition", "from", from, "to", to)
		return
	}
	m.state = to
	slog.Debug("State transition", "from", from, "to", to)
	m.emitLocked(func() {
		if m.events.OnStateChange != nil {
			m.events.OnStateChange(from, to)
		}
	})
}

func (m *Manager) persistLocked() {
	if err := secrets.SaveJSON(m.store, secrets.KeyProxyConfig, m.current); err != nil {
		slog.Warn("Failed to persist connection config", "error", err)
	}
}

func (m *Manager) emitLocked(fn func()) {
	if fn == nil {
		return
	}
	m.emissions = append(m.emissions, fn)
}

func (m *Manager) flushLocked() []func() {
	fns := m.emissions
	m.emissions = nil
	return fns
}

func run(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
