package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminavpn/proxybridge/internal/auth"
	"github.com/luminavpn/proxybridge/internal/credentials"
	"github.com/luminavpn/proxybridge/internal/directory"
	"github.com/luminavpn/proxybridge/internal/health"
	"github.com/luminavpn/proxybridge/internal/proxyconf"
	"github.com/luminavpn/proxybridge/internal/proxyerr"
	"github.com/luminavpn/proxybridge/internal/secrets"
	"github.com/luminavpn/proxybridge/internal/stats"
)

type memStore struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{m: make(map[string][]byte)}
}

func (s *memStore) Save(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = append([]byte(nil), value...)
	return nil
}

func (s *memStore) Load(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	if !ok {
		return nil, secrets.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *memStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

type fakeTokens struct {
	mu           sync.Mutex
	tokenErr     error
	refreshErr   error
	tokenCalls   int
	refreshCalls int
}

func (f *fakeTokens) GetValidAccessToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenCalls++
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	return "access-token", nil
}

func (f *fakeTokens) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	return f.refreshErr
}

func (f *fakeTokens) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

type fakeDirectory struct {
	mu         sync.Mutex
	servers    []directory.Server
	serversErr error
	tokenErr   error
	expiresIn  int
	tokenCalls int
}

func (f *fakeDirectory) GetServers(context.Context) ([]directory.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.serversErr != nil {
		return nil, f.serversErr
	}
	return append([]directory.Server(nil), f.servers...), nil
}

func (f *fakeDirectory) CheckServerStatus(_ context.Context, serverID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.servers {
		if s.ID == serverID {
			return s.Online, nil
		}
	}
	return false, nil
}

func (f *fakeDirectory) GetProxyToken(context.Context, string, int) (*directory.ProxyToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokenErr != nil {
		return nil, f.tokenErr
	}
	f.tokenCalls++
	return &directory.ProxyToken{
		Username:  fmt.Sprintf("user-%d", f.tokenCalls),
		Password:  "pw",
		ExpiresIn: f.expiresIn,
	}, nil
}

func (f *fakeDirectory) tokenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenCalls
}

type fakePort struct {
	mu        sync.Mutex
	applyErrs []error // consumed one per call, then success
	stickyErr error   // returned on every call when set
	applied   []proxyconf.Rule
	clears    int
}

func (p *fakePort) Apply(_ context.Context, rule proxyconf.Rule) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = append(p.applied, rule)
	if p.stickyErr != nil {
		return p.stickyErr
	}
	if len(p.applyErrs) > 0 {
		err := p.applyErrs[0]
		p.applyErrs = p.applyErrs[1:]
		return err
	}
	return nil
}

func (p *fakePort) Clear(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clears++
	return nil
}

func (p *fakePort) applyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.applied)
}

func (p *fakePort) lastRule() proxyconf.Rule {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applied[len(p.applied)-1]
}

func (p *fakePort) clearCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clears
}

type fakeProber struct {
	mu    sync.Mutex
	queue []health.Result
}

func (f *fakeProber) Probe(context.Context, proxyconf.Rule) health.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return health.ResultHealthy
	}
	r := f.queue[0]
	f.queue = f.queue[1:]
	return r
}

type eventRecorder struct {
	mu           sync.Mutex
	transitions  []string
	lostKinds    []proxyerr.Kind
	credsExpired int
	restored     int
}

func (r *eventRecorder) events() Events {
	return Events{
		OnStateChange: func(old, new ConnectionState) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.transitions = append(r.transitions, fmt.Sprintf("%s->%s", old, new))
		},
		OnConnectionLost: func(err *proxyerr.Error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.lostKinds = append(r.lostKinds, err.Kind)
		},
		OnCredentialsExpired: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.credsExpired++
		},
		OnConnectionRestored: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.restored++
		},
	}
}

func (r *eventRecorder) credsExpiredCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.credsExpired
}

type harness struct {
	m      *Manager
	tokens *fakeTokens
	dir    *fakeDirectory
	port   *fakePort
	prober *fakeProber
	store  *memStore
	rec    *eventRecorder
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelays = []time.Duration{
		5 * time.Millisecond, 10 * time.Millisecond,
		15 * time.Millisecond, 20 * time.Millisecond,
	}
	cfg.NetworkSettleDelay = 5 * time.Millisecond
	cfg.RetrySpacing = 50 * time.Millisecond
	cfg.HealthInterval = time.Hour
	cfg.ConnectTimeout = 2 * time.Second
	return cfg
}

func newHarness(cfg Config) *harness {
	h := &harness{
		tokens: &fakeTokens{},
		dir: &fakeDirectory{
			expiresIn: 3600,
			servers: []directory.Server{
				{ID: "us-1", Host: "proxy1.example.com", Port: 8080, Online: true, Features: []string{"proxy"}},
				{ID: "eu-1", Host: "proxy2.example.com", Port: 8080, Online: true, Features: []string{"proxy"}},
			},
		},
		port:   &fakePort{},
		prober: &fakeProber{},
		store:  newMemStore(),
		rec:    &eventRecorder{},
	}
	h.m = NewManager(cfg, Deps{
		Tokens:      h.tokens,
		Directory:   h.dir,
		Credentials: credentials.NewStore(),
		Port:        h.port,
		Prober:      h.prober,
		Secrets:     h.store,
		Stats:       stats.NewTracker(),
	}, h.rec.events())
	return h
}

func TestConnect_AppliesProxyRule(t *testing.T) {
	h := newHarness(testConfig())

	require.NoError(t, h.m.Connect(context.Background(), "us-1"))

	assert.Equal(t, StateConnected, h.m.State())
	require.Equal(t, 1, h.port.applyCount())

	rule := h.port.lastRule()
	assert.Equal(t, "proxy1.example.com", rule.Host)
	assert.Equal(t, 8080, rule.Port)
	assert.Equal(t, "user-1", rule.Username)
	assert.Equal(t, "pw", rule.Password)
	assert.Contains(t, rule.Bypass, "localhost")
	assert.Contains(t, rule.Bypass, "10.0.0.0/8")

	// Renewal and health timers are armed for the established connection.
	assert.True(t, h.m.timers.active(timerCredentialRefresh))
	assert.True(t, h.m.timers.active(timerHealthCheck))

	cc := h.m.Current()
	require.NotNil(t, cc)
	assert.True(t, cc.Enabled)
	assert.Equal(t, "us-1", cc.ServerID)
}

func TestConnect_RejectedWhileConnected(t *testing.T) {
	h := newHarness(testConfig())
	require.NoError(t, h.m.Connect(context.Background(), "us-1"))

	err := h.m.Connect(context.Background(), "eu-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot connect")
	assert.Equal(t, 1, h.port.applyCount())
}

func TestConnect_KillSwitchRestrictsBypass(t *testing.T) {
	cfg := testConfig()
	cfg.KillSwitch = true
	cfg.ExtraBypass = []string{"corp.example.com"}
	h := newHarness(cfg)

	require.NoError(t, h.m.Connect(context.Background(), "us-1"))

	rule := h.port.lastRule()
	assert.ElementsMatch(t, []string{"localhost", "127.0.0.0/8", "::1"}, rule.Bypass)
}

func TestConnect_ExtraBypassMerged(t *testing.T) {
	cfg := testConfig()
	cfg.ExtraBypass = []string{"corp.example.com", "localhost"}
	h := newHarness(cfg)

	require.NoError(t, h.m.Connect(context.Background(), "us-1"))

	rule := h.port.lastRule()
	assert.Contains(t, rule.Bypass, "corp.example.com")
	// Duplicates of mandatory entries are not repeated.
	count := 0
	for _, b := range rule.Bypass {
		if b == "localhost" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestConnect_AuthRequiredGivesUpImmediately(t *testing.T) {
	h := newHarness(testConfig())
	h.tokens.tokenErr = auth.ErrAuthRequired

	err := h.m.Connect(context.Background(), "us-1")

	require.Error(t, err)
	assert.True(t, proxyerr.IsKind(err, proxyerr.KindAuthFailed))
	assert.Equal(t, StateDisconnected, h.m.State())
	assert.Equal(t, 1, h.port.clearCount(), "terminal failure must clear host proxy")
}

func TestConnect_UnknownServer(t *testing.T) {
	h := newHarness(testConfig())

	err := h.m.Connect(context.Background(), "nope")

	require.Error(t, err)
	assert.True(t, proxyerr.IsKind(err, proxyerr.KindLogicalError))
	assert.Equal(t, StateDisconnected, h.m.State())
}

func TestDisconnect_Idempotent(t *testing.T) {
	h := newHarness(testConfig())
	require.NoError(t, h.m.Connect(context.Background(), "us-1"))

	require.NoError(t, h.m.Disconnect(context.Background()))
	assert.Equal(t, StateDisconnected, h.m.State())
	assert.Equal(t, 1, h.port.clearCount())

	// Second disconnect is a no-op, not an error.
	require.NoError(t, h.m.Disconnect(context.Background()))
	assert.Equal(t, StateDisconnected, h.m.State())
	assert.Equal(t, 1, h.port.clearCount())

	cc := h.m.Current()
	require.NotNil(t, cc)
	assert.False(t, cc.Enabled)
}

func TestRetry_BoundedBudget(t *testing.T) {
	h := newHarness(testConfig())
	h.port.stickyErr = proxyerr.New(proxyerr.KindServerError, "upstream down")

	err := h.m.Connect(context.Background(), "us-1")
	require.Error(t, err)

	// Initial attempt plus exactly MaxRetryAttempts retries, then give up.
	require.Eventually(t, func() bool {
		return h.m.State() == StateDisconnected
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, 5, h.port.applyCount())
	assert.Equal(t, 4, h.m.Stats().RetryCount)

	perr := h.m.LastError()
	require.NotNil(t, perr)
	assert.Contains(t, perr.Message, "maximum retries")
}

func TestRetry_SucceedsMidSequence(t *testing.T) {
	h := newHarness(testConfig())
	h.port.applyErrs = []error{
		proxyerr.New(proxyerr.KindServerError, "upstream down"),
		proxyerr.New(proxyerr.KindServerError, "upstream down"),
	}

	require.Error(t, h.m.Connect(context.Background(), "us-1"))

	require.Eventually(t, func() bool {
		return h.m.State() == StateConnected
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, h.port.applyCount())

	h.rec.mu.Lock()
	restored := h.rec.restored
	h.rec.mu.Unlock()
	assert.Equal(t, 1, restored, "recovery after retries must emit restored event")
}

func TestDisconnect_CancelsPendingRetry(t *testing.T) {
	h := newHarness(testConfig())
	h.port.stickyErr = proxyerr.New(proxyerr.KindServerError, "upstream down")

	require.Error(t, h.m.Connect(context.Background(), "us-1"))
	require.NoError(t, h.m.Disconnect(context.Background()))

	applied := h.port.applyCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, applied, h.port.applyCount(), "retry after disconnect must be a no-op")
	assert.Equal(t, StateDisconnected, h.m.State())
}

func TestNetworkError_FreeSettleRetry(t *testing.T) {
	h := newHarness(testConfig())
	h.port.applyErrs = []error{
		proxyerr.New(proxyerr.KindNetworkError, "network is unreachable"),
	}

	require.Error(t, h.m.Connect(context.Background(), "us-1"))

	require.Eventually(t, func() bool {
		return h.m.State() == StateConnected
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, h.port.applyCount())
	// The settle retry does not consume the backoff budget.
	h.m.mu.Lock()
	attempts := h.m.retry.attempts
	h.m.mu.Unlock()
	assert.Zero(t, attempts)
}

func TestLogicalError_SubstitutesAlternativeServer(t *testing.T) {
	h := newHarness(testConfig())
	h.dir.servers[0].Online = false

	require.NoError(t, h.m.Connect(context.Background(), "us-1"))

	assert.Equal(t, StateConnected, h.m.State())
	cc := h.m.Current()
	require.NotNil(t, cc)
	assert.Equal(t, "eu-1", cc.ServerID)
	assert.Equal(t, "proxy2.example.com", h.port.lastRule().Host)
}

func TestLogicalError_NoAlternativeGivesUp(t *testing.T) {
	h := newHarness(testConfig())
	h.dir.servers[0].Online = false
	h.dir.servers[1].Online = false

	err := h.m.Connect(context.Background(), "us-1")

	require.Error(t, err)
	assert.Equal(t, StateDisconnected, h.m.State())
	perr := h.m.LastError()
	require.NotNil(t, perr)
	assert.Equal(t, proxyerr.KindLogicalError, perr.Kind)
}

func TestHealthCheck_AuthFailureRefreshesAndReconnects(t *testing.T) {
	h := newHarness(testConfig())
	require.NoError(t, h.m.Connect(context.Background(), "us-1"))
	h.prober.queue = []health.Result{health.ResultAuthFailed}

	h.m.onHealthTimer()

	assert.Equal(t, StateConnected, h.m.State())
	assert.Equal(t, 1, h.tokens.refreshCount(), "exactly one token refresh")
	assert.Equal(t, 2, h.dir.tokenCount(), "fresh proxy credentials obtained")
	assert.Equal(t, 2, h.port.applyCount(), "proxy rule re-applied")
	assert.Equal(t, "user-2", h.port.lastRule().Username)
	assert.Equal(t, 1, h.rec.credsExpiredCount())

	// Recovery resets the retry budget.
	h.m.mu.Lock()
	attempts := h.m.retry.attempts
	h.m.mu.Unlock()
	assert.Zero(t, attempts)
}

func TestHealthCheck_UnreachableTriggersRetry(t *testing.T) {
	h := newHarness(testConfig())
	require.NoError(t, h.m.Connect(context.Background(), "us-1"))
	h.prober.queue = []health.Result{health.ResultServerUnreachable}

	h.m.onHealthTimer()

	require.Eventually(t, func() bool {
		return h.m.State() == StateConnected && h.port.applyCount() == 2
	}, 5*time.Second, 5*time.Millisecond)
}

func TestHealthCheck_HealthyReschedules(t *testing.T) {
	h := newHarness(testConfig())
	require.NoError(t, h.m.Connect(context.Background(), "us-1"))

	h.m.onHealthTimer()

	assert.Equal(t, StateConnected, h.m.State())
	assert.True(t, h.m.timers.active(timerHealthCheck))
	assert.Equal(t, 1, h.m.Stats().TotalChecks)
}

func TestAuthFailureCeiling_ForcesDisconnect(t *testing.T) {
	cfg := testConfig()
	h := newHarness(cfg)
	h.port.stickyErr = &proxyerr.Error{
		Kind:       proxyerr.KindAuthFailed,
		Message:    "407 proxy authentication required",
		HTTPStatus: 407,
	}

	err := h.m.Connect(context.Background(), "us-1")

	require.Error(t, err)
	assert.Equal(t, StateDisconnected, h.m.State())
	// Failures 1 through 9 each trigger a token refresh; the 10th hits the
	// ceiling and gives up without refreshing again.
	assert.Equal(t, cfg.AuthFailureCeiling-1, h.tokens.refreshCount())
	assert.Equal(t, cfg.AuthFailureCeiling, h.port.applyCount())
	assert.GreaterOrEqual(t, h.port.clearCount(), 1)
}

func TestCredentialRenewal_ReappliesInPlace(t *testing.T) {
	h := newHarness(testConfig())
	require.NoError(t, h.m.Connect(context.Background(), "us-1"))

	h.m.onCredentialRefreshTimer()

	assert.Equal(t, StateConnected, h.m.State())
	assert.Equal(t, 2, h.dir.tokenCount())
	require.Equal(t, 2, h.port.applyCount())

	rule := h.port.lastRule()
	assert.Equal(t, "proxy1.example.com", rule.Host, "same server, new credentials")
	assert.Equal(t, "user-2", rule.Username)
	assert.Equal(t, 1, h.m.Stats().CredentialRefreshes)
	assert.True(t, h.m.timers.active(timerCredentialRefresh), "next renewal armed")
}

func TestCredentialRenewal_SkippedWhenDisconnected(t *testing.T) {
	h := newHarness(testConfig())
	require.NoError(t, h.m.Connect(context.Background(), "us-1"))
	require.NoError(t, h.m.Disconnect(context.Background()))

	h.m.onCredentialRefreshTimer()

	assert.Equal(t, 1, h.dir.tokenCount())
	assert.Equal(t, StateDisconnected, h.m.State())
}

func TestConnectTimeout_CancelsEstablishment(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 20 * time.Millisecond
	h := newHarness(cfg)

	blocked := &blockingPort{}
	h.m.port = blocked

	err := h.m.Connect(context.Background(), "us-1")

	require.Error(t, err)
	assert.True(t, proxyerr.IsKind(err, proxyerr.KindServerError))
	assert.Contains(t, err.Error(), "timed out")

	require.NoError(t, h.m.Disconnect(context.Background()))
}

type blockingPort struct {
	mu     sync.Mutex
	clears int
}

func (p *blockingPort) Apply(ctx context.Context, _ proxyconf.Rule) error {
	<-ctx.Done()
	return ctx.Err()
}

func (p *blockingPort) Clear(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clears++
	return nil
}

func TestHandleNetworkChange_WhenConnected(t *testing.T) {
	h := newHarness(testConfig())
	require.NoError(t, h.m.Connect(context.Background(), "us-1"))

	h.m.HandleNetworkChange()

	// Settle retry reconnects without consuming the backoff budget.
	require.Eventually(t, func() bool {
		return h.m.State() == StateConnected && h.port.applyCount() == 2
	}, 5*time.Second, 5*time.Millisecond)
}

func TestHandleNetworkChange_WhenDisconnected(t *testing.T) {
	h := newHarness(testConfig())

	h.m.HandleNetworkChange()

	assert.Equal(t, StateDisconnected, h.m.State())
	assert.Zero(t, h.port.applyCount())
}

func TestStateTransitionEvents(t *testing.T) {
	h := newHarness(testConfig())
	require.NoError(t, h.m.Connect(context.Background(), "us-1"))
	require.NoError(t, h.m.Disconnect(context.Background()))

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	assert.Equal(t, []string{
		"disconnected->connecting",
		"connecting->connected",
		"connected->disconnected",
	}, h.rec.transitions)
}

func TestSanitize_ClearsStaleConfig(t *testing.T) {
	store := newMemStore()
	require.NoError(t, secrets.SaveJSON(store, secrets.KeyProxyConfig, &ConnectionConfig{
		Enabled:  true,
		ServerID: "us-1",
		Host:     "proxy1.example.com",
		Port:     8080,
	}))

	h := newHarness(testConfig())
	port := &fakePort{}
	m := NewManager(testConfig(), Deps{
		Tokens:      h.tokens,
		Directory:   h.dir,
		Credentials: credentials.NewStore(),
		Port:        port,
		Prober:      h.prober,
		Secrets:     store,
	}, Events{})

	require.NoError(t, m.Sanitize(context.Background()))

	assert.Equal(t, 1, port.clears)
	var cc ConnectionConfig
	require.NoError(t, secrets.LoadJSON(store, secrets.KeyProxyConfig, &cc))
	assert.False(t, cc.Enabled)
}

func TestSanitize_NoopWithoutStaleConfig(t *testing.T) {
	h := newHarness(testConfig())
	require.NoError(t, h.m.Sanitize(context.Background()))
	assert.Zero(t, h.port.clearCount())
}

func TestPersistedConfigRoundTrip(t *testing.T) {
	h := newHarness(testConfig())
	require.NoError(t, h.m.Connect(context.Background(), "us-1"))

	var cc ConnectionConfig
	require.NoError(t, secrets.LoadJSON(h.store, secrets.KeyProxyConfig, &cc))
	assert.True(t, cc.Enabled)
	assert.Equal(t, "us-1", cc.ServerID)
	assert.Equal(t, "http", cc.Protocol)
	assert.NotEmpty(t, cc.Username)
}
