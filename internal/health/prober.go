// Package health verifies that a configured proxy path is reachable and
// authenticating correctly by probing known-good endpoints through it.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/luminavpn/proxybridge/internal/proxyconf"
)

// Result is the aggregate outcome of one probe cycle.
type Result string

const (
	// ResultHealthy indicates the proxy path is working.
	ResultHealthy Result = "healthy"
	// ResultAuthFailed indicates the proxy rejected our credentials.
	ResultAuthFailed Result = "auth_failed"
	// ResultServerUnreachable indicates a majority of probes failed.
	ResultServerUnreachable Result = "server_unreachable"
)

// DefaultEndpoints are independent, known-good probe targets. Using several
// guards against one endpoint's outage being misdiagnosed as proxy failure.
var DefaultEndpoints = []string{
	"https://www.gstatic.com/generate_204",
	"https://connectivitycheck.gstatic.com/generate_204",
	"https://www.cloudflare.com/cdn-cgi/trace",
}

// DefaultTimeout bounds each individual probe request.
const DefaultTimeout = 8 * time.Second

// Prober issues parallel probe requests through a configured proxy.
// It holds no persistent state and never self-schedules; the lifecycle
// manager invokes it on a timer.
type Prober struct {
	endpoints []string
	timeout   time.Duration

	// newTransport builds the per-probe transport. Overridable in tests to
	// bypass the proxy and hit local endpoints directly.
	newTransport func(rule proxyconf.Rule) (http.RoundTripper, error)
}

// Option configures a Prober.
type Option func(*Prober)

// WithEndpoints overrides the probe targets.
func WithEndpoints(endpoints []string) Option {
	return func(p *Prober) { p.endpoints = endpoints }
}

// WithTimeout overrides the per-probe timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Prober) { p.timeout = d }
}

// WithTransportFactory overrides how the probe transport is built.
func WithTransportFactory(f func(rule proxyconf.Rule) (http.RoundTripper, error)) Option {
	return func(p *Prober) { p.newTransport = f }
}

// NewProber creates a prober with default endpoints and timeout.
func NewProber(opts ...Option) *Prober {
	p := &Prober{
		endpoints:    DefaultEndpoints,
		timeout:      DefaultTimeout,
		newTransport: proxyTransport,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// proxyTransport builds a transport routing through the rule's proxy with
// basic-auth credentials embedded in the proxy URL.
func proxyTransport(rule proxyconf.Rule) (http.RoundTripper, error) {
	proxyURL := &url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("%s:%d", rule.Host, rule.Port),
	}
	if rule.Username != "" {
		proxyURL.User = url.UserPassword(rule.Username, rule.Password)
	}
	return &http.Transport{
		Proxy:             http.ProxyURL(proxyURL),
		DisableKeepAlives: true,
	}, nil
}

// Probe runs one probe cycle through the configured proxy and classifies
// the aggregate result:
//   - any probe answered 401/407 -> ResultAuthFailed
//   - fewer than 2 successes -> ResultServerUnreachable
//   - otherwise -> ResultHealthy
//
// Requiring a majority is a deliberate tie-break, not "first success".
func (p *Prober) Probe(ctx context.Context, rule proxyconf.Rule) Result {
	transport, err := p.newTransport(rule)
	if err != nil {
		slog.Warn("Failed to build probe transport", "error", err)
		return ResultServerUnreachable
	}
	client := &http.Client{Transport: transport, Timeout: p.timeout}

	type outcome struct {
		ok         bool
		authDenied bool
	}
	outcomes := make([]outcome, len(p.endpoints))

	var g errgroup.Group
	for i, endpoint := range p.endpoints {
		i, endpoint := i, endpoint
		g.Go(func() error {
			ok, authDenied := p.probeOne(ctx, client, endpoint)
			outcomes[i] = outcome{ok: ok, authDenied: authDenied}
			return nil
		})
	}
	_ = g.Wait()

	successes := 0
	for _, o := range outcomes {
		if o.authDenied {
			return ResultAuthFailed
		}
		if o.ok {
			successes++
		}
	}

	if successes < 2 {
		slog.Debug("Probe majority failed", "successes", successes, "endpoints", len(p.endpoints))
		return ResultServerUnreachable
	}
	return ResultHealthy
}

func (p *Prober) probeOne(ctx context.Context, client *http.Client, endpoint string) (ok, authDenied bool) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, false
	}

	resp, err := client.Do(req)
	if err != nil {
		slog.Debug("Probe failed", "endpoint", endpoint, "error", err)
		return false, false
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusProxyAuthRequired:
		return false, true
	case resp.StatusCode < 400:
		return true, false
	default:
		return false, false
	}
}
