// Package directory talks to the VPN provider's server directory API:
// the server catalog, per-server status, and the exchange of an access
// token for short-lived proxy credentials.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/luminavpn/proxybridge/internal/proxyerr"
)

// Server describes a logical VPN endpoint in the provider's catalog.
// Online reflects the provider-reported operational status, independent of
// raw network reachability.
type Server struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Country  string   `json:"country"`
	Features []string `json:"features"`
	Online   bool     `json:"online"`
}

// HasFeatures reports whether the server offers every feature in want.
func (s *Server) HasFeatures(want []string) bool {
	have := make(map[string]struct{}, len(s.Features))
	for _, f := range s.Features {
		have[f] = struct{}{}
	}
	for _, f := range want {
		if _, ok := have[f]; !ok {
			return false
		}
	}
	return true
}

// ProxyToken is a short-lived proxy credential pair.
type ProxyToken struct {
	Username  string
	Password  string
	ExpiresIn int // seconds
}

// Client defines the directory operations the lifecycle manager depends on.
type Client interface {
	// GetServers fetches the server catalog.
	GetServers(ctx context.Context) ([]Server, error)
	// CheckServerStatus reports whether the given server is operational.
	CheckServerStatus(ctx context.Context, serverID string) (bool, error)
	// GetProxyToken exchanges an access token for proxy credentials with
	// the requested lifetime.
	GetProxyToken(ctx context.Context, accessToken string, durationSeconds int) (*ProxyToken, error)
}

// proxyTokenCodeOK is the provider's in-band success code. Any other code is
// a failure regardless of HTTP status.
const proxyTokenCodeOK = 1000

// proxyTokenResponse mirrors the provider's credential exchange payload.
type proxyTokenResponse struct {
	Code     int    `json:"Code"`
	Username string `json:"Username"`
	Password string `json:"Password"`
	Expire   int    `json:"Expire"`
}

type statusResponse struct {
	Online bool `json:"online"`
}

// HTTPClient implements Client against the provider's REST API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient creates a directory client for the given base URL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// NewHTTPClientWith creates a directory client with a custom http.Client.
func NewHTTPClientWith(baseURL string, hc *http.Client) *HTTPClient {
	return &HTTPClient{baseURL: baseURL, http: hc}
}

// GetServers fetches the server catalog.
func (c *HTTPClient) GetServers(ctx context.Context) ([]Server, error) {
	var servers []Server
	if err := c.getJSON(ctx, "/v1/servers", "", &servers); err != nil {
		return nil, fmt.Errorf("fetch server catalog: %w", err)
	}
	return servers, nil
}

// CheckServerStatus reports the provider's operational status for a server.
func (c *HTTPClient) CheckServerStatus(ctx context.Context, serverID string) (bool, error) {
	var status statusResponse
	path := "/v1/servers/" + url.PathEscape(serverID) + "/status"
	if err := c.getJSON(ctx, path, "", &status); err != nil {
		return false, fmt.Errorf("check server status: %w", err)
	}
	return status.Online, nil
}

// GetProxyToken exchanges an access token for proxy credentials.
func (c *HTTPClient) GetProxyToken(ctx context.Context, accessToken string, durationSeconds int) (*ProxyToken, error) {
	path := "/v1/proxy/token?Duration=" + strconv.Itoa(durationSeconds)

	var resp proxyTokenResponse
	if err := c.getJSON(ctx, path, accessToken, &resp); err != nil {
		return nil, fmt.Errorf("proxy credential exchange: %w", err)
	}

	if resp.Code != proxyTokenCodeOK {
		return nil, proxyerr.Newf(proxyerr.KindCredentialError,
			"credential exchange denied (code %d)", resp.Code)
	}
	if resp.Username == "" || resp.Password == "" || resp.Expire <= 0 {
		return nil, proxyerr.New(proxyerr.KindCredentialError,
			"credential exchange returned malformed payload")
	}

	return &ProxyToken{
		Username:  resp.Username,
		Password:  resp.Password,
		ExpiresIn: resp.Expire,
	}, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path, bearer string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return proxyerr.FromHTTPStatus(resp.StatusCode,
			fmt.Sprintf("directory %s: %s", path, string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
