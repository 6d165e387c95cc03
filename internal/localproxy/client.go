// Package localproxy implements the proxy configuration port against the
// admin API of a local forwarding proxy. The forwarding proxy is an external
// collaborator exposing /proxy/configure, /proxy/clear and /status.
package localproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/luminavpn/proxybridge/internal/proxyconf"
	"github.com/luminavpn/proxybridge/internal/proxyerr"
)

// configureRequest is the wire payload for /proxy/configure.
type configureRequest struct {
	// ProxyServer uses the rule string format "http=<host>:<port>;https=<host>:<port>".
	ProxyServer string `json:"proxy_server"`
	// BypassList is the comma-joined bypass string.
	BypassList string `json:"bypass_list"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
}

// Status is the forwarding proxy's self-reported state.
type Status struct {
	Running     bool   `json:"running"`
	Configured  bool   `json:"configured"`
	ProxyServer string `json:"proxy_server,omitempty"`
	ActiveConns int    `json:"active_connections"`
}

// Client talks to the local forwarding proxy's admin endpoint.
// It implements proxyconf.Port.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ proxyconf.Port = (*Client)(nil)

// New creates a client for the forwarding proxy admin API.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// NewWith creates a client with a custom http.Client.
func NewWith(baseURL string, hc *http.Client) *Client {
	return &Client{baseURL: baseURL, http: hc}
}

// Apply pushes the proxy rule to the forwarding proxy.
func (c *Client) Apply(ctx context.Context, rule proxyconf.Rule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("invalid proxy rule: %w", err)
	}

	payload := configureRequest{
		ProxyServer: rule.ServerString(),
		BypassList:  proxyconf.FormatBypass(rule.Bypass),
		Username:    rule.Username,
		Password:    rule.Password,
	}
	if err := c.post(ctx, "/proxy/configure", payload); err != nil {
		return fmt.Errorf("apply proxy configuration: %w", err)
	}
	return nil
}

// Clear removes any configured proxy rule. Clearing an unconfigured proxy
// is a no-op success.
func (c *Client) Clear(ctx context.Context) error {
	if err := c.post(ctx, "/proxy/clear", nil); err != nil {
		return fmt.Errorf("clear proxy configuration: %w", err)
	}
	return nil
}

// GetStatus fetches the forwarding proxy's current state.
func (c *Client) GetStatus(ctx context.Context) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query proxy status: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, proxyerr.FromHTTPStatus(resp.StatusCode, "proxy status query failed")
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode proxy status: %w", err)
	}
	return &status, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return proxyerr.FromHTTPStatus(resp.StatusCode,
			fmt.Sprintf("proxy admin %s: %s", path, string(msg)))
	}
	return nil
}
