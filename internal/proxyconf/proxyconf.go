// Package proxyconf defines the proxy configuration port: the capability to
// apply or clear host-level proxy rules, plus the wire formats and the
// mandatory bypass-list handling shared by all implementations.
package proxyconf

import (
	"context"
	"fmt"
	"strings"
)

// Rule is a host-level proxy rule set.
type Rule struct {
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	Bypass   []string `json:"bypass"`
}

// Port is the external collaborator that makes a Rule true at the host
// level. The lifecycle manager is the only caller.
type Port interface {
	// Apply sets the host proxy rules.
	Apply(ctx context.Context, rule Rule) error
	// Clear removes any host proxy rules. Must be idempotent.
	Clear(ctx context.Context) error
}

// mandatoryBypass is always unioned into the bypass list. Local and
// private-network traffic must never be routed through the proxy.
var mandatoryBypass = []string{
	"localhost",
	"127.0.0.0/8",
	"::1",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
}

// loopbackBypass is the kill-switch variant: loopback only, so proxy failure
// blocks traffic instead of leaking it onto the direct route.
var loopbackBypass = []string{
	"localhost",
	"127.0.0.0/8",
	"::1",
}

// MergeBypass unions caller-supplied entries with the mandatory bypass set.
// The mandatory entries cannot be overridden or removed. With killSwitch
// enabled the result is restricted to loopback only and extra entries are
// ignored.
func MergeBypass(extra []string, killSwitch bool) []string {
	if killSwitch {
		return append([]string(nil), loopbackBypass...)
	}

	merged := append([]string(nil), mandatoryBypass...)
	seen := make(map[string]struct{}, len(merged))
	for _, e := range merged {
		seen[e] = struct{}{}
	}
	for _, e := range extra {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		merged = append(merged, e)
	}
	return merged
}

// ServerString renders the rule in the host proxy subsystem's wire format:
// "http=<host>:<port>;https=<host>:<port>".
func (r Rule) ServerString() string {
	hp := fmt.Sprintf("%s:%d", r.Host, r.Port)
	return fmt.Sprintf("http=%s;https=%s", hp, hp)
}

// FormatBypass renders a bypass list as the comma-joined wire string.
func FormatBypass(list []string) string {
	return strings.Join(list, ",")
}

// Validate checks that the rule targets a usable endpoint.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("proxy host is required")
	}
	if r.Port < 1 || r.Port > 65535 {
		return fmt.Errorf("proxy port must be between 1 and 65535, got %d", r.Port)
	}
	return nil
}
