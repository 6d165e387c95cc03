// Package proxyerr defines the typed error taxonomy for proxy connection
// failures and the single classification function applied at I/O boundaries.
package proxyerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind identifies a failure category with its own recovery strategy.
type Kind string

const (
	// KindAuthFailed indicates the proxy or provider rejected our credentials.
	KindAuthFailed Kind = "auth_failed"
	// KindNetworkError indicates the local network path is unavailable.
	KindNetworkError Kind = "network_error"
	// KindServerError indicates the proxy endpoint is failing or timing out.
	KindServerError Kind = "server_error"
	// KindLogicalError indicates the selected server is reported non-operational.
	KindLogicalError Kind = "logical_error"
	// KindCredentialError indicates the proxy credential exchange was
	// malformed or denied.
	KindCredentialError Kind = "credential_error"
)

// Error is the classified proxy failure carried through the lifecycle manager.
type Error struct {
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status,omitempty"`
	Retryable  bool   `json:"retryable"`
}

func (e *Error) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Kind, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New creates a classified error with the retryability default for its kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: defaultRetryable(kind)}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

func defaultRetryable(kind Kind) bool {
	switch kind {
	case KindNetworkError, KindServerError, KindCredentialError:
		return true
	default:
		return false
	}
}

// FromHTTPStatus classifies a non-success HTTP status code.
func FromHTTPStatus(status int, message string) *Error {
	var e *Error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusProxyAuthRequired:
		e = New(KindAuthFailed, message)
	case status == http.StatusGatewayTimeout || status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable:
		e = New(KindServerError, message)
	case status >= 500:
		e = New(KindServerError, message)
	default:
		e = New(KindServerError, message)
		e.Retryable = false
	}
	e.HTTPStatus = status
	return e
}

// Classify maps a raw failure into exactly one Kind. Already-classified
// errors pass through unchanged. This is the only place allowed to inspect
// error message text; everything downstream switches on Kind.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(KindServerError, "operation timed out")
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Newf(KindNetworkError, "DNS lookup failed: %s", dnsErr.Name)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return New(KindServerError, "network operation timed out")
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Newf(KindNetworkError, "network error: %v", opErr)
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "407"):
		return New(KindAuthFailed, msg)
	case strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "network is unreachable"):
		return New(KindNetworkError, msg)
	default:
		return New(KindServerError, msg)
	}
}

// IsKind reports whether err is a classified error of the given kind.
func IsKind(err error, kind Kind) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.Kind == kind
}

// UserMessage returns a human-readable description suitable for the UI.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindAuthFailed:
		return "Authentication required. Please sign in again."
	case KindNetworkError:
		return "Network unreachable. Check your internet connection."
	case KindServerError:
		return "VPN server unavailable."
	case KindLogicalError:
		return "The selected server is offline."
	case KindCredentialError:
		return "Could not obtain proxy credentials."
	default:
		return e.Message
	}
}
