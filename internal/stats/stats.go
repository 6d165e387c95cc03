// Package stats tracks connection statistics for status reporting.
package stats

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time view of the connection statistics.
type Snapshot struct {
	// ServerID is the currently (or last) connected server.
	ServerID string `json:"server_id,omitempty"`
	// ConnectedAt is when the current connection was established.
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	// Uptime is the duration of the current connection, zero if disconnected.
	Uptime time.Duration `json:"uptime"`

	// TotalChecks is the number of health checks performed this connection.
	TotalChecks int `json:"total_checks"`
	// ConsecutiveFails counts health check failures since the last success.
	ConsecutiveFails int `json:"consecutive_fails"`
	// SuccessRate is the percentage of successful health checks (0-100).
	SuccessRate float64 `json:"success_rate"`

	// RetryCount is the number of reconnect attempts this connection.
	RetryCount int `json:"retry_count"`
	// CredentialRefreshes counts completed scheduled credential renewals.
	CredentialRefreshes int `json:"credential_refreshes"`

	// LastError is the most recent failure message, empty when healthy.
	LastError string `json:"last_error,omitempty"`
}

// Tracker accumulates connection statistics. Safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	serverID    string
	connectedAt time.Time
	connected   bool

	totalChecks      int
	successChecks    int
	consecutiveFails int

	retryCount          int
	credentialRefreshes int

	lastError string

	now func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// MarkConnected records a successful connection to the given server and
// resets per-connection counters.
func (t *Tracker) MarkConnected(serverID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.serverID = serverID
	t.connectedAt = t.now()
	t.connected = true
	t.totalChecks = 0
	t.successChecks = 0
	t.consecutiveFails = 0
	t.retryCount = 0
	t.credentialRefreshes = 0
	t.lastError = ""
}

// MarkDisconnected records the end of the connection.
func (t *Tracker) MarkDisconnected() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
}

// RecordCheck records a health check outcome.
func (t *Tracker) RecordCheck(ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.totalChecks++
	if ok {
		t.successChecks++
		t.consecutiveFails = 0
		t.lastError = ""
	} else {
		t.consecutiveFails++
	}
}

// RecordRetry records a reconnect attempt.
func (t *Tracker) RecordRetry() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retryCount++
}

// RecordCredentialRefresh records a completed scheduled credential renewal.
func (t *Tracker) RecordCredentialRefresh() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.credentialRefreshes++
}

// RecordError records the most recent failure message.
func (t *Tracker) RecordError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastError = msg
}

// Snapshot returns a copy of the current statistics.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{
		ServerID:            t.serverID,
		TotalChecks:         t.totalChecks,
		ConsecutiveFails:    t.consecutiveFails,
		RetryCount:          t.retryCount,
		CredentialRefreshes: t.credentialRefreshes,
		LastError:           t.lastError,
	}
	if t.connected {
		s.ConnectedAt = t.connectedAt
		s.Uptime = t.now().Sub(t.connectedAt)
	}
	if t.totalChecks > 0 {
		s.SuccessRate = float64(t.successChecks) / float64(t.totalChecks) * 100
	}
	return s
}
