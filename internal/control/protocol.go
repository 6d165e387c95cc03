// Package control implements the daemon's local control interface: a
// newline-delimited JSON protocol over a UNIX socket. Each message is one
// JSON object terminated by a newline. Clients send requests and receive a
// correlated response; the server additionally broadcasts events to every
// connected client.
package control

import (
	"encoding/json"
	"time"
)

// MessageType identifies the type of message.
type MessageType string

const (
	// MessageTypeRequest is sent from client to server.
	MessageTypeRequest MessageType = "request"
	// MessageTypeResponse is sent from server to client in reply to a request.
	MessageTypeResponse MessageType = "response"
	// MessageTypeEvent is broadcast from server to all connected clients.
	MessageTypeEvent MessageType = "event"
)

// Command identifies the operation to perform.
type Command string

const (
	// CommandConnect establishes a proxy connection to a server.
	CommandConnect Command = "connect"
	// CommandDisconnect tears down the active proxy connection.
	CommandDisconnect Command = "disconnect"
	// CommandStatus queries the current connection state and statistics.
	CommandStatus Command = "status"
	// CommandServers lists the provider's server catalog.
	CommandServers Command = "servers"
)

// EventName identifies the type of event.
type EventName string

const (
	// EventStateChange indicates a connection state transition.
	EventStateChange EventName = "state_change"
	// EventConnectionLost indicates a connection failure was detected.
	EventConnectionLost EventName = "connection_lost"
	// EventCredentialsExpired indicates the proxy rejected the credentials.
	EventCredentialsExpired EventName = "credentials_expired"
	// EventConnectionRestored indicates recovery after a failure.
	EventConnectionRestored EventName = "connection_restored"
)

// Error codes for protocol responses.
const (
	// ErrCodeInvalidRequest indicates the request was malformed.
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	// ErrCodeInvalidCommand indicates an unknown command was sent.
	ErrCodeInvalidCommand = "INVALID_COMMAND"
	// ErrCodeInvalidParams indicates the command parameters were invalid.
	ErrCodeInvalidParams = "INVALID_PARAMS"
	// ErrCodeConnectFailed indicates the proxy connection failed.
	ErrCodeConnectFailed = "CONNECT_FAILED"
	// ErrCodeDisconnectFailed indicates the teardown failed.
	ErrCodeDisconnectFailed = "DISCONNECT_FAILED"
	// ErrCodeInternalError indicates an unexpected internal error.
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// Request represents a command sent from client to server.
type Request struct {
	// ID is a unique identifier for correlating responses.
	ID string `json:"id"`
	// Type is always "request".
	Type MessageType `json:"type"`
	// Command is the operation to perform.
	Command Command `json:"command"`
	// Params contains command-specific parameters.
	Params json.RawMessage `json:"params,omitempty"`
}

// Response represents a reply from server to client.
type Response struct {
	// ID matches the request ID.
	ID string `json:"id"`
	// Type is always "response".
	Type MessageType `json:"type"`
	// Success indicates whether the command succeeded.
	Success bool `json:"success"`
	// Result contains command-specific result data (if Success is true).
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details (if Success is false).
	Error *ErrorInfo `json:"error,omitempty"`
}

// Event represents an asynchronous notification from server to clients.
type Event struct {
	// Type is always "event".
	Type MessageType `json:"type"`
	// Name identifies the event type.
	Name EventName `json:"name"`
	// Data contains event-specific information.
	Data json.RawMessage `json:"data,omitempty"`
}

// ErrorInfo contains details about an error.
type ErrorInfo struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`
	// Message is a human-readable error description.
	Message string `json:"message"`
}

// ConnectParams contains parameters for the connect command.
type ConnectParams struct {
	// ServerID is the catalog ID of the server to connect to.
	ServerID string `json:"server_id"`
}

// StatusResult contains the result of a status query.
type StatusResult struct {
	// State is the current connection state.
	State string `json:"state"`
	// ServerID is the active (or last) server, empty if never connected.
	ServerID string `json:"server_id,omitempty"`
	// ProxyHost and ProxyPort describe the applied proxy rule.
	ProxyHost string `json:"proxy_host,omitempty"`
	ProxyPort int    `json:"proxy_port,omitempty"`

	// Uptime is the duration of the current connection.
	Uptime time.Duration `json:"uptime"`
	// TotalChecks is the number of health checks this connection.
	TotalChecks int `json:"total_checks"`
	// SuccessRate is the percentage of successful health checks.
	SuccessRate float64 `json:"success_rate"`
	// RetryCount is the number of reconnect attempts this connection.
	RetryCount int `json:"retry_count"`
	// CredentialRefreshes counts completed credential renewals.
	CredentialRefreshes int `json:"credential_refreshes"`

	// LastError is the most recent failure message, empty when healthy.
	LastError string `json:"last_error,omitempty"`
}

// ServerInfo is one catalog entry in a servers result.
type ServerInfo struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Country  string   `json:"country"`
	Features []string `json:"features,omitempty"`
	Online   bool     `json:"online"`
}

// ServersResult contains the result of a servers query.
type ServersResult struct {
	Servers []ServerInfo `json:"servers"`
}

// StateChangeData contains data for state_change events.
type StateChangeData struct {
	// From is the previous state.
	From string `json:"from"`
	// To is the new state.
	To string `json:"to"`
}

// ConnectionLostData contains data for connection_lost events.
type ConnectionLostData struct {
	// Kind is the classified failure category.
	Kind string `json:"kind"`
	// Message is the failure description.
	Message string `json:"message"`
	// Retryable indicates whether automatic recovery is being attempted.
	Retryable bool `json:"retryable"`
}

// NewRequest creates a new request with the given command and parameters.
func NewRequest(id string, cmd Command, params any) (*Request, error) {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, err
		}
	}
	return &Request{
		ID:      id,
		Type:    MessageTypeRequest,
		Command: cmd,
		Params:  paramsJSON,
	}, nil
}

// NewSuccessResponse creates a successful response.
func NewSuccessResponse(id string, result any) (*Response, error) {
	var resultJSON json.RawMessage
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return nil, err
		}
	}
	return &Response{
		ID:      id,
		Type:    MessageTypeResponse,
		Success: true,
		Result:  resultJSON,
	}, nil
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id, code, message string) *Response {
	return &Response{
		ID:      id,
		Type:    MessageTypeResponse,
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
		},
	}
}

// NewEvent creates a new event with the given name and data.
func NewEvent(name EventName, data any) (*Event, error) {
	var dataJSON json.RawMessage
	if data != nil {
		var err error
		dataJSON, err = json.Marshal(data)
		if err != nil {
			return nil, err
		}
	}
	return &Event{
		Type: MessageTypeEvent,
		Name: name,
		Data: dataJSON,
	}, nil
}
