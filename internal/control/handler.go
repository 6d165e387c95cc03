package control

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/luminavpn/proxybridge/internal/bridge"
	"github.com/luminavpn/proxybridge/internal/directory"
	"github.com/luminavpn/proxybridge/internal/proxyerr"
	"github.com/luminavpn/proxybridge/internal/stats"
)

// BridgeController is the slice of the lifecycle manager the control
// interface needs. Satisfied by bridge.Manager.
type BridgeController interface {
	Connect(ctx context.Context, serverID string) error
	Disconnect(ctx context.Context) error
	State() bridge.ConnectionState
	Current() *bridge.ConnectionConfig
	Stats() stats.Snapshot
	LastError() *proxyerr.Error
}

// Handler translates control requests into lifecycle manager calls.
type Handler struct {
	mu     sync.RWMutex
	bridge BridgeController
	dir    directory.Client
}

// NewHandler creates a handler. The bridge may be installed later with
// SetBridge, since the manager's event callbacks need the server first.
func NewHandler(b BridgeController, dir directory.Client) *Handler {
	return &Handler{bridge: b, dir: dir}
}

// SetBridge installs the lifecycle manager.
func (h *Handler) SetBridge(b BridgeController) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bridge = b
}

func (h *Handler) controller() BridgeController {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.bridge
}

// Handle processes one control request.
func (h *Handler) Handle(req *Request) *Response {
	b := h.controller()
	if b == nil {
		return NewErrorResponse(req.ID, ErrCodeInternalError, "daemon not ready")
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	switch req.Command {
	case CommandConnect:
		var params ConnectParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return NewErrorResponse(req.ID, ErrCodeInvalidParams, "invalid connect parameters")
		}
		if params.ServerID == "" {
			return NewErrorResponse(req.ID, ErrCodeInvalidParams, "server_id is required")
		}
		if err := b.Connect(ctx, params.ServerID); err != nil {
			return NewErrorResponse(req.ID, ErrCodeConnectFailed, err.Error())
		}
		return h.successResponse(req.ID, nil)

	case CommandDisconnect:
		if err := b.Disconnect(ctx); err != nil {
			return NewErrorResponse(req.ID, ErrCodeDisconnectFailed, err.Error())
		}
		return h.successResponse(req.ID, nil)

	case CommandStatus:
		return h.successResponse(req.ID, h.buildStatus(b))

	case CommandServers:
		servers, err := h.dir.GetServers(ctx)
		if err != nil {
			return NewErrorResponse(req.ID, ErrCodeInternalError, err.Error())
		}
		result := ServersResult{Servers: make([]ServerInfo, 0, len(servers))}
		for _, s := range servers {
			result.Servers = append(result.Servers, ServerInfo{
				ID:       s.ID,
				Name:     s.Name,
				Country:  s.Country,
				Features: s.Features,
				Online:   s.Online,
			})
		}
		return h.successResponse(req.ID, result)

	default:
		return NewErrorResponse(req.ID, ErrCodeInvalidCommand, "unknown command: "+string(req.Command))
	}
}

func (h *Handler) buildStatus(b BridgeController) *StatusResult {
	snap := b.Stats()
	status := &StatusResult{
		State:               string(b.State()),
		Uptime:              snap.Uptime,
		TotalChecks:         snap.TotalChecks,
		SuccessRate:         snap.SuccessRate,
		RetryCount:          snap.RetryCount,
		CredentialRefreshes: snap.CredentialRefreshes,
		LastError:           snap.LastError,
	}
	if cc := b.Current(); cc != nil {
		status.ServerID = cc.ServerID
		if cc.Enabled {
			status.ProxyHost = cc.Host
			status.ProxyPort = cc.Port
		}
	}
	return status
}

func (h *Handler) successResponse(id string, result any) *Response {
	resp, err := NewSuccessResponse(id, result)
	if err != nil {
		return NewErrorResponse(id, ErrCodeInternalError, err.Error())
	}
	return resp
}

// BroadcastEvents returns lifecycle callbacks that fan every manager event
// out to all connected control clients.
func BroadcastEvents(srv *Server) bridge.Events {
	return bridge.Events{
		OnStateChange: func(old, new bridge.ConnectionState) {
			broadcast(srv, EventStateChange, StateChangeData{
				From: string(old),
				To:   string(new),
			})
		},
		OnConnectionLost: func(perr *proxyerr.Error) {
			broadcast(srv, EventConnectionLost, ConnectionLostData{
				Kind:      string(perr.Kind),
				Message:   perr.Message,
				Retryable: perr.Retryable,
			})
		},
		OnCredentialsExpired: func() {
			broadcast(srv, EventCredentialsExpired, nil)
		},
		OnConnectionRestored: func() {
			broadcast(srv, EventConnectionRestored, nil)
		},
	}
}

func broadcast(srv *Server, name EventName, data any) {
	event, err := NewEvent(name, data)
	if err != nil {
		return
	}
	srv.Broadcast(event)
}
