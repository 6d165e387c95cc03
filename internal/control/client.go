package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout bounds one control RPC round trip.
const DefaultTimeout = 30 * time.Second

// ErrDaemonNotAvailable is returned when the daemon socket cannot be reached.
var ErrDaemonNotAvailable = errors.New("proxybridge daemon not available")

// Client talks to the daemon's control socket. One goroutine reads the
// stream and dispatches responses to waiting callers and events to the
// registered callback.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader

	// writeMu serializes NDJSON writes to prevent interleaved JSON lines.
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *Response

	cbMu    sync.RWMutex
	onEvent func(event *Event)

	closeChan chan struct{}
	closeOnce sync.Once
}

// Dial connects to the daemon control socket at the given path.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonNotAvailable, err)
	}

	c := &Client{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		pending:   make(map[string]chan *Response),
		closeChan: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// IsDaemonAvailable checks whether the daemon is listening at the given path.
func IsDaemonAvailable(socketPath string) bool {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Close closes the connection to the daemon.
func (c *Client) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		close(c.closeChan)
		closeErr = c.conn.Close()
	})
	return closeErr
}

// OnEvent registers a callback for asynchronous daemon events.
func (c *Client) OnEvent(callback func(event *Event)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onEvent = callback
}

// Connect asks the daemon to establish a proxy connection to the server.
func (c *Client) Connect(ctx context.Context, serverID string) error {
	_, err := c.call(ctx, CommandConnect, ConnectParams{ServerID: serverID})
	return err
}

// Disconnect asks the daemon to tear down the active connection.
func (c *Client) Disconnect(ctx context.Context) error {
	_, err := c.call(ctx, CommandDisconnect, nil)
	return err
}

// Status queries the daemon's connection state and statistics.
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	resp, err := c.call(ctx, CommandStatus, nil)
	if err != nil {
		return nil, err
	}

	var status StatusResult
	if err := json.Unmarshal(resp.Result, &status); err != nil {
		return nil, fmt.Errorf("failed to parse status: %w", err)
	}
	return &status, nil
}

// Servers queries the provider's server catalog through the daemon.
func (c *Client) Servers(ctx context.Context) ([]ServerInfo, error) {
	resp, err := c.call(ctx, CommandServers, nil)
	if err != nil {
		return nil, err
	}

	var result ServersResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse server list: %w", err)
	}
	return result.Servers, nil
}

func (c *Client) call(ctx context.Context, cmd Command, params any) (*Response, error) {
	id := uuid.NewString()

	req, err := NewRequest(id, cmd, params)
	if err != nil {
		return nil, err
	}

	respChan := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	_, writeErr := c.conn.Write(data)
	c.writeMu.Unlock()
	if writeErr != nil {
		return nil, fmt.Errorf("failed to send request: %w", writeErr)
	}

	select {
	case resp := <-respChan:
		if !resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, errors.New("request failed with unknown error")
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closeChan:
		return nil, errors.New("client closed")
	}
}

func (c *Client) readLoop() {
	for {
		select {
		case <-c.closeChan:
			return
		default:
		}

		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				slog.Error("Read error from daemon", "error", err)
			}
			return
		}

		c.handleMessage(line)
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg struct {
		Type MessageType `json:"type"`
		ID   string      `json:"id,omitempty"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("Invalid message from daemon", "error", err)
		return
	}

	switch msg.Type {
	case MessageTypeResponse:
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			slog.Warn("Invalid response from daemon", "error", err)
			return
		}
		c.handleResponse(&resp)

	case MessageTypeEvent:
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			slog.Warn("Invalid event from daemon", "error", err)
			return
		}
		c.cbMu.RLock()
		callback := c.onEvent
		c.cbMu.RUnlock()
		if callback != nil {
			callback(&event)
		}

	default:
		slog.Warn("Unknown message type from daemon", "type", msg.Type)
	}
}

func (c *Client) handleResponse(resp *Response) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	c.pendingMu.Unlock()

	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
}
