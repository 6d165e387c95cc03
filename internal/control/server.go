package control

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
)

// RequestHandler is called for each incoming request.
// It should return a response to send back to the client.
type RequestHandler func(req *Request) *Response

// Server manages client connections over a UNIX socket. The socket is owned
// by the invoking user with mode 0600; the daemon runs unprivileged, so no
// group handoff is needed.
type Server struct {
	socketPath string
	listener   net.Listener
	handler    RequestHandler

	mu       sync.RWMutex
	clients  map[*clientConn]struct{}
	running  bool
	starting bool // guards against double Start
}

// NewServer creates a new server instance.
// Panics if handler is nil to prevent runtime panic when processing requests.
func NewServer(socketPath string, handler RequestHandler) *Server {
	if handler == nil {
		panic("control: NewServer called with nil handler")
	}
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		clients:    make(map[*clientConn]struct{}),
	}
}

// Start begins listening for connections.
// Returns an error if the server is already running or starting.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running || s.starting {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.starting = true
	s.mu.Unlock()

	clearStarting := func() {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		clearStarting()
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	// Remove a stale socket from a previous run.
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		clearStarting()
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		clearStarting()
		return fmt.Errorf("failed to listen on socket: %w", err)
	}

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		if closeErr := listener.Close(); closeErr != nil {
			slog.Error("Failed to close listener after chmod error", "error", closeErr)
		}
		clearStarting()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.running = true
	s.starting = false
	s.mu.Unlock()

	slog.Info("Control server started", "socket", s.socketPath)

	go s.acceptLoop()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	listener := s.listener

	clients := make([]*clientConn, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	if listener != nil {
		if err := listener.Close(); err != nil {
			slog.Error("Failed to close listener", "error", err)
		}
	}

	// Close client connections outside the lock to prevent deadlock.
	for _, c := range clients {
		if err := c.close(); err != nil {
			slog.Warn("Failed to close client connection", "error", err)
		}
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove socket file", "path", s.socketPath, "error", err)
	}

	slog.Info("Control server stopped")
	return nil
}

// Broadcast sends an event to all connected clients.
// Clients are snapshotted before sending to avoid holding the lock during I/O.
func (s *Server) Broadcast(event *Event) {
	s.mu.RLock()
	clients := make([]*clientConn, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		if err := c.sendJSON(event); err != nil {
			slog.Warn("Failed to send event to client", "error", err)
		}
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.RLock()
			running := s.running
			s.mu.RUnlock()
			if !running {
				return
			}
			slog.Error("Accept error", "error", err)
			continue
		}

		c := &clientConn{conn: conn}
		s.addClient(c)
		go s.handleClient(c)
	}
}

func (s *Server) addClient(c *clientConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
	slog.Debug("Control client connected", "clients", len(s.clients))
}

func (s *Server) removeClient(c *clientConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
	slog.Debug("Control client disconnected", "clients", len(s.clients))
}

func (s *Server) handleClient(c *clientConn) {
	defer func() {
		if err := c.close(); err != nil {
			slog.Debug("Failed to close client connection", "error", err)
		}
		s.removeClient(c)
	}()

	reader := bufio.NewReader(c.conn)

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				slog.Error("Control read error", "error", err)
			}
			return
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			slog.Warn("Invalid control request", "error", err)
			resp := NewErrorResponse("", ErrCodeInvalidRequest, "invalid JSON")
			if err := c.sendJSON(resp); err != nil {
				slog.Warn("Failed to send error response", "error", err)
			}
			continue
		}

		resp := s.handler(&req)
		if err := c.sendJSON(resp); err != nil {
			slog.Error("Failed to send response", "error", err)
			return
		}
	}
}

// clientConn is one accepted connection. Writes are serialized so broadcast
// events never interleave with responses mid-line.
type clientConn struct {
	conn net.Conn
	mu   sync.Mutex
}

func (c *clientConn) sendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	_, err = c.conn.Write(data)
	return err
}

func (c *clientConn) close() error {
	return c.conn.Close()
}
