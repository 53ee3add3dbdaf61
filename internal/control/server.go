package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
)

const maxRequestBytes = 64 << 10

// Server serves the control protocol on a Unix socket.
type Server struct {
	socketPath string
	handler    *Handler
	listener   net.Listener

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
	stopped bool
}

// NewServer creates a server for socketPath.
func NewServer(socketPath string, handler *Handler) *Server {
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start binds the socket (mode 0600) and accepts connections in the
// background until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}
	listener, err := (&net.ListenConfig{}).Listen(ctx, "unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}
	s.listener = listener

	slog.Info("control server started", "socket", s.socketPath)

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return
			}
			slog.Error("failed to accept connection", "error", err)
			continue
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxRequestBytes)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		var (
			req  Request
			resp Response
		)
		switch err := json.Unmarshal(scanner.Bytes(), &req); {
		case err != nil:
			resp = Response{JSONRPC: "2.0", Error: &ErrorInfo{
				Code:    ErrCodeParseError,
				Message: fmt.Sprintf("parse error: %v", err),
			}}
		case req.JSONRPC != "2.0" || req.Method == "":
			resp = Response{JSONRPC: "2.0", ID: req.ID, Error: &ErrorInfo{
				Code:    ErrCodeInvalidRequest,
				Message: "invalid request",
			}}
		default:
			resp = s.handler.Handle(ctx, req)
		}

		if err := encoder.Encode(resp); err != nil {
			slog.Error("failed to send response", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Debug("control connection error", "error", err)
	}
}

// Stop closes the listener and every open connection, then removes the
// socket file. It is safe to call more than once.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	os.RemoveAll(s.socketPath)

	slog.Info("control server stopped")
	return nil
}
