package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Server exposes a Handler over a stream socket. Each connection carries a
// sequence of request frames answered in order; connections run concurrently.
type Server struct {
	handler    Handler
	maxRequest uint32
	logger     *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a server. A zero maxRequest uses DefaultMaxRequest.
func NewServer(h Handler, maxRequest uint32, logger *zap.Logger) *Server {
	if maxRequest == 0 {
		maxRequest = DefaultMaxRequest
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		handler:    h,
		maxRequest: maxRequest,
		logger:     logger,
		conns:      make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on the Unix socket at path, replacing a stale
// socket file, and serves until ctx is done
func (s *Server) ListenAndServe(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	// any local user may query the engine
	if err := os.Chmod(path, 0666); err != nil {
		s.logger.Warn("Failed to relax socket permissions", zap.String("socket", path), zap.Error(err))
	}
	defer os.Remove(path)

	return s.Serve(ctx, l)
}

// Serve accepts connections on l until ctx is done or Close is called
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return nil
	}
	s.listener = l
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	s.logger.Info("Control channel listening", zap.String("addr", l.Addr().String()))

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		code, size, err := readRequest(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("Dropping control connection", zap.Error(err))
			}
			return
		}

		if err := s.respond(conn, code, size); err != nil {
			s.logger.Debug("Failed to write control response", zap.Error(err))
			return
		}
	}
}

func (s *Server) respond(w io.Writer, code Code, size uint32) error {
	if size > s.maxRequest {
		return writeResponse(w, StatusInvalidRequest,
			[]byte(fmt.Sprintf("output size %d exceeds %d", size, s.maxRequest)))
	}

	out := make([]byte, size)
	n, err := s.handler.Handle(code, out)
	status := statusOf(err)
	switch status {
	case StatusOK:
		return writeResponse(w, status, out[:n])
	case StatusFailure:
		return writeResponse(w, status, []byte(err.Error()))
	default:
		return writeResponse(w, status, nil)
	}
}

// Close stops accepting and closes every open connection
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	return err
}
