// Package runtimeserver serves the application chain on an ephemeral port.
package runtimeserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// DefaultListenAddr asks the OS for an ephemeral loopback port.
const DefaultListenAddr = "127.0.0.1:0"

// Config configures a runtime server.
type Config struct {
	ListenAddr string
	Handler    http.Handler
	Logger     *log.Logger
	// CanonicalisePaths rejects traversal and malformed paths before they
	// reach Handler.
	CanonicalisePaths bool
}

// Server serves one application on a loopback port.
type Server struct {
	logger     *log.Logger
	httpServer *http.Server

	mu      sync.Mutex
	started bool
	addr    string
	port    int
}

// NewServer creates a server. Call Start to begin listening.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Handler == nil {
		return nil, errors.New("runtime server requires a handler")
	}
	addr := cfg.ListenAddr
	if addr == "" {
		addr = DefaultListenAddr
	}

	handler := cfg.Handler
	if cfg.CanonicalisePaths {
		handler = pathMiddleware(handler)
	}

	return &Server{
		logger: cfg.Logger,
		addr:   addr,
		httpServer: &http.Server{
			Handler:           h2c.NewHandler(handler, &http2.Server{}),
			ReadHeaderTimeout: 30 * time.Second,
		},
	}, nil
}

// Start binds the listener and serves in the background. There are no
// retries.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("runtime server already started")
	}

	ln, err := net.Listen("tcp4", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.started = true
	s.addr = ln.Addr().String()
	s.port = ln.Addr().(*net.TCPAddr).Port

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.logger != nil {
				s.logger.Error("runtime server error", "error", err)
			}
		}
	}()

	if s.logger != nil {
		s.logger.Info("runtime server started", "addr", s.addr)
	}
	return nil
}

// Addr returns the listener address. Only meaningful after Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Port returns the bound port, or 0 before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Shutdown stops accepting connections, waits for in-flight requests until
// ctx is done, and releases the port.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errors.Join(err, s.httpServer.Close())
	}
	return err
}

func pathMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		canonical, err := CanonicalisePath(r.URL.EscapedPath())
		if err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}
		r.URL.Path = canonical
		r.URL.RawPath = ""
		next.ServeHTTP(w, r)
	})
}
