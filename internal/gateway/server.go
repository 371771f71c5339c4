package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/tendril-app/tendril/internal/log"
)

// Server wraps the Handler with an http.Server for lifecycle management.
type Server struct {
	handler  *Handler
	server   *http.Server
	listener net.Listener
	port     int
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Addr is the address to listen on (e.g., ":8480"). Port 0 asks the
	// OS for a free port; use Port() after NewServer to discover it.
	Addr string
	// Handler serves the routes (required).
	Handler *Handler
	// ReadTimeout bounds reading the entire request.
	ReadTimeout time.Duration
}

// NewServer creates the API server and binds its listener.
func NewServer(cfg ServerConfig) (*Server, error) {
	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}

	port := 0
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	return &Server{
		handler:  cfg.Handler,
		listener: listener,
		port:     port,
		server: &http.Server{
			Handler:           cfg.Handler.Routes(),
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			// No write timeout: SSE streams stay open indefinitely.
		},
	}, nil
}

// Start serves requests. It blocks until the server stops or fails.
func (s *Server) Start() error {
	log.Info(log.CatGateway, "starting API server", "addr", s.listener.Addr().String(), "port", s.port)
	return s.server.Serve(s.listener)
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	log.Info(log.CatGateway, "stopping API server")
	return s.server.Shutdown(ctx)
}

// Port returns the bound port, useful when Addr requested port 0.
func (s *Server) Port() int {
	return s.port
}
