package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/zot/hotplug/internal/config"
	"github.com/zot/hotplug/internal/plugin"
)

// Server serves one Session's modules over HTTP.
type Server struct {
	config       *config.Config
	wsEndpoint   *WebSocketEndpoint
	httpEndpoint *HTTPEndpoint
	httpServer   *http.Server
}

// New creates a server. Pass Events to Attach, then Bind the resulting Session.
func New(cfg *config.Config) *Server {
	return &Server{
		config:     cfg,
		wsEndpoint: NewWebSocketEndpoint(cfg),
	}
}

// Events returns the observer that streams Session events to WebSocket clients.
func (s *Server) Events() plugin.Observer {
	return s.wsEndpoint
}

// Bind sets the module source served by the HTTP API.
func (s *Server) Bind(source ModuleSource) {
	s.httpEndpoint = NewHTTPEndpoint(s.config, source, s.wsEndpoint)
	s.wsEndpoint.SetSnapshot(source.Modules)
}

// Handler returns the HTTP handler. Bind must be called first.
func (s *Server) Handler() http.Handler {
	return s.httpEndpoint
}

// StartHTTP starts the HTTP server on the specified port and returns its base URL.
// Port 0 picks a free port.
func (s *Server) StartHTTP(port int) (string, error) {
	if s.httpEndpoint == nil {
		return "", fmt.Errorf("server has no module source")
	}

	addr := net.JoinHostPort(s.config.Server.Host, strconv.Itoa(port))
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.httpEndpoint,
	}

	// We need to capture the actual port if 0 was passed
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	// Update port in config if it was 0
	if port == 0 {
		_, portStr, _ := net.SplitHostPort(listener.Addr().String())
		port, _ = strconv.Atoi(portStr)
	}
	s.config.Server.Port = port

	go func() {
		s.config.Log(0, "HTTP server listening on %s", listener.Addr())
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.config.Log(0, "HTTP server error: %v", err)
		}
	}()

	host := s.config.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}

	return fmt.Sprintf("http://%s", net.JoinHostPort(host, strconv.Itoa(port))), nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsEndpoint.Close()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}
