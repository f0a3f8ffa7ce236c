// Package mcpserver exposes the coordination operations as MCP tools over
// SSE and Streamable HTTP transports. Agent subprocesses connect here to
// poll for work, report results, and share memory.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/taskhive/taskhive/internal/agent"
	"github.com/taskhive/taskhive/internal/common/logger"
	"github.com/taskhive/taskhive/internal/memory"
	"github.com/taskhive/taskhive/internal/workitem"
)

// Config holds the MCP server configuration.
type Config struct {
	Port int
}

// Services bundles the domain services the tools call into.
type Services struct {
	WorkItems  *workitem.Service
	Dispatcher *workitem.Dispatcher
	Agents     *agent.Service
	Memory     *memory.Service
}

// Server wraps the SSE and Streamable HTTP servers with lifecycle management.
// Both transports share one port:
// - SSE transport (/sse) for clients that speak the older protocol
// - Streamable HTTP transport (/mcp) for current clients
type Server struct {
	cfg                  Config
	services             Services
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	logger               *logger.Logger
}

// New creates a new MCP server over the given services.
func New(cfg Config, services Services, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		cfg:      cfg,
		services: services,
		logger:   log,
	}
}

// Start starts the MCP server in a goroutine and returns once it is
// listening. Both transports are served from the same listener.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		"taskhive",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	registerTools(mcpServer, s.services, s.logger)

	s.sseServer = server.NewSSEServer(mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{
		Handler: mux,
	}

	ready := make(chan struct{})

	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()

		close(ready)

		s.logger.Info("MCP server listening",
			zap.Int("port", s.cfg.Port),
			zap.String("sse_endpoint", "/sse"),
			zap.String("streamable_http_endpoint", "/mcp"))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("MCP server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down the server and both transports.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown SSE server", zap.Error(err))
		}
	}

	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown Streamable HTTP server", zap.Error(err))
		}
	}

	return nil
}

// Port returns the bound port, useful when configured with port 0.
func (s *Server) Port() int {
	return s.cfg.Port
}

// SSEEndpoint returns the full SSE URL for clients using the SSE transport.
func (s *Server) SSEEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/sse", s.cfg.Port)
}

// StreamableHTTPEndpoint returns the full Streamable HTTP URL.
func (s *Server) StreamableHTTPEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/mcp", s.cfg.Port)
}
