package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/angelododaro/open-deep-research/internal/auth"
	"github.com/angelododaro/open-deep-research/internal/ctxutil"
	"github.com/angelododaro/open-deep-research/internal/model"
	"github.com/angelododaro/open-deep-research/internal/ratelimit"
	"github.com/angelododaro/open-deep-research/internal/service/research"
)

// Server is the research HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Broker, Storage, ActiveWorkers, Limiter,
// MCPServer, OpenAPISpec, Middleware.
type ServerConfig struct {
	// Required dependencies.
	Controller *research.Controller
	JWTMgr     *auth.JWTManager
	Logger     *slog.Logger

	// Optional dependencies (nil = disabled).
	Broker        *Broker
	Storage       StorageProbe
	RegistryKind  string
	ActiveWorkers func() int
	Limiter       ratelimit.Limiter
	MCPServer     *mcpserver.MCPServer

	// Middleware wraps the API routes inside authentication, outermost first.
	Middleware []func(http.Handler) http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Optional embedded assets.
	OpenAPISpec []byte // Embedded OpenAPI YAML.
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Controller:          cfg.Controller,
		Broker:              cfg.Broker,
		Storage:             cfg.Storage,
		RegistryKind:        cfg.RegistryKind,
		ActiveWorkers:       cfg.ActiveWorkers,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// State-changing routes are throttled per user.
	limited := ratelimit.Middleware(cfg.Limiter, userKeyFunc, writeRateLimited, cfg.Logger)

	mux := http.NewServeMux()

	mux.Handle("POST /research", limited(http.HandlerFunc(h.HandleCommand)))
	mux.HandleFunc("GET /research", h.HandleStatus)
	mux.Handle("POST /research/sessions", limited(http.HandlerFunc(h.HandleCreate)))
	mux.HandleFunc("GET /research/sessions", h.HandleList)

	// Long-lived SSE stream; the handler clears its own write deadline.
	mux.HandleFunc("GET /research/stream", h.HandleStream)

	// MCP StreamableHTTP transport (auth required).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer,
			mcpserver.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
				ctx = ctxutil.WithClaims(ctx, ctxutil.ClaimsFromContext(r.Context()))
				return ctxutil.WithAuditMeta(ctx, ctxutil.AuditMetaFromContext(r.Context()))
			}),
		)
		mux.Handle("/mcp", mcpHTTP)
	}

	// OpenAPI spec and health (no auth).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → [custom] → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	for i := len(cfg.Middleware) - 1; i >= 0; i-- {
		handler = cfg.Middleware[i](handler)
	}
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// userKeyFunc keys the rate limiter on the authenticated user.
func userKeyFunc(r *http.Request) string {
	if uid := ctxutil.UserIDFromContext(r.Context()); uid != "" {
		return "user:" + uid
	}
	return ratelimit.IPKeyFunc(r)
}

func writeRateLimited(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "too many requests")
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
