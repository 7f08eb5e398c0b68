// Package httpapi serves the websocket endpoint realtime clients connect to,
// plus a small REST API for logging in, reading and writing items, health and
// administration.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/rmacdonaldsmith/livequery/internal/config"
	"github.com/rmacdonaldsmith/livequery/internal/node"
)

// Server represents the HTTP API server
type Server struct {
	node       *node.Node
	handlers   *Handlers
	middleware *Middleware
	websocket  *WebsocketHandler
	server     *http.Server
	logger     *logrus.Entry
}

// Config holds server configuration
type Config struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
	Websocket      WebsocketConfig
}

// NewConfig derives the server configuration from the node configuration.
func NewConfig(c *config.Config) Config {
	return Config{
		Addr:           c.HTTP.Addr,
		ReadTimeout:    c.HTTP.ReadTimeout,
		WriteTimeout:   c.HTTP.WriteTimeout,
		AllowedOrigins: c.HTTP.AllowedOrigins,
		Websocket: WebsocketConfig{
			AllowAnonymous: c.Auth.AllowAnonymous,
			MaxMessageSize: c.HTTP.MaxMessageSize,
			WriteWait:      c.HTTP.WriteWait,
			PongWait:       c.HTTP.PongWait,
		},
	}
}

// NewServer creates a new HTTP API server
func NewServer(n *node.Node, cfg Config, logger *logrus.Entry) *Server {
	logger = logger.WithField("component", "httpapi")

	middleware := NewMiddleware(n.Auth(), cfg.AllowedOrigins, logger)
	wsConfig := cfg.Websocket
	if wsConfig.CheckOrigin == nil {
		wsConfig.CheckOrigin = middleware.CheckOrigin
	}
	ws := NewWebsocketHandler(n.Bus(), n.Auth(), wsConfig, logger)

	s := &Server{
		node:       n,
		handlers:   NewHandlers(n, ws, logger),
		middleware: middleware,
		websocket:  ws,
		logger:     logger,
	}

	// Write timeouts do not apply to hijacked websocket connections; each
	// frame sets its own deadline.
	s.server = &http.Server{
		Addr:           cfg.Addr,
		Handler:        s.setupRoutes(),
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}
	return s
}

// Start starts the HTTP server. It returns nil after Stop.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.server.Addr).Info("http server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve serves on an existing listener. It returns nil after Stop.
func (s *Server) Serve(lis net.Listener) error {
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop closes websocket connections and gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.websocket.CloseAll()
	return s.server.Shutdown(ctx)
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Connections returns the number of open websocket connections.
func (s *Server) Connections() int {
	return s.websocket.Count()
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() http.Handler {
	m := s.middleware
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "Not found", http.StatusNotFound)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	// Websocket endpoint (token checked during the upgrade)
	router.Handle("/websocket", s.websocket).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(m.ContentType)

	// Authentication endpoints (no auth required)
	api.HandleFunc("/auth/login", s.handlers.Login).Methods(http.MethodPost)

	// Item endpoints (public unless a token is given)
	items := api.PathPrefix("/items/{collection}").Subrouter()
	items.Use(m.Authenticate)
	items.HandleFunc("", s.handlers.ListItems).Methods(http.MethodGet)
	items.HandleFunc("", s.handlers.CreateItem).Methods(http.MethodPost)
	items.HandleFunc("", s.handlers.UpdateItems).Methods(http.MethodPatch)
	items.HandleFunc("", s.handlers.DeleteItems).Methods(http.MethodDelete)

	// Admin endpoints (admin auth required)
	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(m.AdminRequired)
	admin.HandleFunc("/subscriptions", s.handlers.AdminListSubscriptions).Methods(http.MethodGet)
	admin.HandleFunc("/subscriptions/{id}", s.handlers.AdminRemoveSubscription).Methods(http.MethodDelete)
	admin.HandleFunc("/stats", s.handlers.AdminGetStats).Methods(http.MethodGet)

	// Health endpoint (no auth required)
	api.HandleFunc("/health", s.handlers.Health).Methods(http.MethodGet)

	// CORS sits outside the router so that preflight requests are answered
	// for every route.
	return m.Recovery(m.Logging(m.CORS(router)))
}
