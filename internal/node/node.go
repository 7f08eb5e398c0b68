// Package node wires the livequery components into one process: data store,
// event bus, subscription registry, authorization bridge, dispatcher and the
// realtime hooks, plus the optional NATS mutation source.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rmacdonaldsmith/livequery/internal/auth"
	"github.com/rmacdonaldsmith/livequery/internal/config"
	"github.com/rmacdonaldsmith/livequery/internal/dispatch"
	"github.com/rmacdonaldsmith/livequery/internal/eventbus"
	"github.com/rmacdonaldsmith/livequery/internal/natsbridge"
	"github.com/rmacdonaldsmith/livequery/internal/realtime"
	"github.com/rmacdonaldsmith/livequery/internal/store"
	subscriptionimpl "github.com/rmacdonaldsmith/livequery/internal/subscription"
	"github.com/rmacdonaldsmith/livequery/pkg/subscription"
)

// DefaultCollection is declared when neither a policy nor a seed names one.
const DefaultCollection = "articles"

// ErrClosed is returned when starting a closed node.
var ErrClosed = errors.New("node is closed")

// HealthStatus represents the overall health of a node
type HealthStatus struct {
	// Healthy indicates if the node is functioning properly
	Healthy bool `json:"healthy"`

	StoreHealthy bool `json:"storeHealthy"`

	// NATSHealthy is only meaningful when the NATS bridge is enabled
	NATSHealthy bool `json:"natsHealthy"`
	NATSEnabled bool `json:"natsEnabled"`

	ConnectedClients int    `json:"connectedClients"`
	Subscriptions    int    `json:"subscriptions"`
	Collections      int    `json:"collections"`
	Uptime           string `json:"uptime"`
	Message          string `json:"message,omitempty"`
}

// Node owns every component of a livequery process.
type Node struct {
	mu     sync.RWMutex
	config *config.Config
	logger *logrus.Entry

	// Core components
	bus        *eventbus.LocalBus
	store      *store.Store
	registry   *subscriptionimpl.InMemoryRegistry
	jwtAuth    *auth.JWTAuth
	directory  *auth.StaticDirectory
	authBridge *auth.Bridge
	dispatcher *dispatch.Dispatcher
	realtime   *realtime.Handler
	nats       *natsbridge.Bridge

	// State management
	started   bool
	closed    bool
	startedAt time.Time
}

// New creates a node from cfg. Components are created but not started; call
// Start to bind the realtime hooks.
func New(cfg *config.Config, logger *logrus.Entry) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var seed store.Seed
	if cfg.Store.SeedFile != "" {
		var err error
		if seed, err = store.LoadSeed(cfg.Store.SeedFile); err != nil {
			return nil, err
		}
	}

	var policy *store.Policy
	if cfg.Store.PolicyFile != "" {
		var err error
		if policy, err = store.LoadPolicy(cfg.Store.PolicyFile); err != nil {
			return nil, err
		}
	} else {
		collections := seed.Collections()
		if len(collections) == 0 {
			collections = []string{DefaultCollection}
		}
		policy = store.DefaultPolicy(collections...)
		logger.WithField("collections", collections).Warn("no policy file configured, using the default policy")
	}

	bus := eventbus.New(logger)
	module := "items"
	if len(cfg.Realtime.Modules) > 0 {
		module = cfg.Realtime.Modules[0]
	}
	st, err := store.Open(store.Config{
		Path:         cfg.Store.Path,
		Module:       module,
		DefaultLimit: cfg.Store.DefaultLimit,
	}, policy, bus, logger)
	if err != nil {
		return nil, err
	}
	if seed != nil {
		if err := st.ImportSeed(seed); err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	jwtAuth := auth.NewJWTAuth(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	directory := auth.NewStaticDirectory(cfg.Auth.Roles())
	bridge := auth.NewBridge(jwtAuth, directory, logger)

	registry := subscriptionimpl.NewInMemoryRegistry()
	dispatcher := dispatch.New(registry, st, bridge, logger)
	handler := realtime.NewHandler(realtime.Config{
		Modules:               cfg.Realtime.Modules,
		RejectFailedSubscribe: cfg.Realtime.RejectFailedSubscribe,
	}, registry, st, dispatcher, logger)

	n := &Node{
		config:     cfg,
		logger:     logger.WithField("component", "node"),
		bus:        bus,
		store:      st,
		registry:   registry,
		jwtAuth:    jwtAuth,
		directory:  directory,
		authBridge: bridge,
		dispatcher: dispatcher,
		realtime:   handler,
	}

	if cfg.NATS.Enabled {
		n.nats, err = natsbridge.New(natsbridge.Config{
			URL:           cfg.NATS.URL,
			Name:          cfg.Node.ID,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Modules:       cfg.Realtime.Modules,
			ReconnectWait: cfg.NATS.ReconnectWait,
			MaxReconnects: cfg.NATS.MaxReconnects,
		}, bus, logger)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	return n, nil
}

// Start binds the realtime hooks to the bus and connects the NATS bridge.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrClosed
	}
	if n.started {
		return nil // Already started, idempotent
	}

	n.realtime.Bind(n.bus)
	if n.nats != nil {
		if err := n.nats.Start(ctx); err != nil {
			n.realtime.Unbind()
			return err
		}
	}

	n.started = true
	n.startedAt = time.Now()
	n.logger.WithField("node_id", n.config.Node.ID).Info("node started")
	return nil
}

// Stop unbinds the realtime hooks and disconnects from NATS.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stopLocked()
}

func (n *Node) stopLocked() error {
	if !n.started {
		return nil // Not started, idempotent
	}

	var err error
	if n.nats != nil {
		err = n.nats.Stop()
	}
	n.realtime.Unbind()
	n.started = false
	n.logger.Info("node stopped")
	return err
}

// Close stops the node and releases the registry and the store.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil // Already closed, idempotent
	}

	stopErr := n.stopLocked()

	if err := n.registry.Close(); err != nil {
		return fmt.Errorf("failed to close registry: %w", err)
	}
	if err := n.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	n.closed = true
	return stopErr
}

// Health returns the overall health status of this node.
func (n *Node) Health(ctx context.Context) HealthStatus {
	n.mu.RLock()
	defer n.mu.RUnlock()

	status := HealthStatus{
		Subscriptions:    n.registry.SubscriptionCount(),
		Collections:      n.registry.CollectionCount(),
		ConnectedClients: n.connectedClients(),
		NATSEnabled:      n.nats != nil,
	}
	if n.started {
		status.Uptime = time.Since(n.startedAt).Round(time.Second).String()
	}

	if !n.closed {
		_, err := n.store.Count(DefaultCollection)
		status.StoreHealthy = err == nil && ctx.Err() == nil
	}
	status.NATSHealthy = n.nats != nil && n.nats.Connected()

	status.Healthy = n.started && !n.closed && status.StoreHealthy && (!status.NATSEnabled || status.NATSHealthy)
	switch {
	case n.closed:
		status.Message = "node is closed"
	case !n.started:
		status.Message = "node is not started"
	case !status.StoreHealthy:
		status.Message = "store is unavailable"
	case status.NATSEnabled && !status.NATSHealthy:
		status.Message = "nats is disconnected"
	}
	return status
}

// Check returns an error when the node is unhealthy. It is the check function
// of the gRPC health server.
func (n *Node) Check(ctx context.Context) error {
	if h := n.Health(ctx); !h.Healthy {
		return errors.New(h.Message)
	}
	return nil
}

func (n *Node) connectedClients() int {
	seen := make(map[string]struct{})
	for _, sub := range n.registry.Subscriptions() {
		seen[sub.Conn.ID()] = struct{}{}
	}
	return len(seen)
}

// NodeID returns the node identifier.
func (n *Node) NodeID() string {
	return n.config.Node.ID
}

// Config returns the node configuration.
func (n *Node) Config() *config.Config {
	return n.config
}

// Bus returns the event bus.
func (n *Node) Bus() eventbus.Bus {
	return n.bus
}

// Store returns the data store.
func (n *Node) Store() *store.Store {
	return n.store
}

// Registry returns the subscription registry.
func (n *Node) Registry() subscription.Registry {
	return n.registry
}

// JWT returns the token issuer.
func (n *Node) JWT() *auth.JWTAuth {
	return n.jwtAuth
}

// Directory returns the user directory.
func (n *Node) Directory() *auth.StaticDirectory {
	return n.directory
}

// Auth returns the authorization bridge.
func (n *Node) Auth() *auth.Bridge {
	return n.authBridge
}

// Dispatcher returns the event dispatcher.
func (n *Node) Dispatcher() *dispatch.Dispatcher {
	return n.dispatcher
}

// Realtime returns the realtime message handler.
func (n *Node) Realtime() *realtime.Handler {
	return n.realtime
}
