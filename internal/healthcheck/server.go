// Package healthcheck serves the standard gRPC health protocol
// (grpc.health.v1.Health) for load balancers and orchestrators. A watcher
// polls a check function and flips the serving status.
package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	DefaultAddr     = ":9090"
	DefaultInterval = 5 * time.Second
	DefaultService  = "livequery"
)

// CheckFunc reports an unhealthy node by returning an error.
type CheckFunc func(ctx context.Context) error

// Config configures a Server.
type Config struct {
	Addr     string
	Interval time.Duration
	Service  string
}

// SetDefaults fills in unset fields.
func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.Service == "" {
		c.Service = DefaultService
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Interval < 0 {
		return fmt.Errorf("health interval cannot be negative, got %v", c.Interval)
	}
	return nil
}

// Server is a gRPC server exposing only the health service.
type Server struct {
	config Config
	check  CheckFunc
	logger *logrus.Entry

	grpcServer *grpc.Server
	health     *health.Server

	mu      sync.Mutex
	serving bool
	stop    chan struct{}
}

// New creates a Server. The status starts as NOT_SERVING until the first check.
func New(cfg Config, check CheckFunc, logger *logrus.Entry) (*Server, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if check == nil {
		return nil, errors.New("check function cannot be nil")
	}

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(cfg.Service, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		config:     cfg,
		check:      check,
		logger:     logger.WithField("component", "healthcheck"),
		grpcServer: gs,
		health:     hs,
		stop:       make(chan struct{}),
	}, nil
}

// ListenAndServe listens on the configured address and serves until Stop.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until Stop. It checks health once before accepting
// connections and then every interval.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.Refresh(ctx)
	go s.watch(ctx)

	s.logger.WithField("addr", lis.Addr().String()).Info("gRPC health server listening")
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("gRPC health server failed: %w", err)
	}
	return nil
}

// Stop marks the node as not serving and stops the server gracefully.
func (s *Server) Stop() {
	s.mu.Lock()
	select {
	case <-s.stop:
		s.mu.Unlock()
		return
	default:
		close(s.stop)
	}
	s.mu.Unlock()

	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// Refresh runs the check once and updates the serving status.
func (s *Server) Refresh(ctx context.Context) {
	err := s.check(ctx)
	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}

	s.mu.Lock()
	changed := s.serving != (err == nil)
	s.serving = err == nil
	s.mu.Unlock()

	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(s.config.Service, status)

	if changed {
		log := s.logger.WithField("status", status.String())
		if err != nil {
			log.WithError(err).Warn("health status changed")
		} else {
			log.Info("health status changed")
		}
	}
}

// Serving reports the last observed status.
func (s *Server) Serving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serving
}

func (s *Server) watch(ctx context.Context) {
	if s.config.Interval == 0 {
		return
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Refresh(ctx)
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		}
	}
}
