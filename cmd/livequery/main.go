package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/livequery/internal/config"
	"github.com/rmacdonaldsmith/livequery/internal/healthcheck"
	"github.com/rmacdonaldsmith/livequery/internal/httpapi"
	"github.com/rmacdonaldsmith/livequery/internal/logging"
	"github.com/rmacdonaldsmith/livequery/internal/node"
)

const (
	// Application info
	appName    = "livequery"
	appVersion = "0.1.0"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configFile  string
		showVersion bool
		showHealth  bool
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Realtime change notifications for data store collections",
		Long: `livequery serves a websocket endpoint on which clients subscribe to
collections. Every create, update and delete on a subscribed collection is
pushed to the subscribers allowed to read it, shaped by their query.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", appName, appVersion)
				return nil
			}

			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Log.Level, cfg.Node.ID)

			if showHealth {
				return printHealth(cmd.Context(), cmd.OutOrStdout(), cfg, logger)
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "Configuration file (YAML)")
	cmd.Flags().BoolVar(&showVersion, "version", false, "Show version and exit")
	cmd.Flags().BoolVar(&showHealth, "health", false, "Show health status and exit")
	cmd.Flags().AddFlagSet(config.Flags())

	return cmd
}

// serve opens the listeners and runs the application until a signal arrives.
func serve(ctx context.Context, cfg *config.Config, logger *logrus.Entry) error {
	httpLis, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.HTTP.Addr, err)
	}

	var grpcLis net.Listener
	if cfg.GRPC.Enabled {
		if grpcLis, err = net.Listen("tcp", cfg.GRPC.Addr); err != nil {
			_ = httpLis.Close()
			return fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Addr, err)
		}
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		_ = httpLis.Close()
		if grpcLis != nil {
			_ = grpcLis.Close()
		}
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()
	return a.run(ctx, httpLis, grpcLis)
}

// app is one livequery process: the node plus the servers in front of it.
type app struct {
	config *config.Config
	logger *logrus.Entry
	node   *node.Node
	http   *httpapi.Server
	health *healthcheck.Server
}

func newApp(cfg *config.Config, logger *logrus.Entry) (*app, error) {
	n, err := node.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create node: %w", err)
	}

	a := &app{
		config: cfg,
		logger: logger,
		node:   n,
		http:   httpapi.NewServer(n, httpapi.NewConfig(cfg), logger),
	}

	if cfg.GRPC.Enabled {
		a.health, err = healthcheck.New(healthcheck.Config{
			Addr:     cfg.GRPC.Addr,
			Interval: cfg.GRPC.HealthInterval,
		}, n.Check, logger)
		if err != nil {
			_ = n.Close()
			return nil, fmt.Errorf("failed to create health server: %w", err)
		}
	}
	return a, nil
}

// run starts the node and serves until ctx is cancelled or a server fails.
// grpcLis is only used when the health server is enabled.
func (a *app) run(ctx context.Context, httpLis, grpcLis net.Listener) error {
	if err := a.node.Start(ctx); err != nil {
		_ = httpLis.Close()
		if grpcLis != nil {
			_ = grpcLis.Close()
		}
		return fmt.Errorf("failed to start node: %w", err)
	}
	a.logStartup(ctx, httpLis.Addr())

	var g run.Group
	{
		g.Add(func() error {
			return a.http.Serve(httpLis)
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.HTTP.ShutdownTimeout)
			defer cancel()
			if err := a.http.Stop(shutdownCtx); err != nil {
				a.logger.WithError(err).Warn("error during http shutdown")
			}
		})
	}
	if a.health != nil && grpcLis != nil {
		healthCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return a.health.Serve(healthCtx, grpcLis)
		}, func(error) {
			cancel()
			a.health.Stop()
		})
	}
	{
		runCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			<-runCtx.Done()
			return nil
		}, func(error) {
			cancel()
		})
	}

	err := g.Run()
	a.logger.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), a.config.HTTP.ShutdownTimeout)
	defer cancel()
	if stopErr := a.node.Stop(stopCtx); stopErr != nil {
		err = errors.Join(err, stopErr)
	}
	return err
}

func (a *app) close() {
	if err := a.node.Close(); err != nil {
		a.logger.WithError(err).Warn("error closing node")
	}
}

// logStartup logs the configuration and health once the node is up.
func (a *app) logStartup(ctx context.Context, httpAddr net.Addr) {
	fields := logrus.Fields{
		"version":   appVersion,
		"node_id":   a.node.NodeID(),
		"http_addr": httpAddr.String(),
		"anonymous": a.config.Auth.AllowAnonymous,
		"store":     a.config.Store.Path,
		"modules":   a.config.Realtime.Modules,
	}
	if a.health != nil {
		fields["grpc_addr"] = a.config.GRPC.Addr
	}
	if a.config.NATS.Enabled {
		fields["nats_url"] = a.config.NATS.URL
	}
	a.logger.WithFields(fields).Infof("%s started", appName)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if health := a.node.Health(ctx); !health.Healthy {
		a.logger.WithField("reason", health.Message).Warn("node is unhealthy")
	}
}

// printHealth starts a node without serving, prints its health and closes it.
// An unhealthy node is reported as an error for a non-zero exit status.
func printHealth(ctx context.Context, out io.Writer, cfg *config.Config, logger *logrus.Entry) error {
	n, err := node.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	defer func() { _ = n.Close() }()

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	health := n.Health(ctx)

	fmt.Fprintf(out, "livequery Node Health Status:\n")
	fmt.Fprintf(out, "  Overall: %s\n", healthStatus(health.Healthy))
	fmt.Fprintf(out, "  Store: %s\n", healthStatus(health.StoreHealthy))
	if health.NATSEnabled {
		fmt.Fprintf(out, "  NATS: %s\n", healthStatus(health.NATSHealthy))
	}
	fmt.Fprintf(out, "  Collections: %d\n", health.Collections)
	if health.Message != "" {
		fmt.Fprintf(out, "  Message: %s\n", health.Message)
	}

	if !health.Healthy {
		return errors.New("node is unhealthy")
	}
	return nil
}

// healthStatus returns a colored health status string
func healthStatus(healthy bool) string {
	if healthy {
		return "✅ Healthy"
	}
	return "❌ Unhealthy"
}
