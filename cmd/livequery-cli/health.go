package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Long:  "Check the health status of the livequery server",
		RunE:  runHealth,
	}

	return cmd
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Checking health of %s...\n", serverURL)

	health, err := client.GetHealth(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Healthy {
		fmt.Fprintf(out, "✅ Server is healthy!\n")
	} else {
		fmt.Fprintf(out, "❌ Server is not healthy!\n")
	}
	fmt.Fprintf(out, "Store: %t\n", health.StoreHealthy)
	if health.NATSEnabled {
		fmt.Fprintf(out, "NATS: %t\n", health.NATSHealthy)
	}
	fmt.Fprintf(out, "Connected Clients: %d\n", health.ConnectedClients)
	fmt.Fprintf(out, "Subscriptions: %d\n", health.Subscriptions)
	if health.Uptime != "" {
		fmt.Fprintf(out, "Uptime: %s\n", health.Uptime)
	}
	if health.Message != "" {
		fmt.Fprintf(out, "Message: %s\n", health.Message)
	}

	if !health.Healthy {
		return fmt.Errorf("server is unhealthy")
	}
	return nil
}
