package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newAdminCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Admin commands (requires admin privileges)",
		Long:  "Administrative commands for inspecting subscriptions and dispatch statistics",
	}

	cmd.AddCommand(newAdminSubscriptionsCommand())
	cmd.AddCommand(newAdminRemoveCommand())
	cmd.AddCommand(newAdminStatsCommand())

	return cmd
}

func newAdminSubscriptionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscriptions",
		Short: "List all subscriptions across all connections",
		RunE:  runAdminSubscriptions,
	}

	return cmd
}

func newAdminRemoveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <subscription-id>",
		Short: "Remove a subscription",
		Args:  cobra.ExactArgs(1),
		RunE:  runAdminRemove,
	}

	return cmd
}

func newAdminStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show system statistics",
		RunE:  runAdminStats,
	}

	return cmd
}

func runAdminSubscriptions(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	if err := requireAuthentication(ctx); err != nil {
		return err
	}

	response, err := client.AdminListSubscriptions(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(response.Subscriptions) == 0 {
		fmt.Fprintln(out, "No subscriptions found in the system")
		return nil
	}

	fmt.Fprintf(out, "Found %d subscription(s):\n\n", len(response.Subscriptions))
	for i, sub := range response.Subscriptions {
		fmt.Fprintf(out, "%d. Subscription ID: %s\n", i+1, sub.ID)
		fmt.Fprintf(out, "   Collection: %s\n", sub.Collection)
		fmt.Fprintf(out, "   Connection: %s\n", sub.ConnectionID)
		if sub.User != "" {
			fmt.Fprintf(out, "   User: %s\n", sub.User)
		}
		if sub.UID != "" {
			fmt.Fprintf(out, "   UID: %s\n", sub.UID)
		}
		if sub.Query != nil {
			fmt.Fprintf(out, "   Query: ")
			printJSON(out, sub.Query, false, "")
		}
		fmt.Fprintf(out, "   Created At: %s\n", sub.CreatedAt.Format("2006-01-02 15:04:05"))
		if i < len(response.Subscriptions)-1 {
			fmt.Fprintln(out)
		}
	}

	return nil
}

func runAdminRemove(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	if err := requireAuthentication(ctx); err != nil {
		return err
	}

	if err := client.AdminRemoveSubscription(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Subscription %s removed\n", args[0])
	return nil
}

func runAdminStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	if err := requireAuthentication(ctx); err != nil {
		return err
	}

	response, err := client.AdminGetStats(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "📊 livequery statistics:\n\n")
	fmt.Fprintf(out, "Connected Clients: %d\n", response.ConnectedClients)
	fmt.Fprintf(out, "Total Subscriptions: %d\n", response.TotalSubscriptions)
	fmt.Fprintf(out, "Total Collections: %d\n", response.TotalCollections)
	fmt.Fprintf(out, "Events Dispatched: %d\n", response.Dispatch.Events)
	fmt.Fprintf(out, "Deliveries: %d\n", response.Dispatch.Deliveries)
	fmt.Fprintf(out, "Events Without Subscribers: %d\n", response.Dispatch.Empty)
	fmt.Fprintf(out, "Failed Deliveries: %d\n", response.Dispatch.Failures)

	return nil
}
