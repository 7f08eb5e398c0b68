package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/livequery/pkg/wsclient"
)

// TokenEnv is read when --token is not given.
const TokenEnv = "LIVEQUERY_TOKEN"

var (
	// Global flags
	serverURL string
	clientID  string
	token     string
	timeout   time.Duration

	// Global client instance
	client *wsclient.Client
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "livequery-cli",
		Short: "livequery command line interface",
		Long: `livequery-cli talks to a livequery server. It logs in, reads and writes
items, and subscribes to realtime changes over a websocket.`,
		PersistentPreRunE: initializeClient,
		SilenceUsage:      true,
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "livequery server URL")
	rootCmd.PersistentFlags().StringVar(&clientID, "client-id", "", "Client ID to log in as")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv(TokenEnv), "Access token (if already authenticated)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	rootCmd.AddCommand(newAuthCommand())
	rootCmd.AddCommand(newItemsCommand())
	rootCmd.AddCommand(newSubscribeCommand())
	rootCmd.AddCommand(newAdminCommand())
	rootCmd.AddCommand(newHealthCommand())

	return rootCmd
}

// initializeClient sets up the client with global configuration
func initializeClient(cmd *cobra.Command, args []string) error {
	// Skip client initialization for help commands
	if cmd.Name() == "help" || cmd.Parent() == nil {
		return nil
	}

	var err error
	client, err = wsclient.NewClient(wsclient.Config{
		ServerURL: serverURL,
		ClientID:  clientID,
		Timeout:   timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	if token != "" {
		client.SetToken(token)
	}
	return nil
}

// login fetches a token when a client id was given but no token. Without
// either the client stays anonymous.
func login(ctx context.Context) error {
	if client == nil {
		return fmt.Errorf("client not initialized")
	}
	if client.IsAuthenticated() || clientID == "" {
		return nil
	}
	if _, err := client.Authenticate(ctx); err != nil {
		return err
	}
	return nil
}

// requireAuthentication logs in if possible and fails for anonymous clients.
func requireAuthentication(ctx context.Context) error {
	if err := login(ctx); err != nil {
		return err
	}
	if !client.IsAuthenticated() {
		return fmt.Errorf("not authenticated - pass --client-id or --token (or set %s)", TokenEnv)
	}
	return nil
}
