package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newAuthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "auth",
		Aliases: []string{"login"},
		Short:   "Log in to the livequery server",
		Long: `Log in with your client ID. The printed token can be passed to later
commands with --token or the ` + TokenEnv + ` environment variable.`,
		RunE: runAuth,
	}

	return cmd
}

func runAuth(cmd *cobra.Command, args []string) error {
	if clientID == "" {
		return fmt.Errorf("--client-id is required")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Authenticating with server %s as client %s...\n", serverURL, clientID)

	resp, err := client.Authenticate(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "✅ Authentication successful!\n")
	if resp.Role != "" {
		fmt.Fprintf(out, "Role: %s\n", resp.Role)
	}
	fmt.Fprintf(out, "Expires At: %s\n", resp.ExpiresAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "Token: %s\n", resp.Token)
	fmt.Fprintf(out, "\nSave the token for later commands:\n")
	fmt.Fprintf(out, "  export %s=\"%s\"\n", TokenEnv, resp.Token)
	fmt.Fprintf(out, "  livequery-cli subscribe --collection articles\n")

	return nil
}
