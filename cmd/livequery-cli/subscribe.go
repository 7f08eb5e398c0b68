package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/livequery/pkg/datastore"
	"github.com/rmacdonaldsmith/livequery/pkg/protocol"
	"github.com/rmacdonaldsmith/livequery/pkg/wsclient"
)

func newSubscribeCommand() *cobra.Command {
	var (
		collection   string
		queryJSON    string
		uid          string
		useCBOR      bool
		bufferSize   int
		prettyFormat bool
	)

	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Subscribe to changes of a collection",
		Long: `Open a websocket, subscribe to a collection and print every change as it
happens. The subscription is restored after reconnects. Press Ctrl+C to stop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var query *datastore.Query
			if queryJSON != "" {
				query = &datastore.Query{}
				if err := json.Unmarshal([]byte(queryJSON), query); err != nil {
					return fmt.Errorf("invalid JSON query: %w", err)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			config := wsclient.StreamConfig{
				BufferSize:           bufferSize,
				MaxReconnectAttempts: 0, // Infinite retries
			}
			if useCBOR {
				config.Subprotocol = protocol.SubprotocolCBOR
			}
			return runSubscribe(ctx, cmd.OutOrStdout(), config, collection, query, uid, prettyFormat)
		},
	}

	cmd.Flags().StringVar(&collection, "collection", "", "Collection to subscribe to (required)")
	cmd.Flags().StringVar(&queryJSON, "query", "", `Query as JSON, e.g. '{"fields":["id","title"]}'`)
	cmd.Flags().StringVar(&uid, "uid", "", "Subscription uid echoed in every frame (generated if empty)")
	cmd.Flags().BoolVar(&useCBOR, "cbor", false, "Use the CBOR subprotocol")
	cmd.Flags().IntVar(&bufferSize, "buffer-size", 100, "Frame buffer size")
	cmd.Flags().BoolVar(&prettyFormat, "pretty", false, "Pretty print JSON payloads")
	if err := cmd.MarkFlagRequired("collection"); err != nil {
		panic(fmt.Sprintf("Failed to mark collection as required: %v", err))
	}

	return cmd
}

func runSubscribe(ctx context.Context, out io.Writer, config wsclient.StreamConfig, collection string, query *datastore.Query, uid string, pretty bool) error {
	if err := login(ctx); err != nil {
		return err
	}

	stream, err := client.Connect(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			fmt.Fprintf(out, "Warning: failed to close stream: %v\n", err)
		}
	}()

	uid, err = stream.Subscribe(collection, query, uid)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	fmt.Fprintf(out, "🌊 Subscribed to %s on %s (uid %s)\n", collection, serverURL, uid)
	fmt.Fprintln(out, "Press Ctrl+C to stop")

	count := 0
	errs := stream.Errors()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(out, "\n✅ Subscription stopped. Received %d change(s).\n", count)
			return nil

		case msg, ok := <-stream.Messages():
			if !ok {
				fmt.Fprintf(out, "\n🔌 Stream closed. Received %d change(s).\n", count)
				return nil
			}
			if msg.Type == protocol.TypeError {
				fmt.Fprintf(out, "❌ Server error for %s: %v\n", msg.UID, msg.Error)
				continue
			}
			count++
			printChange(out, msg, count, pretty)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			// Errors are non-fatal while the stream reconnects.
			fmt.Fprintf(out, "❌ Stream error: %v\n", err)

		case <-stream.Done():
			fmt.Fprintf(out, "\n🔌 Stream finished. Received %d change(s).\n", count)
			return nil
		}
	}
}

func printChange(out io.Writer, msg *wsclient.Message, count int, pretty bool) {
	fmt.Fprintf(out, "📨 Change #%d:\n", count)
	fmt.Fprintf(out, "   Event: %s\n", msg.Event)
	fmt.Fprintf(out, "   UID: %s\n", msg.UID)
	fmt.Fprintf(out, "   Data: ")
	if pretty {
		fmt.Fprintln(out)
		printJSON(out, msg.Data, true, "            ")
	} else {
		printJSON(out, msg.Data, false, "")
	}
	fmt.Fprintln(out)
}
