package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/livequery/pkg/datastore"
)

func newItemsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "items",
		Short: "Read and write items of a collection",
		Long: `Read and write items. Writes go through the server's mutation hooks, so
subscribers of the collection are notified.`,
	}

	cmd.AddCommand(newItemsListCommand())
	cmd.AddCommand(newItemsCreateCommand())
	cmd.AddCommand(newItemsUpdateCommand())
	cmd.AddCommand(newItemsDeleteCommand())

	return cmd
}

func newItemsListCommand() *cobra.Command {
	var (
		filter string
		fields []string
		sort   []string
		limit  int
		offset int
		pretty bool
	)

	cmd := &cobra.Command{
		Use:   "list <collection>",
		Short: "List items matching a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := buildQuery(filter, fields, sort, limit, offset, cmd.Flags().Changed("limit"))
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := login(ctx); err != nil {
				return err
			}

			items, err := client.ListItems(ctx, args[0], query)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Found %d item(s) in %s:\n", len(items), args[0])
			for _, item := range items {
				printJSON(out, item, pretty, "")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&filter, "filter", "", `Filter as JSON, e.g. '{"status":{"_eq":"published"}}'`)
	cmd.Flags().StringSliceVar(&fields, "fields", nil, "Fields to return")
	cmd.Flags().StringSliceVar(&sort, "sort", nil, "Sort fields, prefix with - for descending")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of items, -1 for all")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of items to skip")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Pretty print items")

	return cmd
}

func newItemsCreateCommand() *cobra.Command {
	var data string

	cmd := &cobra.Command{
		Use:   "create <collection>",
		Short: "Create an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			item, err := parseItem(data)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := requireAuthentication(ctx); err != nil {
				return err
			}

			key, err := client.CreateItem(ctx, args[0], item)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Item created in %s with key %v\n", args[0], key)
			return nil
		},
	}

	cmd.Flags().StringVar(&data, "data", "", "Item as JSON (required)")
	if err := cmd.MarkFlagRequired("data"); err != nil {
		panic(fmt.Sprintf("Failed to mark data as required: %v", err))
	}

	return cmd
}

func newItemsUpdateCommand() *cobra.Command {
	var (
		keys []string
		data string
	)

	cmd := &cobra.Command{
		Use:   "update <collection>",
		Short: "Update items by key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			item, err := parseItem(data)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := requireAuthentication(ctx); err != nil {
				return err
			}

			updated, err := client.UpdateItems(ctx, args[0], parseKeys(keys), item)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Updated %d item(s) in %s: %v\n", len(updated), args[0], updated)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&keys, "keys", nil, "Primary keys of the items (required)")
	cmd.Flags().StringVar(&data, "data", "", "Fields to change as JSON (required)")
	for _, name := range []string{"keys", "data"} {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(fmt.Sprintf("Failed to mark %s as required: %v", name, err))
		}
	}

	return cmd
}

func newItemsDeleteCommand() *cobra.Command {
	var keys []string

	cmd := &cobra.Command{
		Use:   "delete <collection>",
		Short: "Delete items by key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := requireAuthentication(ctx); err != nil {
				return err
			}

			deleted, err := client.DeleteItems(ctx, args[0], parseKeys(keys))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✅ Deleted %d item(s) from %s\n", len(deleted), args[0])
			for _, item := range deleted {
				printJSON(out, item, false, "")
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&keys, "keys", nil, "Primary keys of the items (required)")
	if err := cmd.MarkFlagRequired("keys"); err != nil {
		panic(fmt.Sprintf("Failed to mark keys as required: %v", err))
	}

	return cmd
}

// buildQuery assembles a query from the list flags. limitSet distinguishes an
// explicit --limit 0 from the server default.
func buildQuery(filter string, fields, sort []string, limit, offset int, limitSet bool) (*datastore.Query, error) {
	query := &datastore.Query{
		Fields: fields,
		Sort:   sort,
		Offset: offset,
	}
	if filter != "" {
		if err := json.Unmarshal([]byte(filter), &query.Filter); err != nil {
			return nil, fmt.Errorf("invalid JSON filter: %w", err)
		}
	}
	if limitSet {
		query = query.WithLimit(limit)
	}
	return query, nil
}

func parseItem(data string) (datastore.Item, error) {
	var item datastore.Item
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		return nil, fmt.Errorf("invalid JSON data: %w", err)
	}
	if item == nil {
		return nil, fmt.Errorf("invalid JSON data: expected an object")
	}
	return item, nil
}

// parseKeys turns integer looking keys into numbers so that they match
// numeric primary keys.
func parseKeys(raw []string) []any {
	keys := make([]any, 0, len(raw))
	for _, k := range raw {
		k = strings.TrimSpace(k)
		if n, err := strconv.ParseInt(k, 10, 64); err == nil {
			keys = append(keys, n)
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

func printJSON(out io.Writer, v any, pretty bool, indent string) {
	var (
		data []byte
		err  error
	)
	if pretty {
		data, err = json.MarshalIndent(v, indent, "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		fmt.Fprintf(out, "%s%v\n", indent, v)
		return
	}
	fmt.Fprintf(out, "%s%s\n", indent, data)
}
