package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import <index>",
	Short: "Import every record of a collection into its search index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			summary, err := a.indexer.Import(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d records into %s, removed %d trashed records\n",
				summary.Upserted, args[0], summary.Removed)
			return nil
		})
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush <index>",
	Short: "Remove every document from a search index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			if err := a.indexer.Flush(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Flushed %s\n", args[0])
			return nil
		})
	},
}

var dropCmd = &cobra.Command{
	Use:   "drop <index>",
	Short: "Delete a search index and reset its sync checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			if err := a.indexer.Drop(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Dropped %s\n", args[0])
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(importCmd, flushCmd, dropCmd)
}

// withApp runs fn against a freshly bootstrapped app and closes it afterwards
func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	return fn(ctx, a)
}
