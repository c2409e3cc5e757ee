package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"scorekeeper/internal/rowcache"

	"github.com/spf13/cobra"
)

var rowCmd = &cobra.Command{
	Use:   "row",
	Short: "Schedule and inspect cached rows",
}

var rowScheduleCmd = &cobra.Command{
	Use:   "schedule <row_id> <every>",
	Short: "Refresh a row every <every> (e.g. 30s); 0 stops caching it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		every, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("invalid interval %q: %w", args[1], err)
		}
		st, closeStore := openStore()
		defer closeStore()
		c := rowcache.New(st, nil, GetConfig().RowCache, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return c.Schedule(ctx, args[0], every)
	},
}

var rowGetCmd = &cobra.Command{
	Use:   "get <row_id>",
	Short: "Print the cached copy of a row",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, closeStore := openStore()
		defer closeStore()
		c := rowcache.New(st, nil, GetConfig().RowCache, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		row, ok, err := c.Row(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("row %s is not cached", args[0])
		}
		b, err := json.MarshalIndent(row, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(b))
		return nil
	},
}

var rowNextCmd = &cobra.Command{
	Use:   "next",
	Short: "Print the next row due for refresh",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, closeStore := openStore()
		defer closeStore()
		c := rowcache.New(st, nil, GetConfig().RowCache, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		id, due, ok, err := c.NextDue(ctx)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "no rows scheduled")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, due.UTC().Format(time.RFC3339Nano))
		return nil
	},
}

func init() {
	rowCmd.AddCommand(rowScheduleCmd, rowGetCmd, rowNextCmd)
	rootCmd.AddCommand(rowCmd)
}
