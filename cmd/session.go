package cmd

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"scorekeeper/internal/popularity"
	"scorekeeper/internal/session"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and update login sessions",
}

func newTracker() (*session.Tracker, func()) {
	cfg := GetConfig()
	st, closeStore := openStore()
	views := popularity.New(st, cfg.Popularity, nil)
	return session.New(st, cfg.Sessions, views, nil), closeStore
}

var sessionItem string

var sessionLoginCmd = &cobra.Command{
	Use:   "login <user>",
	Short: "Issue a new token for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tr, done := newTracker()
		defer done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		token := session.NewToken()
		if err := tr.UpdateActivity(ctx, token, args[0], ""); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var sessionTouchCmd = &cobra.Command{
	Use:   "touch <token> <user>",
	Short: "Record activity for a token, optionally viewing an item",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tr, done := newTracker()
		defer done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tr.UpdateActivity(ctx, args[0], args[1], sessionItem)
	},
}

var sessionCheckCmd = &cobra.Command{
	Use:   "check <token>",
	Short: "Print the user and recent items of a token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tr, done := newTracker()
		defer done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		user, ok, err := tr.CheckToken(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("token %s is not logged in", args[0])
		}
		items, err := tr.RecentItems(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "user: %s\nrecent: %v\n", user, items)
		return nil
	},
}

var sessionCartCmd = &cobra.Command{
	Use:   "cart <token> [<item> <qty>]",
	Short: "Show a cart, or set the quantity of one item",
	Args:  cobra.RangeArgs(1, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		tr, done := newTracker()
		defer done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if len(args) == 3 {
			qty, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid quantity %q: %w", args[2], err)
			}
			return tr.AddToCart(ctx, args[0], args[1], qty)
		}
		if len(args) == 2 {
			return fmt.Errorf("requires both <item> and <qty>")
		}
		cart, err := tr.Cart(ctx, args[0])
		if err != nil {
			return err
		}
		items := make([]string, 0, len(cart))
		for item := range cart {
			items = append(items, item)
		}
		sort.Strings(items)
		for _, item := range items {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", item, cart[item])
		}
		return nil
	},
}

func init() {
	sessionTouchCmd.Flags().StringVar(&sessionItem, "item", "", "item viewed with this activity")
	sessionCmd.AddCommand(sessionLoginCmd, sessionTouchCmd, sessionCheckCmd, sessionCartCmd)
	rootCmd.AddCommand(sessionCmd)
}
