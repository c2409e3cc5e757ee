package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"scorekeeper/internal/popularity"
	"scorekeeper/internal/vote"

	"github.com/spf13/cobra"
)

var popularityCmd = &cobra.Command{
	Use:   "popularity",
	Short: "Inspect view counts and page cacheability",
}

var topN int64

var popularityTopCmd = &cobra.Command{
	Use:   "top",
	Short: "List the most viewed items",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, closeStore := openStore()
		defer closeStore()
		a := popularity.New(st, GetConfig().Popularity, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		top, err := a.Top(ctx, topN)
		if err != nil {
			return err
		}
		for i, r := range top {
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%.1f\n", i+1, r.Item, r.Views)
		}
		return nil
	},
}

var popularityCheckCmd = &cobra.Command{
	Use:   "check <url>",
	Short: "Report whether a GET of <url> would be page cached",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := http.NewRequest(http.MethodGet, args[0], nil)
		if err != nil {
			return err
		}
		st, closeStore := openStore()
		defer closeStore()
		a := popularity.New(st, GetConfig().Popularity, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ok, err := a.IsCacheable(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cacheable: %v\nkey: %s\n", ok, popularity.RequestKey(req))
		return nil
	},
}

var popularityPageCmd = &cobra.Command{
	Use:   "page <url>",
	Short: "Render the article page for <url> through the page cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := http.NewRequest(http.MethodGet, args[0], nil)
		if err != nil {
			return err
		}
		cfg := GetConfig()
		st, closeStore := openStore()
		defer closeStore()
		a := popularity.New(st, cfg.Popularity, nil)
		pages := popularity.NewPageCache(st, a, cfg.Popularity, nil)
		ranking := vote.New(st, cfg.Voting, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		page, err := pages.ServeWithCache(ctx, req, func(r *http.Request) (string, error) {
			id, ok := popularity.QueryItemID(r)
			if !ok {
				return "", fmt.Errorf("url has no item parameter")
			}
			art, err := ranking.GetItem(ctx, id)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s\n%s\nposted by %s, %d votes\n", art.Title, art.Link, art.Poster, art.Votes), nil
		})
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), page)
		return nil
	},
}

func init() {
	popularityTopCmd.Flags().Int64VarP(&topN, "n", "n", 10, "number of items")
	popularityCmd.AddCommand(popularityTopCmd, popularityCheckCmd, popularityPageCmd)
	rootCmd.AddCommand(popularityCmd)
}
