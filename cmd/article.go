package cmd

import (
	"context"
	"fmt"
	"time"

	"scorekeeper/internal/vote"

	"github.com/spf13/cobra"
)

var articleCmd = &cobra.Command{
	Use:   "article",
	Short: "Publish, vote on and list articles",
}

var articlePostCmd = &cobra.Command{
	Use:   "post <user> <title> <link>",
	Short: "Publish an article",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, closeStore := openStore()
		defer closeStore()
		r := vote.New(st, GetConfig().Voting, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		id, err := r.PublishItem(ctx, args[0], args[1], args[2])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var articleVoteCmd = &cobra.Command{
	Use:   "vote <user> <article_id>",
	Short: "Vote for an article",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, closeStore := openStore()
		defer closeStore()
		r := vote.New(st, GetConfig().Voting, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		counted, err := r.SubmitVote(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if counted {
			fmt.Fprintln(cmd.OutOrStdout(), "vote counted")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "vote ignored")
		}
		return nil
	},
}

var (
	listPage  int
	listOrder string
	listGroup string
)

var articleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a page of articles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		order, err := vote.ParseOrder(listOrder)
		if err != nil {
			return err
		}
		st, closeStore := openStore()
		defer closeStore()
		r := vote.New(st, GetConfig().Voting, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var items []vote.Article
		if listGroup != "" {
			items, err = r.ListGroupItems(ctx, listGroup, listPage, order)
		} else {
			items, err = r.ListItems(ctx, listPage, order)
		}
		if err != nil {
			return err
		}
		for _, a := range items {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\t%s\t%s\n",
				a.ID, a.Votes, a.CreatedAt.UTC().Format(time.RFC3339), a.Title, a.Link)
		}
		return nil
	},
}

var (
	groupAdd    []string
	groupRemove []string
)

var articleGroupCmd = &cobra.Command{
	Use:   "group <article_id>",
	Short: "Add an article to or remove it from groups",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, closeStore := openStore()
		defer closeStore()
		r := vote.New(st, GetConfig().Voting, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return r.SetGroups(ctx, args[0], groupAdd, groupRemove)
	},
}

func init() {
	articleListCmd.Flags().IntVar(&listPage, "page", 1, "page number, starting at 1")
	articleListCmd.Flags().StringVar(&listOrder, "order", "score", "ranking: score or time")
	articleListCmd.Flags().StringVar(&listGroup, "group", "", "only list articles in this group")
	articleGroupCmd.Flags().StringSliceVar(&groupAdd, "add", nil, "groups to add the article to")
	articleGroupCmd.Flags().StringSliceVar(&groupRemove, "remove", nil, "groups to remove the article from")

	articleCmd.AddCommand(articlePostCmd, articleVoteCmd, articleListCmd, articleGroupCmd)
	rootCmd.AddCommand(articleCmd)
}
