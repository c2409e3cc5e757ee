package cmd

import (
	"scorekeeper/internal/redisclient"
	"scorekeeper/internal/store"

	"github.com/spf13/cobra"
)

// redisCmd groups Redis-related subcommands.
var redisCmd = &cobra.Command{
	Use:   "redis",
	Short: "Redis utilities",
}

func init() {
	rootCmd.AddCommand(redisCmd)
}

// openStore connects to the configured Redis. The returned func closes it.
func openStore() (*store.RedisStore, func()) {
	rdb := redisclient.New(GetConfig().Redis)
	return store.NewRedisStore(rdb), func() { _ = rdb.Close() }
}
