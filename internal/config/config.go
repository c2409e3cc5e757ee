package config

import "time"

// AppConfig holds application-level settings.
type AppConfig struct {
	LogLevel string `mapstructure:"log_level"`
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// VotingConfig controls article ranking.
type VotingConfig struct {
	Window        time.Duration `mapstructure:"window"`     // votes accepted this long after posting
	VoteScore     float64       `mapstructure:"vote_score"` // seconds of freshness one vote is worth
	PageSize      int           `mapstructure:"page_size"`
	GroupCacheTTL time.Duration `mapstructure:"group_cache_ttl"`
}

// SessionsConfig controls token tracking and the reaper.
type SessionsConfig struct {
	Limit        int64         `mapstructure:"limit"`      // max tracked tokens
	BatchSize    int64         `mapstructure:"batch_size"` // max evictions per pass
	ViewedCap    int64         `mapstructure:"viewed_cap"` // recent items kept per token
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// SourceConfig selects where cached rows are read from.
type SourceConfig struct {
	Kind  string `mapstructure:"kind"`  // "file" or "postgres"
	Path  string `mapstructure:"path"`  // YAML file for kind=file
	DSN   string `mapstructure:"dsn"`   // connection string for kind=postgres
	Query string `mapstructure:"query"` // single-row query taking the row id as $1
}

// RowCacheConfig controls scheduled row caching.
type RowCacheConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	MaxFetchPerSecond float64       `mapstructure:"max_fetch_per_second"` // 0 disables throttling
	Source            SourceConfig  `mapstructure:"source"`
}

// PopularityConfig controls view counting, decay and page caching.
type PopularityConfig struct {
	RescaleInterval time.Duration `mapstructure:"rescale_interval"`
	Keep            int64         `mapstructure:"keep"`           // members retained by a rescale
	CacheableRank   int64         `mapstructure:"cacheable_rank"` // ranks below this are cacheable
	DecayFactor     float64       `mapstructure:"decay_factor"`
	PageTTL         time.Duration `mapstructure:"page_ttl"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the listener
}

// Config is the top-level configuration structure.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Voting     VotingConfig     `mapstructure:"voting"`
	Sessions   SessionsConfig   `mapstructure:"sessions"`
	RowCache   RowCacheConfig   `mapstructure:"row_cache"`
	Popularity PopularityConfig `mapstructure:"popularity"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// FillDefaults applies default values if not provided.
func (c *Config) FillDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}

	if c.Voting.Window == 0 {
		c.Voting.Window = 7 * 24 * time.Hour
	}
	if c.Voting.VoteScore == 0 {
		// 86400 seconds / 200 votes: a day's worth of freshness per 200 votes
		c.Voting.VoteScore = 432
	}
	if c.Voting.PageSize == 0 {
		c.Voting.PageSize = 25
	}
	if c.Voting.GroupCacheTTL == 0 {
		c.Voting.GroupCacheTTL = 60 * time.Second
	}

	if c.Sessions.Limit == 0 {
		c.Sessions.Limit = 10_000_000
	}
	if c.Sessions.BatchSize == 0 {
		c.Sessions.BatchSize = 100
	}
	if c.Sessions.ViewedCap == 0 {
		c.Sessions.ViewedCap = 25
	}
	if c.Sessions.PollInterval == 0 {
		c.Sessions.PollInterval = time.Second
	}

	if c.RowCache.PollInterval == 0 {
		c.RowCache.PollInterval = 50 * time.Millisecond
	}
	if c.RowCache.Source.Kind == "" {
		c.RowCache.Source.Kind = "file"
	}
	if c.RowCache.Source.Path == "" {
		c.RowCache.Source.Path = "rows.yaml"
	}
	if c.RowCache.Source.Query == "" {
		c.RowCache.Source.Query = "SELECT * FROM inventory WHERE id = $1"
	}

	if c.Popularity.RescaleInterval == 0 {
		c.Popularity.RescaleInterval = 300 * time.Second
	}
	if c.Popularity.Keep == 0 {
		c.Popularity.Keep = 20_000
	}
	if c.Popularity.CacheableRank == 0 {
		c.Popularity.CacheableRank = 10_000
	}
	if c.Popularity.DecayFactor == 0 {
		c.Popularity.DecayFactor = 0.5
	}
	if c.Popularity.PageTTL == 0 {
		c.Popularity.PageTTL = 300 * time.Second
	}
}
