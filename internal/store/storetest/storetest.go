// Package storetest runs a store.RedisStore against an in-process miniredis
// whose key expiry follows a fake clock.
package storetest

import (
	"sync"
	"testing"
	"time"

	"scorekeeper/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// Start is the instant every Clock begins at.
var Start = time.Unix(1_700_000_000, 0)

// Clock is a manual clock. Advancing it also fast-forwards the server, so
// TTLs and Now hooks agree.
type Clock struct {
	mu sync.Mutex
	t  time.Time
	mr *miniredis.Miniredis
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	now := c.t
	c.mu.Unlock()
	c.mr.SetTime(now)
	c.mr.FastForward(d)
}

// New starts a server for the duration of t and returns a store on it with
// a clock reading Start.
func New(t testing.TB) (*store.RedisStore, *Clock) {
	t.Helper()
	return NewAt(t, Start)
}

// NewAt is New with a clock reading start.
func NewAt(t testing.TB, start time.Time) (*store.RedisStore, *Clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	mr.SetTime(start)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return store.NewRedisStore(rdb), &Clock{t: start, mr: mr}
}

// Server returns the miniredis instance behind c, for tests that need to
// inspect raw keys or inject errors.
func (c *Clock) Server() *miniredis.Miniredis { return c.mr }
