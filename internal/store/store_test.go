package store

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newStore starts a miniredis for t and returns a store on it plus a way to
// move the server clock forward.
func newStore(t *testing.T) (*RedisStore, func(time.Duration)) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb), mr.FastForward
}

func ids(ms []Member) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func TestScoredIndexOrdering(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	err := s.ZAdd(ctx, "z", Member{"c", 2}, Member{"a", 1}, Member{"b", 1}, Member{"d", 3})
	if err != nil {
		t.Fatalf("zadd: %v", err)
	}

	asc, err := s.ZRange(ctx, "z", 0, -1)
	if err != nil {
		t.Fatalf("zrange: %v", err)
	}
	if got, want := ids(asc), []string{"a", "b", "c", "d"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ascending = %v, want %v", got, want)
	}

	desc, err := s.ZRevRange(ctx, "z", 0, 1)
	if err != nil {
		t.Fatalf("zrevrange: %v", err)
	}
	if got, want := ids(desc), []string{"d", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("descending = %v, want %v", got, want)
	}

	tail, _ := s.ZRange(ctx, "z", -2, -1)
	if got, want := ids(tail), []string{"c", "d"}; !reflect.DeepEqual(got, want) {
		t.Errorf("negative ranks = %v, want %v", got, want)
	}

	past, _ := s.ZRange(ctx, "z", 10, 20)
	if len(past) != 0 {
		t.Errorf("range past end = %v, want empty", past)
	}

	// Overwrite moves the member.
	_ = s.ZAdd(ctx, "z", Member{"a", 10})
	r, ok, _ := s.ZRank(ctx, "z", "a")
	if !ok || r != 3 {
		t.Errorf("rank(a) = %d,%v want 3,true", r, ok)
	}
	if _, ok, _ := s.ZRank(ctx, "z", "missing"); ok {
		t.Errorf("rank of missing member reported present")
	}
}

func TestScoredIndexIncrementAndRemove(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	v, err := s.ZIncrBy(ctx, "z", "x", -1)
	if err != nil || v != -1 {
		t.Fatalf("zincrby new member = %v,%v want -1", v, err)
	}
	v, _ = s.ZIncrBy(ctx, "z", "x", -2)
	if v != -3 {
		t.Errorf("zincrby = %v, want -3", v)
	}
	if sc, ok, _ := s.ZScore(ctx, "z", "x"); !ok || sc != -3 {
		t.Errorf("zscore = %v,%v want -3,true", sc, ok)
	}
	if _, ok, _ := s.ZScore(ctx, "nope", "x"); ok {
		t.Errorf("zscore on missing key reported present")
	}

	for i, id := range []string{"a", "b", "c", "d", "e"} {
		_ = s.ZAdd(ctx, "r", Member{id, float64(i)})
	}
	n, err := s.ZRemRangeByRank(ctx, "r", 0, -3)
	if err != nil || n != 3 {
		t.Fatalf("zremrangebyrank = %d,%v want 3", n, err)
	}
	rest, _ := s.ZRange(ctx, "r", 0, -1)
	if got, want := ids(rest), []string{"d", "e"}; !reflect.DeepEqual(got, want) {
		t.Errorf("after trim = %v, want %v", got, want)
	}

	_ = s.ZRem(ctx, "r", "d", "e")
	if n, _ := s.ZCard(ctx, "r"); n != 0 {
		t.Errorf("zcard after removing all = %d", n)
	}
	if ok, _ := s.Exists(ctx, "r"); ok {
		t.Errorf("empty index should not exist")
	}
}

func TestZInterStoreWeightsAndAggregate(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	_ = s.ZAdd(ctx, "a", Member{"x", 1}, Member{"y", 4}, Member{"only-a", 9})
	_ = s.ZAdd(ctx, "b", Member{"x", 3}, Member{"y", 1})

	n, err := s.ZInterStore(ctx, "out", []Weighted{{"a", 1}, {"b", 2}}, AggregateMax)
	if err != nil || n != 2 {
		t.Fatalf("zinterstore = %d,%v want 2", n, err)
	}
	x, _, _ := s.ZScore(ctx, "out", "x")
	y, _, _ := s.ZScore(ctx, "out", "y")
	if x != 6 || y != 4 {
		t.Errorf("max aggregate: x=%v y=%v, want 6 and 4", x, y)
	}

	_, _ = s.ZInterStore(ctx, "sum", []Weighted{{"a", 1}, {"b", 1}}, AggregateSum)
	if v, _, _ := s.ZScore(ctx, "sum", "y"); v != 5 {
		t.Errorf("sum aggregate y = %v, want 5", v)
	}

	// In place rescale.
	_, err = s.ZInterStore(ctx, "a", []Weighted{{"a", 0.5}}, AggregateSum)
	if err != nil {
		t.Fatalf("self intersect: %v", err)
	}
	if v, _, _ := s.ZScore(ctx, "a", "only-a"); v != 4.5 {
		t.Errorf("halved only-a = %v, want 4.5", v)
	}
}

func TestZInterStoreWithPlainSet(t *testing.T) {
	// Group rankings intersect a plain set of members with a scored index.
	s, _ := newStore(t)
	ctx := context.Background()
	_, _ = s.SAdd(ctx, "group", "x", "z")
	_ = s.ZAdd(ctx, "rank", Member{"x", 100}, Member{"y", 50})

	n, err := s.ZInterStore(ctx, "out", []Weighted{{"group", 1}, {"rank", 1}}, AggregateMax)
	if err != nil || n != 1 {
		t.Fatalf("zinterstore = %d,%v want 1", n, err)
	}
	if v, ok, _ := s.ZScore(ctx, "out", "x"); !ok || v != 100 {
		t.Errorf("x = %v,%v want 100", v, ok)
	}
}

func TestExpiry(t *testing.T) {
	s, advance := newStore(t)
	ctx := context.Background()
	if err := s.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	_, _ = s.SAdd(ctx, "set", "u1")
	_ = s.Expire(ctx, "set", 2*time.Minute)

	if d, ok, _ := s.TTL(ctx, "set"); !ok || d <= time.Minute {
		t.Errorf("ttl = %v,%v want > 1m", d, ok)
	}
	advance(90 * time.Second)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Errorf("key survived its ttl")
	}
	if ok, _ := s.SIsMember(ctx, "set", "u1"); !ok {
		t.Errorf("set expired too early")
	}
	advance(time.Minute)
	if n, _ := s.SCard(ctx, "set"); n != 0 {
		t.Errorf("set survived its ttl")
	}
}

func TestHashSetAndCounter(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	if n, _ := s.Incr(ctx, "ctr"); n != 1 {
		t.Errorf("first incr = %d", n)
	}
	if n, _ := s.Incr(ctx, "ctr"); n != 2 {
		t.Errorf("second incr = %d", n)
	}

	err := s.HSet(ctx, "h", map[string]any{"title": "X", "votes": 1, "time": 1.5})
	if err != nil {
		t.Fatalf("hset: %v", err)
	}
	if n, _ := s.HIncrBy(ctx, "h", "votes", 1); n != 2 {
		t.Errorf("hincrby = %d, want 2", n)
	}
	all, _ := s.HGetAll(ctx, "h")
	want := map[string]string{"title": "X", "votes": "2", "time": "1.5"}
	if !reflect.DeepEqual(all, want) {
		t.Errorf("hgetall = %v, want %v", all, want)
	}
	_ = s.HDel(ctx, "h", "title")
	if _, ok, _ := s.HGet(ctx, "h", "title"); ok {
		t.Errorf("field survived hdel")
	}

	if n, _ := s.SAdd(ctx, "s", "a", "b"); n != 2 {
		t.Errorf("sadd new = %d", n)
	}
	if n, _ := s.SAdd(ctx, "s", "a"); n != 0 {
		t.Errorf("sadd existing = %d, want 0", n)
	}

	if err := s.ZAdd(ctx, "s", Member{"a", 1}); !errors.Is(err, ErrWrongType) {
		t.Errorf("zadd on a set: err = %v, want ErrWrongType", err)
	}
}

func TestAtomicBatch(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	err := s.Atomic(ctx, func(b Batch) {
		b.HSet("login:", map[string]any{"tok": "u1"})
		b.ZAdd("recent:", Member{"tok", 10})
		b.ZIncrBy("viewed:", "item", -1)
		b.Set("row", "{}", 0)
		b.SAdd("voted", "u1")
		b.Expire("voted", time.Hour)
	})
	if err != nil {
		t.Fatalf("atomic: %v", err)
	}
	if v, _, _ := s.HGet(ctx, "login:", "tok"); v != "u1" {
		t.Errorf("login = %q", v)
	}
	if v, _, _ := s.ZScore(ctx, "viewed:", "item"); v != -1 {
		t.Errorf("viewed = %v", v)
	}
	if _, ok, _ := s.TTL(ctx, "voted"); !ok {
		t.Errorf("expire in batch not applied")
	}
}

func TestEvictSkipsMembersThatMoved(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	_ = s.ZAdd(ctx, "recent:", Member{"old", 1}, Member{"moved", 50}, Member{"new", 100})
	_ = s.HSet(ctx, "login:", map[string]any{"old": "u1", "moved": "u2", "new": "u3"})
	_ = s.Set(ctx, "cart:old", "x", 0)
	_ = s.Set(ctx, "cart:moved", "x", 0)

	removed, err := s.Evict(ctx, Eviction{
		Index:    "recent:",
		Members:  []string{"old", "moved", "gone"},
		MaxScore: 2,
		Hash:     "login:",
		Keys:     func(m string) []string { return []string{"cart:" + m, "viewed:" + m} },
	})
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	sort.Strings(removed)
	if !reflect.DeepEqual(removed, []string{"old"}) {
		t.Errorf("removed = %v, want [old]", removed)
	}
	if ok, _ := s.Exists(ctx, "cart:old"); ok {
		t.Errorf("dependent key of evicted member survived")
	}
	if ok, _ := s.Exists(ctx, "cart:moved"); !ok {
		t.Errorf("dependent key of moved member was deleted")
	}
	if _, ok, _ := s.HGet(ctx, "login:", "moved"); !ok {
		t.Errorf("login of moved member was deleted")
	}
	if n, _ := s.ZCard(ctx, "recent:"); n != 2 {
		t.Errorf("recent size = %d, want 2", n)
	}
}

func TestGuardedAppliesWhileScoresHold(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	_ = s.ZAdd(ctx, "schedule:", Member{"r1", 100})
	_ = s.ZAdd(ctx, "delay:", Member{"r1", 5})

	guards := []Guard{ScoreIs("schedule:", "r1", 100), ScoreIs("delay:", "r1", 5)}
	ok, err := s.Guarded(ctx, guards, func(b Batch) {
		b.ZAdd("schedule:", Member{"r1", 105})
		b.Set("inv:r1", "{}", 0)
	})
	if err != nil || !ok {
		t.Fatalf("guarded = %v,%v want applied", ok, err)
	}
	if v, _, _ := s.ZScore(ctx, "schedule:", "r1"); v != 105 {
		t.Errorf("schedule = %v, want 105", v)
	}

	// The delay changed since it was read: nothing is written.
	_ = s.ZAdd(ctx, "delay:", Member{"r1", 0})
	ok, err = s.Guarded(ctx, []Guard{ScoreIs("schedule:", "r1", 105), ScoreIs("delay:", "r1", 5)}, func(b Batch) {
		b.ZAdd("schedule:", Member{"r1", 110})
		b.Del("inv:r1")
	})
	if err != nil || ok {
		t.Fatalf("guarded with stale delay = %v,%v want not applied", ok, err)
	}
	if v, _, _ := s.ZScore(ctx, "schedule:", "r1"); v != 105 {
		t.Errorf("schedule moved to %v by a failed guard", v)
	}
	if ok, _ := s.Exists(ctx, "inv:r1"); !ok {
		t.Errorf("row deleted by a failed guard")
	}

	// A member that disappeared fails its score guard.
	_ = s.ZRem(ctx, "schedule:", "r1")
	ok, _ = s.Guarded(ctx, []Guard{ScoreIs("schedule:", "r1", 105)}, func(b Batch) {
		b.ZAdd("schedule:", Member{"r1", 1})
	})
	if ok {
		t.Errorf("guard on a removed member held")
	}
}

func TestGuardedNotMember(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	add := func() (bool, error) {
		return s.Guarded(ctx, []Guard{NotMember("voted:1", "u1")}, func(b Batch) {
			b.SAdd("voted:1", "u1")
			b.HIncrBy("article:1", "votes", 1)
		})
	}

	if ok, err := add(); err != nil || !ok {
		t.Fatalf("first add = %v,%v want applied", ok, err)
	}
	if ok, err := add(); err != nil || ok {
		t.Fatalf("second add = %v,%v want refused", ok, err)
	}
	if v, _, _ := s.HGet(ctx, "article:1", "votes"); v != "1" {
		t.Errorf("votes = %q, want 1", v)
	}

	_ = s.ZAdd(ctx, "z", Member{"u1", 1})
	if ok, _ := s.Guarded(ctx, []Guard{NotMember("z", "u1")}, func(Batch) {}); ok {
		t.Errorf("absent guard held for a scored member")
	}
	_ = s.Set(ctx, "str", "x", 0)
	if _, err := s.Guarded(ctx, []Guard{NotMember("str", "u1")}, func(Batch) {}); !errors.Is(err, ErrWrongType) {
		t.Errorf("guard on a string: err = %v, want ErrWrongType", err)
	}
}
