package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of a Redis server.
type RedisStore struct {
	rdb *redis.Client
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// wrap maps Redis type errors onto ErrWrongType and leaves the rest as is.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if strings.HasPrefix(err.Error(), "WRONGTYPE") {
		return fmt.Errorf("%s: %w", op, ErrWrongType)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func toArgs(members []string) []interface{} {
	out := make([]interface{}, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}

func toZ(members []Member) []redis.Z {
	out := make([]redis.Z, len(members))
	for i, m := range members {
		out[i] = redis.Z{Score: m.Score, Member: m.ID}
	}
	return out
}

func fromZ(zs []redis.Z) []Member {
	out := make([]Member, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		out = append(out, Member{ID: id, Score: z.Score})
	}
	return out
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Incr(ctx, key).Result()
	return n, wrap("incr", err)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("get", err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrap("set", s.rdb.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.rdb.Del(ctx, keys...).Result()
	return n, wrap("del", err)
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, wrap("exists", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrap("expire", s.rdb.Expire(ctx, key, ttl).Err())
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, wrap("ttl", err)
	}
	// -1 (no expiry) and -2 (missing) come back as raw negative durations.
	if d < 0 {
		return 0, false, nil
	}
	return d, true, nil
}

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	return wrap("hset", s.rdb.HSet(ctx, key, fields).Err())
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("hget", err)
	}
	return v, true, nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	return m, wrap("hgetall", err)
}

func (s *RedisStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	n, err := s.rdb.HIncrBy(ctx, key, field, delta).Result()
	return n, wrap("hincrby", err)
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return wrap("hdel", s.rdb.HDel(ctx, key, fields...).Err())
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	n, err := s.rdb.SAdd(ctx, key, toArgs(members)...).Result()
	return n, wrap("sadd", err)
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return wrap("srem", s.rdb.SRem(ctx, key, toArgs(members)...).Err())
}

func (s *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.SCard(ctx, key).Result()
	return n, wrap("scard", err)
}

func (s *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, key, member).Result()
	return ok, wrap("sismember", err)
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, members ...Member) error {
	if len(members) == 0 {
		return nil
	}
	return wrap("zadd", s.rdb.ZAdd(ctx, key, toZ(members)...).Err())
}

func (s *RedisStore) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	v, err := s.rdb.ZScore(ctx, key, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrap("zscore", err)
	}
	return v, true, nil
}

func (s *RedisStore) ZRank(ctx context.Context, key, member string) (int64, bool, error) {
	r, err := s.rdb.ZRank(ctx, key, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrap("zrank", err)
	}
	return r, true, nil
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.ZCard(ctx, key).Result()
	return n, wrap("zcard", err)
}

func (s *RedisStore) ZRange(ctx context.Context, key string, start, stop int64) ([]Member, error) {
	zs, err := s.rdb.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, wrap("zrange", err)
	}
	return fromZ(zs), nil
}

func (s *RedisStore) ZRevRange(ctx context.Context, key string, start, stop int64) ([]Member, error) {
	zs, err := s.rdb.ZRevRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, wrap("zrevrange", err)
	}
	return fromZ(zs), nil
}

func (s *RedisStore) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) (int64, error) {
	n, err := s.rdb.ZRemRangeByRank(ctx, key, start, stop).Result()
	return n, wrap("zremrangebyrank", err)
}

func (s *RedisStore) ZIncrBy(ctx context.Context, key, member string, delta float64) (float64, error) {
	v, err := s.rdb.ZIncrBy(ctx, key, delta, member).Result()
	return v, wrap("zincrby", err)
}

func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return wrap("zrem", s.rdb.ZRem(ctx, key, toArgs(members)...).Err())
}

func (s *RedisStore) ZInterStore(ctx context.Context, dest string, sources []Weighted, agg Aggregate) (int64, error) {
	if len(sources) == 0 {
		return 0, errors.New("zinterstore: no sources")
	}
	zs := &redis.ZStore{Aggregate: string(agg)}
	for _, src := range sources {
		zs.Keys = append(zs.Keys, src.Key)
		zs.Weights = append(zs.Weights, src.Weight)
	}
	n, err := s.rdb.ZInterStore(ctx, dest, zs).Result()
	return n, wrap("zinterstore", err)
}

func (s *RedisStore) Atomic(ctx context.Context, fn func(b Batch)) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fn(&redisBatch{ctx: ctx, pipe: pipe})
		return nil
	})
	return wrap("multi", err)
}

// guardAttempts bounds how often Guarded re-checks after a watched key
// changed between the check and EXEC.
const guardAttempts = 5

var errGuardFailed = errors.New("guard failed")

func (s *RedisStore) Guarded(ctx context.Context, guards []Guard, fn func(b Batch)) (bool, error) {
	keys := make([]string, 0, len(guards))
	for _, g := range guards {
		keys = append(keys, g.Key)
	}
	txf := func(tx *redis.Tx) error {
		for _, g := range guards {
			ok, err := checkGuard(ctx, tx, g)
			if err != nil {
				return err
			}
			if !ok {
				return errGuardFailed
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			fn(&redisBatch{ctx: ctx, pipe: pipe})
			return nil
		})
		return err
	}
	for i := 0; i < guardAttempts; i++ {
		err := s.rdb.Watch(ctx, txf, keys...)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, errGuardFailed):
			return false, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return false, wrap("guarded multi", err)
		}
	}
	return false, ErrConflict
}

func checkGuard(ctx context.Context, tx *redis.Tx, g Guard) (bool, error) {
	if !g.Absent {
		score, err := tx.ZScore(ctx, g.Key, g.Member).Result()
		if err == redis.Nil {
			return false, nil
		}
		if err != nil {
			return false, wrap("zscore", err)
		}
		return score == g.Score, nil
	}
	kind, err := tx.Type(ctx, g.Key).Result()
	if err != nil {
		return false, wrap("type", err)
	}
	switch kind {
	case "none":
		return true, nil
	case "set":
		in, err := tx.SIsMember(ctx, g.Key, g.Member).Result()
		return !in, wrap("sismember", err)
	case "zset":
		_, err := tx.ZScore(ctx, g.Key, g.Member).Result()
		if err == redis.Nil {
			return true, nil
		}
		return false, wrap("zscore", err)
	default:
		return false, fmt.Errorf("guard on %s: %w", g.Key, ErrWrongType)
	}
}

// redisBatch queues commands on a MULTI/EXEC pipeline.
type redisBatch struct {
	ctx  context.Context
	pipe redis.Pipeliner
}

func (b *redisBatch) Set(key, value string, ttl time.Duration) { b.pipe.Set(b.ctx, key, value, ttl) }

func (b *redisBatch) Del(keys ...string) {
	if len(keys) > 0 {
		b.pipe.Del(b.ctx, keys...)
	}
}

func (b *redisBatch) Expire(key string, ttl time.Duration) { b.pipe.Expire(b.ctx, key, ttl) }

func (b *redisBatch) HSet(key string, fields map[string]any) {
	if len(fields) > 0 {
		b.pipe.HSet(b.ctx, key, fields)
	}
}

func (b *redisBatch) HIncrBy(key, field string, delta int64) {
	b.pipe.HIncrBy(b.ctx, key, field, delta)
}

func (b *redisBatch) HDel(key string, fields ...string) {
	if len(fields) > 0 {
		b.pipe.HDel(b.ctx, key, fields...)
	}
}

func (b *redisBatch) SAdd(key string, members ...string) {
	if len(members) > 0 {
		b.pipe.SAdd(b.ctx, key, toArgs(members)...)
	}
}

func (b *redisBatch) SRem(key string, members ...string) {
	if len(members) > 0 {
		b.pipe.SRem(b.ctx, key, toArgs(members)...)
	}
}

func (b *redisBatch) ZAdd(key string, members ...Member) {
	if len(members) > 0 {
		b.pipe.ZAdd(b.ctx, key, toZ(members)...)
	}
}

func (b *redisBatch) ZIncrBy(key, member string, delta float64) {
	b.pipe.ZIncrBy(b.ctx, key, delta, member)
}

func (b *redisBatch) ZRem(key string, members ...string) {
	if len(members) > 0 {
		b.pipe.ZRem(b.ctx, key, toArgs(members)...)
	}
}

func (b *redisBatch) ZRemRangeByRank(key string, start, stop int64) {
	b.pipe.ZRemRangeByRank(b.ctx, key, start, stop)
}

// evictScript drops members of KEYS[1] whose score is still <= ARGV[1].
// ARGV[2] is "1" when KEYS[2] is a hash that loses the member's field.
// The rest of ARGV is (member, number of dependent keys) pairs; the
// dependent keys follow in KEYS in the same order.
var evictScript = redis.NewScript(`
local max = tonumber(ARGV[1])
local removed = {}
local k = 2
local i = 3
while i <= #ARGV do
  local member = ARGV[i]
  local n = tonumber(ARGV[i + 1])
  local score = redis.call('ZSCORE', KEYS[1], member)
  if score and tonumber(score) <= max then
    for j = 1, n do
      redis.call('DEL', KEYS[k + j])
    end
    if ARGV[2] == '1' then
      redis.call('HDEL', KEYS[2], member)
    end
    redis.call('ZREM', KEYS[1], member)
    removed[#removed + 1] = member
  end
  k = k + n
  i = i + 2
end
return removed
`)

func (s *RedisStore) Evict(ctx context.Context, e Eviction) ([]string, error) {
	if len(e.Members) == 0 {
		return nil, nil
	}
	hash, hasHash := e.Hash, "1"
	if hash == "" {
		hash, hasHash = e.Index, "0"
	}
	keys := []string{e.Index, hash}
	args := []interface{}{strconv.FormatFloat(e.MaxScore, 'g', -1, 64), hasHash}
	for _, m := range e.Members {
		var deps []string
		if e.Keys != nil {
			deps = e.Keys(m)
		}
		keys = append(keys, deps...)
		args = append(args, m, len(deps))
	}
	removed, err := evictScript.Run(ctx, s.rdb, keys, args...).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("evict", err)
	}
	return removed, nil
}
