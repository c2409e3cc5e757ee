// Package vote ranks posted articles by a time-decaying vote score.
//
// Every article lives in two scored indexes: "time:" scored by its posting
// time and "score:" scored by posting time plus VoteScore per vote. Because
// the score is anchored to the posting time, newer articles need fewer votes
// to outrank older ones. A per-article voter set enforces one vote per user.
package vote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"scorekeeper/internal/config"
	"scorekeeper/internal/metrics"
	"scorekeeper/internal/store"
)

var (
	ErrNotFound     = errors.New("vote: article not found")
	ErrInvalidPage  = errors.New("vote: page must be >= 1")
	ErrInvalidOrder = errors.New("vote: unknown order")
	ErrEmptyGroup   = errors.New("vote: group name is empty")
)

// Order names the index a listing is sorted by.
type Order string

const (
	ByTime  Order = "time:"
	ByScore Order = "score:"
)

// ParseOrder accepts "time" or "score".
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(strings.TrimSuffix(strings.TrimSpace(s), ":")) {
	case "time":
		return ByTime, nil
	case "score", "":
		return ByScore, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOrder, s)
}

const articleCounter = "article:"

func articleKey(id string) string { return "article:" + id }
func votedKey(id string) string   { return "voted:" + id }
func groupKey(g string) string    { return "group:" + g }

func articleID(member string) string { return strings.TrimPrefix(member, "article:") }

// Article is the hash stored under article:<id>.
type Article struct {
	ID        string
	Title     string
	Link      string
	Poster    string
	CreatedAt time.Time
	Votes     int64
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(f float64) time.Time {
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9))
}

func parseArticle(id string, h map[string]string) Article {
	a := Article{
		ID:     id,
		Title:  h["title"],
		Link:   h["link"],
		Poster: h["poster"],
	}
	if ts, err := strconv.ParseFloat(h["time"], 64); err == nil {
		a.CreatedAt = fromUnixSeconds(ts)
	}
	a.Votes, _ = strconv.ParseInt(h["votes"], 10, 64)
	return a
}

// Ranking publishes, votes on and lists articles.
type Ranking struct {
	Store         store.Store
	Window        time.Duration // votes are accepted this long after posting
	VoteScore     float64
	PageSize      int
	GroupCacheTTL time.Duration
	Now           func() time.Time
	Metrics       metrics.Recorder
}

// New builds a Ranking from configuration.
func New(s store.Store, cfg config.VotingConfig, rec metrics.Recorder) *Ranking {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Ranking{
		Store:         s,
		Window:        cfg.Window,
		VoteScore:     cfg.VoteScore,
		PageSize:      cfg.PageSize,
		GroupCacheTTL: cfg.GroupCacheTTL,
		Now:           time.Now,
		Metrics:       rec,
	}
}

// PublishItem stores a new article, counts the poster's own vote and
// returns the new article id.
func (r *Ranking) PublishItem(ctx context.Context, user, title, link string) (string, error) {
	n, err := r.Store.Incr(ctx, articleCounter)
	if err != nil {
		return "", fmt.Errorf("allocate article id: %w", err)
	}
	id := strconv.FormatInt(n, 10)
	member := articleKey(id)
	now := unixSeconds(r.Now())

	err = r.Store.Atomic(ctx, func(b store.Batch) {
		b.SAdd(votedKey(id), user)
		b.Expire(votedKey(id), r.Window)
		b.HSet(member, map[string]any{
			"title":  title,
			"link":   link,
			"poster": user,
			"time":   now,
			"votes":  1,
		})
		b.ZAdd(string(ByScore), store.Member{ID: member, Score: now + r.VoteScore})
		b.ZAdd(string(ByTime), store.Member{ID: member, Score: now})
	})
	if err != nil {
		return "", fmt.Errorf("publish article %s: %w", id, err)
	}
	return id, nil
}

// SubmitVote records user's vote on article id. It reports whether the vote
// changed the ranking; votes on unknown articles, on articles past the
// voting window and repeat votes are ignored without error.
//
// The posting time in "time:" decides the window. The voter set's expiry
// is derived from it whenever the set is written.
func (r *Ranking) SubmitVote(ctx context.Context, user, id string) (bool, error) {
	member := articleKey(id)
	posted, ok, err := r.Store.ZScore(ctx, string(ByTime), member)
	if err != nil {
		return false, fmt.Errorf("read posting time of %s: %w", id, err)
	}
	now := r.Now()
	closesAt := fromUnixSeconds(posted).Add(r.Window)
	if !ok || !now.Before(closesAt) {
		r.Metrics.RecordVote(false)
		return false, nil
	}

	// Recording the voter and counting the vote land together or not at all,
	// so a failed write leaves the user free to vote again.
	counted, err := r.Store.Guarded(ctx, []store.Guard{store.NotMember(votedKey(id), user)}, func(b store.Batch) {
		b.SAdd(votedKey(id), user)
		b.Expire(votedKey(id), closesAt.Sub(now))
		b.ZIncrBy(string(ByScore), member, r.VoteScore)
		b.HIncrBy(member, "votes", 1)
	})
	if err != nil {
		return false, fmt.Errorf("count vote on %s: %w", id, err)
	}
	if !counted {
		r.Metrics.RecordVote(false)
		return false, nil
	}
	r.Metrics.RecordVote(true)
	return true, nil
}

// GetItem loads one article.
func (r *Ranking) GetItem(ctx context.Context, id string) (Article, error) {
	h, err := r.Store.HGetAll(ctx, articleKey(id))
	if err != nil {
		return Article{}, err
	}
	if len(h) == 0 {
		return Article{}, ErrNotFound
	}
	return parseArticle(id, h), nil
}

// ListItems returns one page (1-based) of articles, best first. Pages past
// the end are empty.
func (r *Ranking) ListItems(ctx context.Context, page int, order Order) ([]Article, error) {
	if order != ByTime && order != ByScore {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOrder, order)
	}
	return r.listFrom(ctx, string(order), page)
}

func (r *Ranking) listFrom(ctx context.Context, index string, page int) ([]Article, error) {
	if page < 1 {
		return nil, ErrInvalidPage
	}
	start := int64(page-1) * int64(r.PageSize)
	end := start + int64(r.PageSize) - 1

	members, err := r.Store.ZRevRange(ctx, index, start, end)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", index, err)
	}
	out := make([]Article, 0, len(members))
	for _, m := range members {
		h, err := r.Store.HGetAll(ctx, m.ID)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", m.ID, err)
		}
		if len(h) == 0 {
			continue // removed after being indexed
		}
		out = append(out, parseArticle(articleID(m.ID), h))
	}
	return out, nil
}

// SetGroups adds article id to the groups in add and removes it from the
// groups in remove.
func (r *Ranking) SetGroups(ctx context.Context, id string, add, remove []string) error {
	for _, g := range append(append([]string(nil), add...), remove...) {
		if g == "" {
			return ErrEmptyGroup
		}
	}
	member := articleKey(id)
	return r.Store.Atomic(ctx, func(b store.Batch) {
		for _, g := range add {
			b.SAdd(groupKey(g), member)
		}
		for _, g := range remove {
			b.SRem(groupKey(g), member)
		}
	})
}

// ListGroupItems is ListItems restricted to one group. The group's ranking
// is materialised under "<order><group>" and reused until GroupCacheTTL
// elapses. An empty group name would alias the global index and is
// rejected.
func (r *Ranking) ListGroupItems(ctx context.Context, group string, page int, order Order) ([]Article, error) {
	if order != ByTime && order != ByScore {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOrder, order)
	}
	if group == "" {
		return nil, ErrEmptyGroup
	}
	key := string(order) + group
	ok, err := r.Store.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		_, err := r.Store.ZInterStore(ctx, key, []store.Weighted{
			{Key: groupKey(group), Weight: 1},
			{Key: string(order), Weight: 1},
		}, store.AggregateMax)
		if err != nil {
			return nil, fmt.Errorf("rank group %s: %w", group, err)
		}
		if err := r.Store.Expire(ctx, key, r.GroupCacheTTL); err != nil {
			return nil, err
		}
	}
	return r.listFrom(ctx, key, page)
}
