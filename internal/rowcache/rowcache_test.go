package rowcache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"scorekeeper/internal/config"
	"scorekeeper/internal/store"
	"scorekeeper/internal/store/storetest"
)

// mapSource serves rows from memory and counts reads.
type mapSource struct {
	rows  map[string]map[string]any
	reads map[string]int
	err   error
}

func (m *mapSource) Row(_ context.Context, id string) (map[string]any, error) {
	if m.reads == nil {
		m.reads = map[string]int{}
	}
	m.reads[id]++
	if m.err != nil {
		return nil, m.err
	}
	row, ok := m.rows[id]
	if !ok {
		return nil, ErrRowNotFound
	}
	return row, nil
}

func newCache(t *testing.T, src Source) (*Cache, *store.RedisStore, *storetest.Clock) {
	t.Helper()
	s, clock := storetest.New(t)
	c := New(s, src, config.RowCacheConfig{}, nil)
	c.Now = clock.Now
	return c, s, clock
}

func TestScheduledRowRefreshesEveryPeriod(t *testing.T) {
	ctx := context.Background()
	src := &mapSource{rows: map[string]map[string]any{"273": {"qty": 629, "name": "GTab 7inch"}}}
	c, _, clock := newCache(t, src)

	if err := c.Schedule(ctx, "273", 5*time.Second); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	out, err := c.RefreshNext(ctx)
	if err != nil || out != Refreshed {
		t.Fatalf("first pass = %v,%v want refreshed", out, err)
	}
	row, ok, err := c.Row(ctx, "273")
	if err != nil || !ok {
		t.Fatalf("Row = %v,%v", ok, err)
	}
	if row["name"] != "GTab 7inch" || row["qty"] != float64(629) {
		t.Errorf("cached row = %v", row)
	}

	// Not due again until the period has passed.
	clock.Advance(4 * time.Second)
	if out, _ := c.RefreshNext(ctx); out != Idle {
		t.Errorf("pass before due = %v, want idle", out)
	}
	_, due, ok, _ := c.NextDue(ctx)
	if !ok || !due.Equal(time.Unix(1_700_000_005, 0)) {
		t.Errorf("next due = %v, want t0+5s", due)
	}
	clock.Advance(time.Second)
	if out, _ := c.RefreshNext(ctx); out != Refreshed {
		t.Errorf("pass when due = %v, want refreshed", out)
	}
	if src.reads["273"] != 2 {
		t.Errorf("source reads = %d, want 2", src.reads["273"])
	}
}

func TestNonPositiveDelayPurgesRow(t *testing.T) {
	ctx := context.Background()
	src := &mapSource{rows: map[string]map[string]any{"1": {"a": "b"}}}
	c, s, _ := newCache(t, src)

	_ = c.Schedule(ctx, "1", time.Minute)
	_, _ = c.RefreshNext(ctx)
	if _, ok, _ := c.Row(ctx, "1"); !ok {
		t.Fatalf("row not cached")
	}

	_ = c.Schedule(ctx, "1", 0)
	out, err := c.RefreshNext(ctx)
	if err != nil || out != Purged {
		t.Fatalf("pass after unschedule = %v,%v want purged", out, err)
	}
	if _, ok, _ := c.Row(ctx, "1"); ok {
		t.Errorf("cached row survived purge")
	}
	for _, key := range []string{"schedule:", "delay:"} {
		if _, ok, _ := s.ZScore(ctx, key, "1"); ok {
			t.Errorf("row still in %s", key)
		}
	}
	if out, _ := c.RefreshNext(ctx); out != Idle {
		t.Errorf("purged row came back: %v", out)
	}
	if src.reads["1"] != 1 {
		t.Errorf("source reads = %d, want 1", src.reads["1"])
	}
}

func TestRowMissingFromSourceIsPurged(t *testing.T) {
	ctx := context.Background()
	c, s, _ := newCache(t, &mapSource{})
	_ = c.Schedule(ctx, "ghost", time.Second)
	if out, _ := c.RefreshNext(ctx); out != Purged {
		t.Errorf("outcome = %v, want purged", out)
	}
	if n, _ := s.ZCard(ctx, "delay:"); n != 0 {
		t.Errorf("delay index not cleared")
	}
}

func TestSourceFailureReschedules(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("db down")
	c, s, _ := newCache(t, &mapSource{err: boom})
	_ = c.Schedule(ctx, "1", 10*time.Second)

	if _, err := c.RefreshNext(ctx); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want source error", err)
	}
	due, ok, _ := s.ZScore(ctx, "schedule:", "1")
	if !ok || due != 1_700_000_010 {
		t.Errorf("rescheduled at %v, want t0+10", due)
	}
}

// rescheduleOnDelayRead runs reschedule right after the first read of a
// row's period, between that read and the refresher's write.
type rescheduleOnDelayRead struct {
	*store.RedisStore
	reschedule func()
}

func (r *rescheduleOnDelayRead) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	score, ok, err := r.RedisStore.ZScore(ctx, key, member)
	if key == "delay:" && r.reschedule != nil {
		fn := r.reschedule
		r.reschedule = nil
		fn()
	}
	return score, ok, err
}

func TestUnscheduleDuringRefreshPurgesOnNextPass(t *testing.T) {
	ctx := context.Background()
	src := &mapSource{rows: map[string]map[string]any{"1": {"a": "b"}}}
	c, s, clock := newCache(t, src)
	_ = c.Schedule(ctx, "1", time.Hour)
	if out, _ := c.RefreshNext(ctx); out != Refreshed {
		t.Fatalf("first pass = %v, want refreshed", out)
	}
	clock.Advance(time.Hour)

	racy := &rescheduleOnDelayRead{RedisStore: s}
	racy.reschedule = func() {
		if err := c.Schedule(ctx, "1", 0); err != nil {
			t.Errorf("Schedule: %v", err)
		}
	}
	c.Store = racy

	out, err := c.RefreshNext(ctx)
	if err != nil || out != Idle {
		t.Fatalf("pass racing the unschedule = %v,%v want idle", out, err)
	}
	if due, _, _ := s.ZScore(ctx, "schedule:", "1"); due != float64(clock.Now().Unix()) {
		t.Errorf("due = %v, want now %v", due, clock.Now().Unix())
	}

	out, err = c.RefreshNext(ctx)
	if err != nil || out != Purged {
		t.Fatalf("next pass = %v,%v want purged", out, err)
	}
	if _, ok, _ := c.Row(ctx, "1"); ok {
		t.Errorf("row still cached after unschedule")
	}
}

func TestRescheduleDuringRefreshStaysDueNow(t *testing.T) {
	ctx := context.Background()
	src := &mapSource{rows: map[string]map[string]any{"1": {"a": "b"}}}
	c, s, clock := newCache(t, src)
	_ = c.Schedule(ctx, "1", time.Hour)
	_, _ = c.RefreshNext(ctx)
	clock.Advance(time.Hour)

	racy := &rescheduleOnDelayRead{RedisStore: s}
	racy.reschedule = func() { _ = c.Schedule(ctx, "1", time.Minute) }
	c.Store = racy

	if out, err := c.RefreshNext(ctx); err != nil || out != Idle {
		t.Fatalf("pass racing the reschedule = %v,%v want idle", out, err)
	}
	if out, err := c.RefreshNext(ctx); err != nil || out != Refreshed {
		t.Fatalf("next pass = %v,%v want refreshed", out, err)
	}
	due, _, _ := s.ZScore(ctx, "schedule:", "1")
	if want := float64(clock.Now().Add(time.Minute).Unix()); due != want {
		t.Errorf("due = %v, want %v under the new period", due, want)
	}
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rows.yaml")
	body := "\"273\":\n  qty: 629\n  name: GTab 7inch\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	src := FileSource{Path: path}
	row, err := src.Row(context.Background(), "273")
	if err != nil {
		t.Fatalf("Row: %v", err)
	}
	if row["qty"] != 629 || row["name"] != "GTab 7inch" {
		t.Errorf("row = %v", row)
	}
	if _, err := src.Row(context.Background(), "1"); !errors.Is(err, ErrRowNotFound) {
		t.Errorf("missing row err = %v", err)
	}
}
