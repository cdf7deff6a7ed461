package telemetry_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mholetzko/permetix/internal/domain"
	"github.com/mholetzko/permetix/internal/telemetry"
)

// fakeClock lets tests drive retention without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func borrowEvent(clock *fakeClock, tool, user string, overage bool) domain.Event {
	return domain.Event{
		Kind:      domain.EventBorrow,
		Tool:      tool,
		User:      user,
		Timestamp: clock.Now(),
		IsOverage: overage,
	}
}

func TestBuffer_RetentionPruning(t *testing.T) {
	clock := newFakeClock()
	buf := telemetry.NewBufferWithClock(6*time.Hour, 0, clock.Now)

	buf.Record(borrowEvent(clock, "multi", "a", false))
	clock.Advance(3 * time.Hour)
	buf.Record(borrowEvent(clock, "multi", "b", false))

	if got := buf.TotalEvents(); got != 2 {
		t.Fatalf("expected 2 buffered events, got %d", got)
	}

	// Another 3.5h pushes the first event past the window; the next
	// record prunes it.
	clock.Advance(3*time.Hour + 30*time.Minute)
	buf.Record(borrowEvent(clock, "multi", "c", false))

	if got := buf.TotalEvents(); got != 2 {
		t.Errorf("expected expired event pruned, have %d events", got)
	}

	series := buf.SeriesFor("multi")
	if len(series) != 2 {
		t.Errorf("expected 2 retained minute buckets, got %d", len(series))
	}
}

func TestBuffer_PruneWhileIdle(t *testing.T) {
	clock := newFakeClock()
	buf := telemetry.NewBufferWithClock(time.Hour, 0, clock.Now)

	buf.Record(borrowEvent(clock, "se", "a", false))
	clock.Advance(2 * time.Hour)

	// No traffic since; the janitor's explicit prune does the trim.
	buf.Prune()
	if got := buf.TotalEvents(); got != 0 {
		t.Errorf("expected empty buffer after idle prune, got %d", got)
	}
	if got := len(buf.SeriesFor("se")); got != 0 {
		t.Errorf("expected empty series after idle prune, got %d buckets", got)
	}
}

func TestBuffer_HardCap(t *testing.T) {
	clock := newFakeClock()
	buf := telemetry.NewBufferWithClock(6*time.Hour, 100, clock.Now)

	for i := 0; i < 250; i++ {
		buf.Record(domain.Event{
			Kind:      domain.EventReturn,
			Tool:      "multi",
			User:      fmt.Sprintf("user-%d", i),
			Timestamp: clock.Now(),
		})
	}

	recent := buf.Recent(domain.EventReturn, time.Time{})
	if len(recent) != 100 {
		t.Fatalf("expected cap of 100, got %d", len(recent))
	}
	// Oldest entries were dropped regardless of age.
	if recent[0].User != "user-150" {
		t.Errorf("expected oldest survivor user-150, got %s", recent[0].User)
	}
	if buf.Dropped() != 150 {
		t.Errorf("expected 150 dropped, got %d", buf.Dropped())
	}
}

func TestBuffer_CapIsPerCategory(t *testing.T) {
	clock := newFakeClock()
	buf := telemetry.NewBufferWithClock(6*time.Hour, 10, clock.Now)

	for i := 0; i < 10; i++ {
		buf.Record(borrowEvent(clock, "multi", "a", false))
		buf.Record(domain.Event{Kind: domain.EventReturn, Tool: "multi", Timestamp: clock.Now()})
	}
	if got := buf.TotalEvents(); got != 20 {
		t.Errorf("categories should cap independently, got %d total", got)
	}
}

func TestBuffer_RecentOrderingAndFilter(t *testing.T) {
	clock := newFakeClock()
	buf := telemetry.NewBufferWithClock(6*time.Hour, 0, clock.Now)

	buf.Record(borrowEvent(clock, "multi", "early", false))
	clock.Advance(10 * time.Minute)
	cut := clock.Now()
	buf.Record(borrowEvent(clock, "multi", "mid", false))
	clock.Advance(time.Minute)
	buf.Record(borrowEvent(clock, "multi", "late", true))

	recent := buf.Recent(domain.EventBorrow, cut)
	if len(recent) != 2 {
		t.Fatalf("expected 2 events since cutoff, got %d", len(recent))
	}
	if recent[0].User != "mid" || recent[1].User != "late" {
		t.Errorf("events out of order: %s, %s", recent[0].User, recent[1].User)
	}
}

func TestBuffer_MinuteBuckets(t *testing.T) {
	clock := newFakeClock()
	buf := telemetry.NewBufferWithClock(6*time.Hour, 0, clock.Now)

	buf.Record(borrowEvent(clock, "multi", "alex", false))
	clock.Advance(20 * time.Second)
	buf.Record(borrowEvent(clock, "multi", "blake", true))
	clock.Advance(20 * time.Second)
	buf.Record(borrowEvent(clock, "multi", "alex", false))
	clock.Advance(time.Minute)
	buf.Record(borrowEvent(clock, "multi", "casey", false))

	series := buf.SeriesFor("multi")
	if len(series) != 2 {
		t.Fatalf("expected 2 minute buckets, got %d", len(series))
	}

	first := series[0]
	if first.Count != 3 || first.OverageCount != 1 {
		t.Errorf("first bucket: expected count=3 overage=1, got %d/%d", first.Count, first.OverageCount)
	}
	if len(first.Users) != 2 {
		t.Errorf("expected 2 distinct users, got %v", first.Users)
	}
	if first.Users[0] != "alex" || first.Users[1] != "blake" {
		t.Errorf("users not sorted: %v", first.Users)
	}
	if second := series[1]; second.Count != 1 || second.Users[0] != "casey" {
		t.Errorf("second bucket wrong: %+v", second)
	}
}

func TestBuffer_SeriesIsolatedPerTool(t *testing.T) {
	clock := newFakeClock()
	buf := telemetry.NewBufferWithClock(6*time.Hour, 0, clock.Now)

	buf.Record(borrowEvent(clock, "multi", "a", false))
	buf.Record(borrowEvent(clock, "se", "b", false))

	all := buf.Series()
	if len(all) != 2 {
		t.Fatalf("expected series for 2 tools, got %d", len(all))
	}
	if len(all["multi"]) != 1 || all["multi"][0].Count != 1 {
		t.Errorf("multi series wrong: %+v", all["multi"])
	}
}

func TestRates(t *testing.T) {
	clock := newFakeClock()
	buf := telemetry.NewBufferWithClock(6*time.Hour, 0, clock.Now)

	t.Run("empty window returns zero", func(t *testing.T) {
		if got := buf.RatePerMinute(domain.EventBorrow, time.Minute); got != 0 {
			t.Errorf("expected rate 0, got %v", got)
		}
		if got := buf.OveragePercent(time.Minute); got != 0 {
			t.Errorf("expected overage percent 0, got %v", got)
		}
	})

	t.Run("per-minute rate over the window", func(t *testing.T) {
		for i := 0; i < 6; i++ {
			buf.Record(borrowEvent(clock, "multi", "u", i%3 == 0))
			clock.Advance(10 * time.Second)
		}
		// 6 borrows in the last minute, 2 of them overage.
		if got := buf.RatePerMinute(domain.EventBorrow, time.Minute); got != 6 {
			t.Errorf("expected borrow rate 6/min, got %v", got)
		}
		got := buf.OveragePercent(time.Minute)
		want := 100.0 / 3
		if diff := got - want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("expected overage percent %.4f, got %.4f", want, got)
		}
	})

	t.Run("wider window scales to per-minute", func(t *testing.T) {
		clock.Advance(4 * time.Minute)
		// 6 events total inside the last 5 minutes.
		if got := buf.RatePerMinute(domain.EventBorrow, 5*time.Minute); got != 6.0/5 {
			t.Errorf("expected rate 1.2/min, got %v", got)
		}
	})

	t.Run("events outside the window are ignored", func(t *testing.T) {
		clock.Advance(time.Hour)
		if got := buf.RatePerMinute(domain.EventBorrow, time.Minute); got != 0 {
			t.Errorf("expected rate 0 after idle hour, got %v", got)
		}
	})
}

func TestBuffer_ConcurrentRecord(t *testing.T) {
	clock := newFakeClock()
	buf := telemetry.NewBufferWithClock(6*time.Hour, 0, clock.Now)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				buf.Record(borrowEvent(clock, "multi", fmt.Sprintf("w%d", w), false))
			}
		}(w)
	}
	wg.Wait()

	if got := buf.TotalEvents(); got != 800 {
		t.Errorf("expected 800 events, got %d", got)
	}
}
