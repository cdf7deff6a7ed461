package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/mholetzko/permetix/internal/domain"
)

const (
	// DefaultRetention is how long buffered events and minute buckets
	// are kept before the prefix trim discards them.
	DefaultRetention = 6 * time.Hour

	// DefaultBufferCap hard-limits each category buffer's element
	// count independent of age, so a traffic burst cannot grow memory
	// unbounded inside the retention window.
	DefaultBufferCap = 10000
)

// BucketSample is the read-only view of one per-pool minute bucket,
// shaped for the tool_metrics section of a snapshot.
type BucketSample struct {
	Timestamp    time.Time `json:"timestamp"`
	Count        int       `json:"count"`
	OverageCount int       `json:"overage_count"`
	Users        []string  `json:"users"`
}

type minuteBucket struct {
	minute       time.Time
	count        int
	overageCount int
	users        map[string]struct{}
}

// Buffer holds bounded-duration event logs per category plus a
// per-pool minute-bucketed borrow series. Buffers are ordered oldest
// to newest, so both retention pruning and the hard cap are cheap
// prefix trims.
//
// Record is best-effort observability: it never fails and must never
// prevent the ledger operation it accompanies from succeeding.
type Buffer struct {
	mu        sync.Mutex
	retention time.Duration
	maxEvents int
	events    map[domain.EventKind][]domain.Event
	buckets   map[string][]*minuteBucket
	dropped   uint64
	now       func() time.Time
}

// NewBuffer creates a buffer with the given retention window and
// per-category element cap. Non-positive arguments fall back to the
// defaults.
func NewBuffer(retention time.Duration, maxEvents int) *Buffer {
	return NewBufferWithClock(retention, maxEvents, time.Now)
}

// NewBufferWithClock is NewBuffer with an injectable clock, used by
// tests to drive retention without sleeping.
func NewBufferWithClock(retention time.Duration, maxEvents int, now func() time.Time) *Buffer {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if maxEvents <= 0 {
		maxEvents = DefaultBufferCap
	}
	return &Buffer{
		retention: retention,
		maxEvents: maxEvents,
		events:    make(map[domain.EventKind][]domain.Event),
		buckets:   make(map[string][]*minuteBucket),
		now:       now,
	}
}

// Record appends the event to its category buffer, updates the
// pool's minute bucket for borrow events, and trims expired entries.
func (b *Buffer) Record(event domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = b.now()
	}

	buf := append(b.events[event.Kind], event)
	if over := len(buf) - b.maxEvents; over > 0 {
		buf = buf[over:]
		b.dropped += uint64(over)
	}
	b.events[event.Kind] = buf

	if event.Kind == domain.EventBorrow {
		b.bucketFor(event.Tool, event.Timestamp).add(event)
	}

	b.pruneLocked(b.now())
}

// Recent returns events of one category with timestamp >= since,
// oldest first.
func (b *Buffer) Recent(kind domain.EventKind, since time.Time) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf := b.events[kind]
	// Buffers are time-ordered; find the first retained entry.
	start := sort.Search(len(buf), func(i int) bool {
		return !buf[i].Timestamp.Before(since)
	})
	out := make([]domain.Event, len(buf)-start)
	copy(out, buf[start:])
	return out
}

// SeriesFor returns the retention-trimmed minute series of one pool,
// oldest first.
func (b *Buffer) SeriesFor(tool string) []BucketSample {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sampleBuckets(b.buckets[tool])
}

// Series returns every pool's minute series keyed by tool name.
func (b *Buffer) Series() map[string][]BucketSample {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string][]BucketSample, len(b.buckets))
	for tool, buckets := range b.buckets {
		out[tool] = sampleBuckets(buckets)
	}
	return out
}

// TotalEvents returns the number of events currently buffered across
// all categories.
func (b *Buffer) TotalEvents() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	for _, buf := range b.events {
		total += len(buf)
	}
	return total
}

// Dropped returns how many events the hard cap has discarded before
// they aged out.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Prune discards entries older than the retention window. Record
// prunes on every append; this exists for the maintenance scheduler
// so retention also advances while traffic is idle.
func (b *Buffer) Prune() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
}

func (b *Buffer) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.retention)

	for kind, buf := range b.events {
		start := 0
		for start < len(buf) && buf[start].Timestamp.Before(cutoff) {
			start++
		}
		if start > 0 {
			b.events[kind] = append([]domain.Event(nil), buf[start:]...)
		}
	}

	for tool, buckets := range b.buckets {
		start := 0
		for start < len(buckets) && buckets[start].minute.Before(cutoff) {
			start++
		}
		switch {
		case start == len(buckets):
			delete(b.buckets, tool)
		case start > 0:
			b.buckets[tool] = append([]*minuteBucket(nil), buckets[start:]...)
		}
	}
}

// bucketFor finds or creates the bucket covering the event's minute.
// Events arrive in order per pool, so the target is almost always the
// last bucket.
func (b *Buffer) bucketFor(tool string, ts time.Time) *minuteBucket {
	minute := ts.Truncate(time.Minute)
	buckets := b.buckets[tool]
	if n := len(buckets); n > 0 && buckets[n-1].minute.Equal(minute) {
		return buckets[n-1]
	}
	bucket := &minuteBucket{minute: minute, users: make(map[string]struct{})}
	b.buckets[tool] = append(buckets, bucket)
	return bucket
}

func (m *minuteBucket) add(event domain.Event) {
	m.count++
	if event.IsOverage {
		m.overageCount++
	}
	if event.User != "" {
		m.users[event.User] = struct{}{}
	}
}

func sampleBuckets(buckets []*minuteBucket) []BucketSample {
	out := make([]BucketSample, 0, len(buckets))
	for _, bucket := range buckets {
		users := make([]string, 0, len(bucket.users))
		for user := range bucket.users {
			users = append(users, user)
		}
		sort.Strings(users)
		out = append(out, BucketSample{
			Timestamp:    bucket.minute,
			Count:        bucket.count,
			OverageCount: bucket.overageCount,
			Users:        users,
		})
	}
	return out
}
