package stream_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/mholetzko/permetix/internal/domain"
	"github.com/mholetzko/permetix/internal/ledger"
	"github.com/mholetzko/permetix/internal/stream"
	"github.com/mholetzko/permetix/internal/telemetry"
)

func TestHub_BroadcastDelivery(t *testing.T) {
	hub := stream.NewHub(4, nil)

	s1 := hub.Subscribe()
	s2 := hub.Subscribe()
	defer s1.Close()
	defer s2.Close()

	if hub.Count() != 2 {
		t.Fatalf("expected 2 sessions, got %d", hub.Count())
	}

	frames := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, frame := range frames {
		if delivered := hub.Broadcast(frame); delivered != 2 {
			t.Errorf("expected 2 deliveries, got %d", delivered)
		}
	}

	// Frames arrive in broadcast order on each session.
	for _, session := range []*stream.Session{s1, s2} {
		for i, want := range frames {
			got := <-session.Messages()
			if string(got) != string(want) {
				t.Errorf("frame %d: expected %q, got %q", i, want, got)
			}
		}
	}
}

func TestHub_SlowSessionDropped(t *testing.T) {
	hub := stream.NewHub(2, nil)

	slow := hub.Subscribe()
	fast := hub.Subscribe()
	defer fast.Close()

	// Fill the slow session's queue without draining it, then one
	// frame past the cap. Drain fast each time so only slow lags.
	for i := 0; i < 3; i++ {
		hub.Broadcast([]byte(fmt.Sprintf("frame-%d", i)))
		<-fast.Messages()
	}

	if hub.Count() != 1 {
		t.Errorf("expected slow session dropped, have %d sessions", hub.Count())
	}
	if hub.Dropped() != 1 {
		t.Errorf("expected dropped counter 1, got %d", hub.Dropped())
	}

	// The slow session's channel drains its backlog then closes; it
	// never sees the frame it missed out of order.
	var got []string
	for frame := range slow.Messages() {
		got = append(got, string(frame))
	}
	if len(got) != 2 || got[0] != "frame-0" || got[1] != "frame-1" {
		t.Errorf("slow session backlog wrong: %v", got)
	}

	// Further broadcasts only reach the surviving session.
	hub.Broadcast([]byte("after"))
	if string(<-fast.Messages()) != "after" {
		t.Error("fast session missed post-drop frame")
	}
}

func TestHub_CloseIsIdempotent(t *testing.T) {
	hub := stream.NewHub(2, nil)
	session := hub.Subscribe()

	session.Close()
	session.Close()

	if hub.Count() != 0 {
		t.Errorf("expected 0 sessions after close, got %d", hub.Count())
	}
	if _, open := <-session.Messages(); open {
		t.Error("expected closed message channel")
	}

	// A new registration starts from a clean session set.
	replacement := hub.Subscribe()
	defer replacement.Close()
	if hub.Count() != 1 {
		t.Errorf("expected 1 session, got %d", hub.Count())
	}
}

func newComposeFixture(t *testing.T) (*ledger.Ledger, *telemetry.Buffer, *stream.Publisher, *stream.Hub) {
	t.Helper()
	buffer := telemetry.NewBuffer(6*time.Hour, 0)
	l := ledger.New(buffer, nil, nil)
	if err := l.AddPool(domain.PoolConfig{
		Tool: "multi", Total: 20, Commit: 5, MaxOverage: 15,
		CommitPrice: 8000, OveragePrice: 800,
	}); err != nil {
		t.Fatalf("AddPool failed: %v", err)
	}
	hub := stream.NewHub(4, nil)
	publisher := stream.NewPublisher(l, buffer, hub, time.Second, 10*time.Minute, nil)
	return l, buffer, publisher, hub
}

func TestPublisher_Compose(t *testing.T) {
	l, _, publisher, _ := newComposeFixture(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if _, err := l.Borrow(ctx, "multi", fmt.Sprintf("user-%d", i)); err != nil {
			t.Fatalf("borrow failed: %v", err)
		}
	}

	snapshot := publisher.Compose()

	if len(snapshot.Tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(snapshot.Tools))
	}
	status := snapshot.Tools[0]
	if status.Borrowed != 6 || status.Overage != 1 {
		t.Errorf("expected borrowed=6 overage=1, got %d/%d", status.Borrowed, status.Overage)
	}
	if snapshot.Rates.BorrowPerMin != 6 {
		t.Errorf("expected borrow rate 6/min, got %v", snapshot.Rates.BorrowPerMin)
	}
	wantPct := 100.0 / 6
	if diff := snapshot.Rates.OveragePercent - wantPct; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected overage percent %.4f, got %.4f", wantPct, snapshot.Rates.OveragePercent)
	}
	if len(snapshot.RecentEvents.Borrows) != 6 {
		t.Errorf("expected 6 recent borrows, got %d", len(snapshot.RecentEvents.Borrows))
	}
	if len(snapshot.ToolMetrics["multi"]) == 0 {
		t.Error("expected minute series for multi")
	}
	if snapshot.BufferStats.TotalEvents != 6 {
		t.Errorf("expected 6 buffered events, got %d", snapshot.BufferStats.TotalEvents)
	}

	t.Run("wire shape", func(t *testing.T) {
		frame, err := json.Marshal(snapshot)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		var decoded map[string]json.RawMessage
		if err := json.Unmarshal(frame, &decoded); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		for _, key := range []string{"tools", "rates", "recent_events", "tool_metrics", "buffer_stats"} {
			if _, ok := decoded[key]; !ok {
				t.Errorf("snapshot frame missing %q", key)
			}
		}
	})
}

func TestPublisher_RunBroadcastsOnTick(t *testing.T) {
	buffer := telemetry.NewBuffer(6*time.Hour, 0)
	led := ledger.New(buffer, nil, nil)
	led.AddPool(domain.PoolConfig{Tool: "vtt", Total: 10, Commit: 10})
	hub := stream.NewHub(8, nil)
	publisher := stream.NewPublisher(led, buffer, hub, 10*time.Millisecond, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go publisher.Run(ctx)

	session := hub.Subscribe()
	defer session.Close()

	select {
	case frame := <-session.Messages():
		var snapshot stream.Snapshot
		if err := json.Unmarshal(frame, &snapshot); err != nil {
			t.Fatalf("broadcast frame not a snapshot: %v", err)
		}
		if len(snapshot.Tools) != 1 || snapshot.Tools[0].Tool != "vtt" {
			t.Errorf("unexpected snapshot contents: %+v", snapshot.Tools)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot broadcast within 2s")
	}
}
