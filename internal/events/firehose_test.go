package events

import (
	"io"
	"testing"
	"time"

	"github.com/mholetzko/permetix/internal/domain"
	"github.com/mholetzko/permetix/internal/logger"
)

func TestFirehose_RecordNeverBlocksLedgerPath(t *testing.T) {
	// No goroutine drains the queue here, which is the worst case
	// of a stalled broker: once the backlog is full, Record must
	// drop and return instead of waiting.
	f := &Firehose{
		queue: make(chan domain.Event, 4),
		log:   logger.NewLogger(io.Discard, logger.LevelError),
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			f.Record(domain.Event{Kind: domain.EventBorrow, Tool: "multi", User: "a"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked against a full queue")
	}

	if got := len(f.queue); got != 4 {
		t.Errorf("queue holds %d events, want the capacity of 4", got)
	}
}

func TestFirehose_RecordPreservesOrderUpToCapacity(t *testing.T) {
	f := &Firehose{
		queue: make(chan domain.Event, 8),
		log:   logger.NewLogger(io.Discard, logger.LevelError),
	}

	users := []string{"a", "b", "c"}
	for _, user := range users {
		f.Record(domain.Event{Kind: domain.EventBorrow, Tool: "se", User: user})
	}

	for i, want := range users {
		got := <-f.queue
		if got.User != want {
			t.Errorf("event %d: got user %q, want %q", i, got.User, want)
		}
	}
}
