package telemetry

import (
	"time"

	"github.com/mholetzko/permetix/internal/domain"
)

// RatePerMinute returns the per-minute rate of one event category
// over the trailing window. A window of zero defaults to one minute.
func (b *Buffer) RatePerMinute(kind domain.EventKind, window time.Duration) float64 {
	if window <= 0 {
		window = time.Minute
	}
	count := len(b.Recent(kind, b.now().Add(-window)))
	return float64(count) / window.Minutes()
}

// OveragePercent returns the share of borrow events in the trailing
// window that were overage checkouts, as a percentage. Returns 0 for
// an empty window rather than dividing by zero.
func (b *Buffer) OveragePercent(window time.Duration) float64 {
	if window <= 0 {
		window = time.Minute
	}
	borrows := b.Recent(domain.EventBorrow, b.now().Add(-window))
	if len(borrows) == 0 {
		return 0
	}
	overage := 0
	for _, ev := range borrows {
		if ev.IsOverage {
			overage++
		}
	}
	return float64(overage) / float64(len(borrows)) * 100
}
