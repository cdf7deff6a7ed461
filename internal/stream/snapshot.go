package stream

import (
	"github.com/mholetzko/permetix/internal/domain"
	"github.com/mholetzko/permetix/internal/telemetry"
)

// Snapshot is one point-in-time view of all pools plus derived rates,
// pushed to every open session each publisher tick. Clients treat
// every snapshot as authoritative full state, never as a delta.
type Snapshot struct {
	Tools        []domain.PoolStatus                  `json:"tools"`
	Rates        RateSummary                          `json:"rates"`
	RecentEvents RecentEvents                         `json:"recent_events"`
	ToolMetrics  map[string][]telemetry.BucketSample  `json:"tool_metrics"`
	BufferStats  BufferStats                          `json:"buffer_stats"`
}

// RateSummary carries the per-minute rates derived from the event
// buffer at compose time.
type RateSummary struct {
	BorrowPerMin   float64 `json:"borrow_per_min"`
	ReturnPerMin   float64 `json:"return_per_min"`
	FailurePerMin  float64 `json:"failure_per_min"`
	OveragePercent float64 `json:"overage_percent"`
}

// RecentEvents lists the short-lookback borrow events shown on the
// dashboard activity feed.
type RecentEvents struct {
	Borrows []domain.Event `json:"borrows"`
}

// BufferStats reports event-buffer occupancy.
type BufferStats struct {
	TotalEvents int `json:"total_events"`
}
