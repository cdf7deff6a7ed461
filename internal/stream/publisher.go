package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mholetzko/permetix/internal/domain"
	"github.com/mholetzko/permetix/internal/ledger"
	"github.com/mholetzko/permetix/internal/logger"
	"github.com/mholetzko/permetix/internal/telemetry"
)

// SnapshotCache persists the latest composed snapshot outside the
// process (e.g. Redis) so sidecar tooling can read current state
// without holding a stream session. Best-effort.
type SnapshotCache interface {
	StoreSnapshot(ctx context.Context, frame []byte) error
}

// Gauges receives publisher-side occupancy readings each tick.
type Gauges interface {
	SetStreamSessions(count int)
	SetBufferedEvents(count int)
}

// Publisher drives the snapshot cycle: on every tick it composes one
// snapshot from ledger and buffer state and broadcasts it through the
// hub. One cycle runs at a time; if composing overruns the interval,
// the ticker simply skips the missed ticks instead of queueing them,
// bounding latency growth.
//
// Composition reads each pool in its own short critical section, so a
// snapshot is not a single cross-pool atomic point. That is fine for
// a dashboard and deliberate: composing must never hold a ledger lock
// across the whole sweep.
type Publisher struct {
	ledger   *ledger.Ledger
	buffer   *telemetry.Buffer
	hub      *Hub
	interval time.Duration
	lookback time.Duration
	cache    SnapshotCache
	gauges   Gauges
	log      *logger.Logger
}

// NewPublisher wires a publisher. cache and gauges may be nil.
func NewPublisher(
	l *ledger.Ledger,
	buffer *telemetry.Buffer,
	hub *Hub,
	interval time.Duration,
	lookback time.Duration,
	log *logger.Logger,
) *Publisher {
	if interval <= 0 {
		interval = time.Second
	}
	if lookback <= 0 {
		lookback = 10 * time.Minute
	}
	if log == nil {
		log = logger.DefaultLogger()
	}
	return &Publisher{
		ledger:   l,
		buffer:   buffer,
		hub:      hub,
		interval: interval,
		lookback: lookback,
		log:      log,
	}
}

// WithCache attaches a latest-snapshot cache.
func (p *Publisher) WithCache(cache SnapshotCache) *Publisher {
	p.cache = cache
	return p
}

// WithGauges attaches occupancy gauges.
func (p *Publisher) WithGauges(gauges Gauges) *Publisher {
	p.gauges = gauges
	return p
}

// Run blocks, publishing one snapshot per tick until the context is
// cancelled. Sessions observe snapshots in non-decreasing tick order;
// a slow session may miss ticks but never sees them reordered.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info("snapshot publisher started", logger.Fields{
		"interval": p.interval.String(),
	})

	for {
		select {
		case <-ctx.Done():
			p.log.Info("snapshot publisher stopped")
			return
		case <-ticker.C:
			p.publish(ctx)
		}
	}
}

// Compose assembles one immutable snapshot from current ledger and
// buffer state.
func (p *Publisher) Compose() *Snapshot {
	window := time.Minute
	return &Snapshot{
		Tools: p.ledger.StatusAll(),
		Rates: RateSummary{
			BorrowPerMin:   p.buffer.RatePerMinute(domain.EventBorrow, window),
			ReturnPerMin:   p.buffer.RatePerMinute(domain.EventReturn, window),
			FailurePerMin:  p.buffer.RatePerMinute(domain.EventFailure, window),
			OveragePercent: p.buffer.OveragePercent(window),
		},
		RecentEvents: RecentEvents{
			Borrows: p.buffer.Recent(domain.EventBorrow, time.Now().Add(-p.lookback)),
		},
		ToolMetrics: p.buffer.Series(),
		BufferStats: BufferStats{TotalEvents: p.buffer.TotalEvents()},
	}
}

func (p *Publisher) publish(ctx context.Context) {
	snapshot := p.Compose()
	frame, err := json.Marshal(snapshot)
	if err != nil {
		p.log.Error("failed to marshal snapshot", logger.Fields{"error": err.Error()})
		return
	}

	p.hub.Broadcast(frame)

	if p.cache != nil {
		if err := p.cache.StoreSnapshot(ctx, frame); err != nil {
			p.log.Warn("snapshot cache write failed", logger.Fields{"error": err.Error()})
		}
	}
	if p.gauges != nil {
		p.gauges.SetStreamSessions(p.hub.Count())
		p.gauges.SetBufferedEvents(snapshot.BufferStats.TotalEvents)
	}
}
