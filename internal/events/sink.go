package events

import "github.com/mholetzko/permetix/internal/domain"

// MultiSink fans one ledger event out to several sinks in order.
// Each sink is itself best-effort, so MultiSink has no failure mode.
type MultiSink []domain.EventSink

// Record implements domain.EventSink.
func (m MultiSink) Record(event domain.Event) {
	for _, sink := range m {
		sink.Record(event)
	}
}
