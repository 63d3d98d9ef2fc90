package monitor

import (
	"context"
	"log"

	"momentum-core/internal/events"
)

// Watcher tails the safety-relevant bus topics and mirrors them into the
// metrics and the process log, so vetoes and panic flats are visible even
// when nobody is watching the API.
type Watcher struct {
	bus     *events.Bus
	metrics *Metrics
}

func NewWatcher(bus *events.Bus, m *Metrics) *Watcher {
	return &Watcher{bus: bus, metrics: m}
}

// Run consumes events until ctx is cancelled. Intended to run on its own
// goroutine; the bus drops rather than blocks, so a slow log never stalls
// the tick loop.
func (w *Watcher) Run(ctx context.Context) {
	vetoes, unsubVeto := w.bus.Subscribe(events.EventRiskVeto, 64)
	defer unsubVeto()
	panics, unsubPanic := w.bus.Subscribe(events.EventPanicFlat, 16)
	defer unsubPanic()
	regimes, unsubRegime := w.bus.Subscribe(events.EventRegimeChange, 16)
	defer unsubRegime()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-vetoes:
			reason := "unknown"
			if m, ok := msg.(map[string]string); ok {
				reason = m["reason"]
			}
			w.metrics.Vetoes.WithLabelValues(reason).Inc()
		case msg := <-panics:
			w.metrics.PanicFlats.Inc()
			log.Printf("monitor: PANIC FLAT observed: %+v", msg)
		case msg := <-regimes:
			log.Printf("monitor: regime change: %+v", msg)
		}
	}
}
