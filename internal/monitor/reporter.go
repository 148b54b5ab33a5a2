// Package monitor periodically logs engine and process resource usage.
package monitor

import (
	"context"
	"runtime"
	"time"

	"github.com/dkeye/Huddle/internal/engine"
	"github.com/rs/zerolog"
)

// Counters exposes signaling delivery totals.
type Counters interface {
	Sent() uint64
	Dropped() uint64
}

type Reporter struct {
	router   engine.Router
	counters Counters
	interval time.Duration
	logger   zerolog.Logger
}

func NewReporter(router engine.Router, counters Counters, interval time.Duration, logger *zerolog.Logger) *Reporter {
	return &Reporter{
		router:   router,
		counters: counters,
		interval: interval,
		logger:   logger.With().Str("module", "monitor").Logger(),
	}
}

// Run logs a report every interval until ctx is done. A non-positive
// interval disables reporting.
func (r *Reporter) Run(ctx context.Context) error {
	if r.interval <= 0 {
		r.logger.Info().Msg("stats reporter disabled")
		return nil
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.report()
		}
	}
}

func (r *Reporter) report() {
	st := r.router.Stats()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	ev := r.logger.Info().
		Int("transports", st.Transports).
		Int("producers", st.Producers).
		Int("consumers", st.Consumers).
		Uint64("packets_forwarded", st.PacketsForwarded).
		Int("goroutines", runtime.NumGoroutine()).
		Uint64("heap_alloc", mem.HeapAlloc).
		Uint32("gc_cycles", mem.NumGC)
	if r.counters != nil {
		ev = ev.Uint64("events_sent", r.counters.Sent()).Uint64("events_dropped", r.counters.Dropped())
	}
	ev.Msg("resource usage")
}
