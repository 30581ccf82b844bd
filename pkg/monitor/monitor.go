// Package monitor runs the escalation monitor: a fixed-interval background
// sweep over open approval requests, overdue emergency reports, and ledger
// pattern checks. Sweeps are skipped, not queued, when one is already
// running, and every mutation goes through the owning component so the
// monitor itself holds no business state.
package monitor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/castellan-io/castellan/pkg/approval"
	"github.com/castellan-io/castellan/pkg/emergency"
	"github.com/castellan-io/castellan/pkg/ledger"
	"github.com/castellan-io/castellan/pkg/observability"
)

// Monitor drives periodic escalation sweeps.
type Monitor struct {
	engine    *approval.Engine
	emergency *emergency.Manager
	audit     *ledger.Ledger
	obs       *observability.Provider
	interval  time.Duration
	clock     func() time.Time
	logger    *slog.Logger

	sweeping atomic.Bool
	stop     chan struct{}
	done     chan struct{}
}

// New creates a monitor sweeping at the given interval.
func New(engine *approval.Engine, em *emergency.Manager, audit *ledger.Ledger,
	interval time.Duration,
) *Monitor {
	return &Monitor{
		engine:    engine,
		emergency: em,
		audit:     audit,
		interval:  interval,
		clock:     time.Now,
		logger:    slog.Default().With("component", "monitor"),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Monitor) WithClock(clock func() time.Time) *Monitor {
	m.clock = clock
	return m
}

// WithObservability enables escalation metrics. obs may be nil.
func (m *Monitor) WithObservability(obs *observability.Provider) *Monitor {
	m.obs = obs
	return m
}

// Start begins the background sweep loop. Call Stop to end it.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sweep(ctx)
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends the sweep loop and waits for it to exit. A sweep in flight
// finishes first.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

// Sweep runs one full pass. If a sweep is already running the call returns
// false immediately; overlapping passes are skipped, never queued. Each pass
// is idempotent: re-running it against unchanged state performs no further
// transitions.
func (m *Monitor) Sweep(ctx context.Context) bool {
	if !m.sweeping.CompareAndSwap(false, true) {
		m.logger.Debug("sweep already in progress, skipping")
		return false
	}
	defer m.sweeping.Store(false)

	start := m.clock()
	escalated := m.sweepApprovals(ctx)

	if err := m.emergency.SweepReportObligations(ctx); err != nil {
		m.logger.Error("emergency report sweep failed", "error", err)
	}
	m.audit.Sweep(ctx)

	m.logger.Info("sweep complete",
		"escalated", escalated, "elapsed", m.clock().Sub(start))
	return true
}

func (m *Monitor) sweepApprovals(ctx context.Context) int {
	open, err := m.engine.ListOpen(ctx)
	if err != nil {
		m.logger.Error("listing open requests failed", "error", err)
		return 0
	}
	escalated := 0
	for _, req := range open {
		moved, err := m.engine.Escalate(ctx, req.ID)
		if err != nil {
			// One stuck request must not starve the rest of the sweep.
			m.logger.Error("escalation failed", "request_id", req.ID, "error", err)
			continue
		}
		if moved {
			escalated++
			if m.obs != nil {
				m.obs.RecordEscalation(ctx)
			}
		}
	}
	return escalated
}
