// Package tick drives the fixed-rate physics loop: step the engine,
// encode its state into a pool slot, and fan the slot out to every
// connected session, once per tick.
package tick

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"digitaltwin-server/internal/broadcast"
	"digitaltwin-server/internal/metrics"
	"digitaltwin-server/internal/physics"
	"digitaltwin-server/internal/protocol"
	"digitaltwin-server/internal/session"
)

// Driver owns the main simulation loop.
type Driver struct {
	engine   *physics.Engine
	pool     *broadcast.Pool
	sessions *session.Set
	logger   zerolog.Logger
	mx       *metrics.Metrics
	period   time.Duration
}

// New constructs a Driver stepping the engine once every period.
func New(engine *physics.Engine, pool *broadcast.Pool, sessions *session.Set, logger zerolog.Logger, mx *metrics.Metrics, period time.Duration) *Driver {
	return &Driver{engine: engine, pool: pool, sessions: sessions, logger: logger, mx: mx, period: period}
}

// Run blocks, stepping the engine at the configured rate until ctx is
// canceled. It logs achieved tick-rate statistics every two seconds.
func (d *Driver) Run(ctx context.Context) {
	ticker := time.NewTicker(d.period)
	defer ticker.Stop()

	statsTicker := time.NewTicker(2 * time.Second)
	defer statsTicker.Stop()

	var ticksSinceStats int
	lastStats := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-statsTicker.C:
			elapsed := time.Since(lastStats).Seconds()
			rate := float64(ticksSinceStats) / elapsed
			if d.mx != nil {
				d.mx.TickRateHz.Set(rate)
			}
			d.logger.Info().
				Float64("tick_rate_hz", rate).
				Int("sessions", d.sessions.Len()).
				Float64("rpm", d.engine.Snapshot().RPM).
				Msg("tick driver stats")
			ticksSinceStats = 0
			lastStats = time.Now()
		case <-ticker.C:
			d.step()
			ticksSinceStats++
		}
	}
}

func (d *Driver) step() {
	payload := d.engine.Step()
	if d.mx != nil {
		d.mx.TicksTotal.Inc()
		d.mx.CurrentRPM.Set(payload.RPM)
	}

	slot := d.pool.Next()
	n := protocol.EncodeState(slot.Buf(), payload)
	if n == 0 {
		if d.mx != nil {
			d.mx.BroadcastSkipped.Inc()
		}
		d.logger.Warn().Msg("state frame exceeded pool slot capacity, tick skipped")
		return
	}
	slot.Commit(n)

	d.sessions.Broadcast(slot)
}
