// Package metrics exposes the server's operational counters and gauges on
// a private Prometheus registry, plus a background process-resource
// sampler. These are distinct from the client-facing telemetry carried in
// state frames: this package only ever describes the server process
// itself.
package metrics

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/process"
)

// Metrics holds every counter/gauge the server updates. All of them are
// registered against a private registry rather than the global default,
// so multiple Engines could in principle coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	SessionsConnected   prometheus.Gauge
	SessionsTotal       prometheus.Counter
	SessionsClosedBackp prometheus.Counter

	TickRateHz       prometheus.Gauge
	TicksTotal       prometheus.Counter
	BroadcastSkipped prometheus.Counter

	CurrentRPM prometheus.Gauge

	InboundFramesTotal   prometheus.Counter
	InboundFramesDropped prometheus.Counter

	ProcessCPUPercent prometheus.Gauge
	ProcessRSSBytes   prometheus.Gauge
	Goroutines        prometheus.Gauge
}

// New constructs the metric set and registers it.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		SessionsConnected: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "digitaltwin_sessions_connected",
			Help: "Number of currently connected WebSocket sessions.",
		}),
		SessionsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "digitaltwin_sessions_total",
			Help: "Total number of sessions accepted since startup.",
		}),
		SessionsClosedBackp: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "digitaltwin_sessions_closed_backpressure_total",
			Help: "Sessions closed because their outbound queue overflowed.",
		}),

		TickRateHz: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "digitaltwin_tick_rate_hz",
			Help: "Achieved physics tick rate over the last sampling window.",
		}),
		TicksTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "digitaltwin_ticks_total",
			Help: "Total number of physics ticks stepped since startup.",
		}),
		BroadcastSkipped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "digitaltwin_broadcast_skipped_total",
			Help: "Ticks whose state frame did not fit its pool slot and was skipped.",
		}),

		CurrentRPM: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "digitaltwin_rpm_current",
			Help: "Current simulated crankshaft RPM.",
		}),

		InboundFramesTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "digitaltwin_inbound_frames_total",
			Help: "Control frames from any session that passed the inbound rate limit, including ones then dropped as malformed or unknown.",
		}),
		InboundFramesDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "digitaltwin_inbound_frames_dropped_total",
			Help: "Control frames dropped: malformed, unknown, or rate-limited.",
		}),

		ProcessCPUPercent: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "digitaltwin_process_cpu_percent",
			Help: "Process CPU usage percentage, smoothed.",
		}),
		ProcessRSSBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "digitaltwin_process_rss_bytes",
			Help: "Process resident set size in bytes.",
		}),
		Goroutines: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "digitaltwin_goroutines",
			Help: "Current number of goroutines.",
		}),
	}

	return m
}

// SampleProcess starts a background loop updating process-level gauges
// (CPU, RSS, goroutine count) every interval until ctx is canceled.
func (m *Metrics) SampleProcess(ctx context.Context, interval time.Duration) {
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastCPU float64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Goroutines.Set(float64(runtime.NumGoroutine()))

			if err != nil {
				continue
			}
			if pct, cerr := proc.CPUPercentWithContext(ctx); cerr == nil {
				lastCPU = 0.3*pct + 0.7*lastCPU
				m.ProcessCPUPercent.Set(lastCPU)
			}
			if mi, merr := proc.MemoryInfoWithContext(ctx); merr == nil && mi != nil {
				m.ProcessRSSBytes.Set(float64(mi.RSS))
			}
		}
	}
}
