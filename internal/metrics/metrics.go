// Package metrics holds the Prometheus metrics for the control plane.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all control-plane metrics behind a dedicated Prometheus
// registry so multiple instances can coexist in tests.
type Registry struct {
	reg *prometheus.Registry

	// Health aggregator
	HealthStatus   prometheus.Gauge
	ComponentState *prometheus.GaugeVec
	SafeToTrade    prometheus.Gauge

	// State store writer
	WriterBytes     prometheus.Gauge
	WriterLastWrite prometheus.Gauge
	WriterStall     prometheus.Gauge

	// Risk state machine
	RiskMode          prometheus.Gauge
	ModeSwitches      *prometheus.CounterVec
	ConsecutiveLosses prometheus.Gauge
	IntradayPnlPct    prometheus.Gauge

	// Playbooks
	PlaybookRuns     *prometheus.CounterVec
	PlaybookDuration *prometheus.HistogramVec

	// Price feed
	FeedTicks      *prometheus.CounterVec
	FeedReconnects *prometheus.CounterVec

	// Watchdog
	WatchdogLastSuccess *prometheus.GaugeVec
}

// NewRegistry creates and registers all metrics.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		HealthStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guardian_health_status",
			Help: "Overall health status (0=OK, 1=WARN, 2=FAIL)",
		}),
		ComponentState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "guardian_component_status",
			Help: "Per-component health status (0=OK, 1=WARN, 2=FAIL)",
		}, []string{"component"}),
		SafeToTrade: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guardian_safe_to_trade",
			Help: "Whether the safety gate allows new entries (1=yes)",
		}),

		WriterBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guardian_writer_bytes_total",
			Help: "Total bytes written to the state store",
		}),
		WriterLastWrite: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guardian_writer_last_write_seconds",
			Help: "Unix timestamp of the last state store write",
		}),
		WriterStall: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guardian_writer_stall_seconds",
			Help: "Seconds since the last state store write",
		}),

		RiskMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guardian_risk_mode",
			Help: "Current risk mode (0=AGGRESSIVE, 1=SAFE)",
		}),
		ModeSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_risk_mode_switches_total",
			Help: "Risk mode switches by target mode and reason",
		}, []string{"to", "reason"}),
		ConsecutiveLosses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guardian_consecutive_losses",
			Help: "Current consecutive loss streak",
		}),
		IntradayPnlPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guardian_intraday_pnl_pct",
			Help: "Intraday PnL as a percent of day-open equity",
		}),

		PlaybookRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_playbook_runs_total",
			Help: "Playbook executions by playbook id and result",
		}, []string{"playbook", "result"}),
		PlaybookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "guardian_playbook_duration_seconds",
			Help:    "Playbook execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"playbook"}),

		FeedTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_feed_ticks_total",
			Help: "Price ticks received by symbol",
		}, []string{"symbol"}),
		FeedReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_feed_reconnects_total",
			Help: "Websocket reconnects by symbol",
		}, []string{"symbol"}),

		WatchdogLastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "guardian_watchdog_last_success_seconds",
			Help: "Unix timestamp of each watchdog loop's last clean iteration",
		}, []string{"loop"}),
	}

	r.reg.MustRegister(
		r.HealthStatus,
		r.ComponentState,
		r.SafeToTrade,
		r.WriterBytes,
		r.WriterLastWrite,
		r.WriterStall,
		r.RiskMode,
		r.ModeSwitches,
		r.ConsecutiveLosses,
		r.IntradayPnlPct,
		r.PlaybookRuns,
		r.PlaybookDuration,
		r.FeedTicks,
		r.FeedReconnects,
		r.WatchdogLastSuccess,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveRiskStatus pushes a risk status snapshot into the gauges.
func (r *Registry) ObserveRiskStatus(mode string, losses int, pnlPct float64) {
	if mode == "SAFE" {
		r.RiskMode.Set(1)
	} else {
		r.RiskMode.Set(0)
	}
	r.ConsecutiveLosses.Set(float64(losses))
	r.IntradayPnlPct.Set(pnlPct)
}

// ObservePlaybookResult counts one finished playbook run.
func (r *Registry) ObservePlaybookResult(playbookID string, success bool, durationSec float64) {
	result := "success"
	if !success {
		result = "failure"
	}
	r.PlaybookRuns.WithLabelValues(playbookID, result).Inc()
	r.PlaybookDuration.WithLabelValues(playbookID).Observe(durationSec)
}
