package health

import (
	"time"

	"github.com/quantops/guardian/internal/store"
)

// SSOTVersion identifies the document schema.
const SSOTVersion = "1.0"

// CheckResult is one named probe's outcome with its measured value and the
// threshold it was judged against.
type CheckResult struct {
	OK        bool     `json:"ok"`
	Reason    string   `json:"reason,omitempty"`
	Timestamp float64  `json:"timestamp"`
	Value     float64  `json:"value,omitempty"`
	Threshold float64  `json:"threshold,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// ComponentHealth folds a component's check battery into one status.
type ComponentHealth struct {
	Status      Status                 `json:"status"`
	Checks      map[string]CheckResult `json:"checks"`
	Metrics     map[string]float64     `json:"metrics,omitempty"`
	Artifacts   map[string]string      `json:"artifacts,omitempty"`
	Remediation map[string]string      `json:"remediation,omitempty"`
}

// IsHealthy reports whether the component is fully OK.
func (c *ComponentHealth) IsHealthy() bool {
	return c != nil && c.Status == StatusOK
}

// foldChecks derives a component status: a failed check named in critical
// means FAIL, any other failed check means WARN.
func foldChecks(checks map[string]CheckResult, critical ...string) Status {
	isCritical := make(map[string]bool, len(critical))
	for _, name := range critical {
		isCritical[name] = true
	}

	status := StatusOK
	for name, check := range checks {
		if check.OK {
			continue
		}
		if isCritical[name] {
			status = worseOf(status, StatusFail)
		} else {
			status = worseOf(status, StatusWarn)
		}
	}
	return status
}

// PipelineIntegrity tracks each hop of the data pipeline from feeder to
// realized PnL. BrokenLink names the first hop that failed.
type PipelineIntegrity struct {
	EndToEndOK       bool   `json:"end_to_end_ok"`
	FeederToSignalOK bool   `json:"feeder_to_signal_ok"`
	SignalToTraderOK bool   `json:"signal_to_trader_ok"`
	TraderToFillsOK  bool   `json:"trader_to_fills_ok"`
	FillsToPnlOK     bool   `json:"fills_to_pnl_ok"`
	BrokenLink       string `json:"broken_link,omitempty"`
}

// resolve fills EndToEndOK and BrokenLink from the individual links.
func (p *PipelineIntegrity) resolve() {
	links := []struct {
		name string
		ok   bool
	}{
		{"feeder_to_signal", p.FeederToSignalOK},
		{"signal_to_trader", p.SignalToTraderOK},
		{"trader_to_fills", p.TraderToFillsOK},
		{"fills_to_pnl", p.FillsToPnlOK},
	}

	p.EndToEndOK = true
	p.BrokenLink = ""
	for _, link := range links {
		if !link.ok {
			p.EndToEndOK = false
			p.BrokenLink = link.name
			return
		}
	}
}

// BreakerState is the trading circuit breaker's snapshot inside the SSOT.
type BreakerState struct {
	Active bool    `json:"active"`
	Until  float64 `json:"until"`
	Reason string  `json:"reason,omitempty"`
}

// PlaybookRun summarizes the most recent remediation attempt.
type PlaybookRun struct {
	PlaybookID string  `json:"playbook_id"`
	Timestamp  float64 `json:"timestamp"`
	Success    bool    `json:"success"`
}

// SSOT is the whole-system health document. One instance per aggregation
// cycle; readers treat it as expired past NextCheckAt.
type SSOT struct {
	Version   string  `json:"version"`
	Timestamp float64 `json:"timestamp"`

	OverallStatus Status `json:"overall_status"`
	SafeToTrade   bool   `json:"safe_to_trade"`
	Mode          Mode   `json:"mode"`

	Feeder   *ComponentHealth `json:"feeder,omitempty"`
	Trader   *ComponentHealth `json:"trader,omitempty"`
	AutoHeal *ComponentHealth `json:"auto_heal,omitempty"`

	Pipeline *PipelineIntegrity `json:"pipeline,omitempty"`

	LastPlaybookRun *PlaybookRun        `json:"last_playbook_run,omitempty"`
	CircuitBreaker  BreakerState        `json:"circuit_breaker"`
	WriterMetrics   store.WriterMetrics `json:"writer_metrics"`

	NextCheckAt float64 `json:"next_check_at"`
	TTLSec      int     `json:"ttl_sec"`
}

// Expired reports whether the document is past its freshness window.
func (s *SSOT) Expired(now time.Time) bool {
	return float64(now.UnixNano())/1e9 > s.NextCheckAt
}

// overallStatus applies the aggregation rule: FAIL beats WARN beats the
// pipeline-derived state beats OK.
func overallStatus(components []*ComponentHealth, pipeline *PipelineIntegrity) Status {
	status := StatusOK
	for _, c := range components {
		if c == nil {
			continue
		}
		status = worseOf(status, c.Status)
	}
	if status == StatusOK && pipeline != nil && !pipeline.EndToEndOK {
		status = StatusWarn
	}
	return status
}

// deriveMode applies the mode ladder.
func deriveMode(breakerActive bool, overall Status, pipeline *PipelineIntegrity) Mode {
	switch {
	case breakerActive:
		return ModeFailsafe
	case overall == StatusFail:
		return ModePositionGuard
	case overall == StatusWarn || (pipeline != nil && !pipeline.EndToEndOK):
		return ModeDegraded
	default:
		return ModeNormal
	}
}
