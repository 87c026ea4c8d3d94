package health

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantops/guardian/internal/backoff"
	"github.com/quantops/guardian/internal/config"
	"github.com/quantops/guardian/internal/oracle"
	"github.com/quantops/guardian/internal/paths"
	"github.com/quantops/guardian/internal/procs"
	"github.com/quantops/guardian/internal/store"
)

// Service names the aggregator probes in the process registry.
const (
	ServiceFeeder = "feeder"
	ServiceTrader = "trader"
)

// remediationWindow is how recently a playbook run counts as "attempted".
const remediationWindow = 10 * time.Minute

// Limits carries every threshold the check battery judges against.
type Limits struct {
	FeederFresh    time.Duration
	SignalFresh    time.Duration
	TraderFresh    time.Duration
	PositionFresh  time.Duration
	WriterStall    time.Duration
	SSOTTTL        time.Duration
	MinCoveragePct float64
	Symbols        []string
}

// LimitsFromConfig copies the health thresholds out of the runtime config.
func LimitsFromConfig(c *config.Config) Limits {
	return Limits{
		FeederFresh:    c.FeederFreshLimit,
		SignalFresh:    c.SignalFreshLimit,
		TraderFresh:    c.TraderFreshLimit,
		PositionFresh:  c.PositionFreshLimit,
		WriterStall:    c.WriterStallLimit,
		SSOTTTL:        c.SSOTTTL,
		MinCoveragePct: c.MinSnapshotCoverage,
		Symbols:        c.FeedSymbols,
	}
}

// Aggregator runs the fixed check battery and produces the SSOT document.
type Aggregator struct {
	store    *store.Store
	registry procs.Registry
	breaker  *backoff.CircuitBreaker
	limits   Limits

	now func() time.Time
}

// NewAggregator builds an aggregator. breaker is the system-wide trading
// breaker; a nil breaker reads as inactive.
func NewAggregator(st *store.Store, reg procs.Registry, breaker *backoff.CircuitBreaker, limits Limits) *Aggregator {
	if limits.SSOTTTL <= 0 {
		limits.SSOTTTL = 60 * time.Second
	}
	return &Aggregator{
		store:    st,
		registry: reg,
		breaker:  breaker,
		limits:   limits,
		now:      time.Now,
	}
}

// Run recomputes the whole SSOT document and persists it. The returned
// document is what was written.
func (a *Aggregator) Run() (*SSOT, error) {
	now := a.now()
	nowSec := float64(now.UnixNano()) / 1e9

	feeder := a.checkFeeder(now)
	trader := a.checkTrader(now)
	autoHeal, lastRun := a.checkAutoHeal(now)
	pipeline := a.checkPipeline(now)

	breaker := a.breakerState()
	overall := overallStatus([]*ComponentHealth{feeder, trader, autoHeal}, pipeline)

	stall := a.writerStall(now)
	writerOK := stall <= a.limits.WriterStall.Seconds()

	safe := pipeline.EndToEndOK &&
		feeder.Status != StatusFail &&
		trader.Status != StatusFail &&
		autoHeal.Status != StatusFail &&
		!breaker.Active &&
		writerOK

	doc := &SSOT{
		Version:         SSOTVersion,
		Timestamp:       nowSec,
		OverallStatus:   overall,
		SafeToTrade:     safe,
		Mode:            deriveMode(breaker.Active, overall, pipeline),
		Feeder:          feeder,
		Trader:          trader,
		AutoHeal:        autoHeal,
		Pipeline:        pipeline,
		LastPlaybookRun: lastRun,
		CircuitBreaker:  breaker,
		WriterMetrics: store.WriterMetrics{
			LastWriteTS: nowSec - stall,
			StallSec:    stall,
		},
		NextCheckAt: nowSec + a.limits.SSOTTTL.Seconds(),
		TTLSec:      int(a.limits.SSOTTTL.Seconds()),
	}

	if err := a.store.WriteJSON(paths.HealthSSOTFile, doc); err != nil {
		return doc, err
	}

	log.Info().
		Str("overall", overall.String()).
		Str("mode", doc.Mode.String()).
		Bool("safe_to_trade", safe).
		Str("broken_link", pipeline.BrokenLink).
		Msg("health cycle complete")
	return doc, nil
}

// ReadCurrent loads the persisted SSOT document.
func (a *Aggregator) ReadCurrent() (*SSOT, error) {
	var doc SSOT
	if err := a.store.ReadJSON(paths.HealthSSOTFile, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (a *Aggregator) checkFeeder(now time.Time) *ComponentHealth {
	nowSec := float64(now.UnixNano()) / 1e9
	checks := make(map[string]CheckResult)
	metrics := make(map[string]float64)

	alive := a.registry.Alive(ServiceFeeder)
	checks["process_alive"] = CheckResult{
		OK:        alive,
		Reason:    reasonUnless(alive, "feeder process not running"),
		Timestamp: nowSec,
	}

	fresh := 0
	newest := -1.0
	for _, sym := range a.limits.Symbols {
		age, exists := a.fileAge(oracle.SnapshotPath(sym), now)
		if !exists {
			continue
		}
		if newest < 0 || age < newest {
			newest = age
		}
		if age <= a.limits.FeederFresh.Seconds() {
			fresh++
		}
	}

	exists := newest >= 0
	checks["snapshots_exist"] = CheckResult{
		OK:        exists,
		Reason:    reasonUnless(exists, "no price snapshots on disk"),
		Timestamp: nowSec,
	}
	checks["snapshots_fresh"] = CheckResult{
		OK:        exists && newest <= a.limits.FeederFresh.Seconds(),
		Reason:    reasonUnless(exists && newest <= a.limits.FeederFresh.Seconds(), "newest snapshot stale"),
		Timestamp: nowSec,
		Value:     newest,
		Threshold: a.limits.FeederFresh.Seconds(),
	}

	coverage := 0.0
	if len(a.limits.Symbols) > 0 {
		coverage = float64(fresh) / float64(len(a.limits.Symbols)) * 100
	}
	checks["snapshot_coverage"] = CheckResult{
		OK:        coverage >= a.limits.MinCoveragePct,
		Reason:    reasonUnless(coverage >= a.limits.MinCoveragePct, "snapshot coverage below minimum"),
		Timestamp: nowSec,
		Value:     coverage,
		Threshold: a.limits.MinCoveragePct,
	}
	metrics["coverage_pct"] = coverage
	if newest >= 0 {
		metrics["newest_snapshot_age_sec"] = newest
	}

	return &ComponentHealth{
		Status:  foldChecks(checks, "process_alive", "snapshots_exist"),
		Checks:  checks,
		Metrics: metrics,
		Remediation: map[string]string{
			"recommended": "PB-01",
		},
	}
}

func (a *Aggregator) checkTrader(now time.Time) *ComponentHealth {
	nowSec := float64(now.UnixNano()) / 1e9
	checks := make(map[string]CheckResult)
	metrics := make(map[string]float64)

	alive := a.registry.Alive(ServiceTrader)
	checks["process_alive"] = CheckResult{
		OK:        alive,
		Reason:    reasonUnless(alive, "trader process not running"),
		Timestamp: nowSec,
	}

	posAge, posExists := a.fileAge(paths.PositionsFile, now)
	posFresh := posExists && posAge <= a.limits.PositionFresh.Seconds()
	checks["positions_fresh"] = CheckResult{
		OK:        posFresh,
		Reason:    reasonUnless(posFresh, "positions snapshot stale or missing"),
		Timestamp: nowSec,
		Value:     posAge,
		Threshold: a.limits.PositionFresh.Seconds(),
		Artifacts: []string{paths.PositionsFile},
	}
	if posExists {
		metrics["positions_age_sec"] = posAge
	}

	_, ledgerExists := a.fileAge(paths.TradesLedgerFile, now)
	checks["ledger_exists"] = CheckResult{
		OK:        ledgerExists,
		Reason:    reasonUnless(ledgerExists, "trade ledger missing"),
		Timestamp: nowSec,
		Artifacts: []string{paths.TradesLedgerFile},
	}

	return &ComponentHealth{
		Status:  foldChecks(checks, "process_alive"),
		Checks:  checks,
		Metrics: metrics,
		Remediation: map[string]string{
			"recommended": "PB-05",
		},
	}
}

func (a *Aggregator) checkAutoHeal(now time.Time) (*ComponentHealth, *PlaybookRun) {
	nowSec := float64(now.UnixNano()) / 1e9
	checks := make(map[string]CheckResult)

	lastRun := a.lastPlaybookRun()

	attempted := lastRun != nil && nowSec-lastRun.Timestamp <= remediationWindow.Seconds()
	reason := "no recent remediation"
	if attempted {
		reason = "playbook attempted recently"
	}
	checks["remediation_recent"] = CheckResult{
		OK:        true,
		Reason:    reason,
		Timestamp: nowSec,
	}

	lastOK := lastRun == nil || lastRun.Success
	checks["last_run_succeeded"] = CheckResult{
		OK:        lastOK,
		Reason:    reasonUnless(lastOK, "most recent playbook run failed"),
		Timestamp: nowSec,
	}

	return &ComponentHealth{
		Status: foldChecks(checks),
		Checks: checks,
	}, lastRun
}

func (a *Aggregator) checkPipeline(now time.Time) *PipelineIntegrity {
	sigAge, sigExists := a.fileAge(oracle.CandidatesPath(), now)
	posAge, posExists := a.fileAge(paths.PositionsFile, now)
	ledgerAge, ledgerExists := a.fileAge(paths.TradesLedgerFile, now)
	pnlAge, pnlExists := a.fileAge(paths.DailyPnLFile, now)

	p := &PipelineIntegrity{
		FeederToSignalOK: sigExists && sigAge <= a.limits.SignalFresh.Seconds(),
		SignalToTraderOK: posExists && posAge <= a.limits.TraderFresh.Seconds(),
		TraderToFillsOK:  ledgerExists,
		// PnL aggregation has caught up when its file is at least as
		// recent as the ledger's last append.
		FillsToPnlOK: ledgerExists && pnlExists && pnlAge <= ledgerAge+1,
	}
	p.resolve()
	return p
}

func (a *Aggregator) breakerState() BreakerState {
	if a.breaker == nil {
		return BreakerState{}
	}
	state := BreakerState{Active: a.breaker.Active()}
	if state.Active {
		state.Until = float64(a.breaker.OpenUntil().UnixNano()) / 1e9
		state.Reason = "failure threshold exceeded"
	}
	return state
}

// writerStall measures how long the feeder's designated outputs have gone
// without a write, using the newest monitored artifact as the signal.
func (a *Aggregator) writerStall(now time.Time) float64 {
	newest := -1.0
	for _, sym := range a.limits.Symbols {
		if age, ok := a.fileAge(oracle.SnapshotPath(sym), now); ok && (newest < 0 || age < newest) {
			newest = age
		}
	}
	if age, ok := a.fileAge(paths.HealthSSOTFile, now); ok && (newest < 0 || age < newest) {
		newest = age
	}
	if newest < 0 {
		return a.limits.WriterStall.Seconds() + 1
	}
	return newest
}

func (a *Aggregator) lastPlaybookRun() *PlaybookRun {
	lines, err := a.store.ReadNDJSON(paths.PlaybookResultsFile, 1)
	if err != nil || len(lines) == 0 {
		return nil
	}
	var run struct {
		PlaybookID string  `json:"playbook_id"`
		FinishedAt float64 `json:"finished_at"`
		Success    bool    `json:"success"`
	}
	if err := json.Unmarshal(lines[0], &run); err != nil {
		return nil
	}
	return &PlaybookRun{PlaybookID: run.PlaybookID, Timestamp: run.FinishedAt, Success: run.Success}
}

// fileAge returns the artifact's age in seconds and whether it exists.
func (a *Aggregator) fileAge(rel string, now time.Time) (float64, bool) {
	abs, err := a.store.Root().Resolve(rel)
	if err != nil {
		return 0, false
	}
	info, err := os.Stat(abs)
	if err != nil {
		return 0, false
	}
	age := now.Sub(info.ModTime()).Seconds()
	if age < 0 {
		age = 0
	}
	return age, true
}

func reasonUnless(ok bool, reason string) string {
	if ok {
		return ""
	}
	return reason
}
