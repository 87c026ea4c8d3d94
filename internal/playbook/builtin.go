package playbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/quantops/guardian/internal/backoff"
	"github.com/quantops/guardian/internal/exchange"
	"github.com/quantops/guardian/internal/oracle"
	"github.com/quantops/guardian/internal/paths"
)

// Built-in playbook ids.
const (
	PBFeederRestart   = "PB-01"
	PBSnapshotRebuild = "PB-02"
	PBHistoryBackfill = "PB-03"
	PBPositionRecon   = "PB-05"
	PBPnlReaggregate  = "PB-06"
	PBSignalRegen     = "PB-07"
)

const (
	defaultRestartWait   = 30 * time.Second
	defaultFreshTickWait = 15 * time.Second
	defaultRegenWait     = 2 * time.Minute

	freshTickAge   = 5 * time.Second
	freshSignalAge = 120 * time.Second
	backfillWindow = 24 * time.Hour
	historyGapMax  = 5 * time.Minute
)

// NewBuiltinEngine builds an engine with every built-in playbook
// registered.
func NewBuiltinEngine(env *Env, breaker *backoff.CircuitBreaker, archiver Archiver) *Engine {
	e := NewEngine(env, breaker, archiver)
	e.Register(FeederRestart())
	e.Register(SnapshotRebuild())
	e.Register(HistoryBackfill())
	e.Register(PositionReconciliation())
	e.Register(PnlReaggregation())
	e.Register(SignalRegeneration())
	return e
}

// FeederRestart requests a feeder restart and verifies a fresh tick
// arrives within the poll window.
func FeederRestart() Playbook {
	return Playbook{
		ID:          PBFeederRestart,
		Description: "restart a stalled feeder and confirm fresh ticks",
		Build: func(ex *Execution) []Step {
			env := ex.Env
			restartWait := orDefault(env.RestartWait, defaultRestartWait)
			tickWait := orDefault(env.FreshTickWait, defaultFreshTickWait)

			return []Step{
				{
					Name: "request_restart",
					Run: func(ctx context.Context, ex *Execution) error {
						return env.Store.WriteJSON(paths.RestartRequestFile, map[string]any{
							"reason":       "ws_stall",
							"timestamp":    float64(time.Now().UnixNano()) / 1e9,
							"requested_by": "playbook_" + PBFeederRestart,
						})
					},
				},
				{
					Name:    "await_restart",
					Timeout: restartWait,
					Run: func(ctx context.Context, ex *Execution) error {
						for {
							if !fileExists(env, paths.RestartRequestFile) {
								return nil
							}
							if err := sleepOrDone(ctx, env.pollInterval()); err != nil {
								return errors.New("restart request not consumed in time")
							}
						}
					},
				},
				{
					Name:    "await_fresh_tick",
					Timeout: tickWait,
					Run: func(ctx context.Context, ex *Execution) error {
						for {
							if rel, age, ok := newestSnapshot(env); ok && age <= freshTickAge.Seconds() {
								ex.AddArtifact(rel)
								return nil
							}
							if err := sleepOrDone(ctx, env.pollInterval()); err != nil {
								return errors.New("no fresh tick after restart")
							}
						}
					},
				},
				{
					Name: "validate_snapshot",
					Run: func(ctx context.Context, ex *Execution) error {
						rel, _, ok := newestSnapshot(env)
						if !ok {
							return errors.New("no snapshot to validate")
						}
						var snap oracle.PriceSnapshot
						if err := env.Store.ReadJSON(rel, &snap); err != nil {
							return err
						}
						if snap.Price <= 0 {
							return fmt.Errorf("snapshot %s has no usable price", rel)
						}
						return nil
					},
				},
			}
		},
	}
}

// SnapshotRebuild rebuilds the multi-symbol databus snapshot from the
// per-symbol price files, gated on minimum coverage.
func SnapshotRebuild() Playbook {
	return Playbook{
		ID:          PBSnapshotRebuild,
		Description: "rebuild the combined snapshot from per-symbol files",
		Build: func(ex *Execution) []Step {
			env := ex.Env
			var files []string
			var snapshots map[string]oracle.PriceSnapshot
			var coverage float64

			return []Step{
				{
					Name: "scan_per_symbol",
					Run: func(ctx context.Context, ex *Execution) error {
						var err error
						files, err = listSnapshots(env)
						if err != nil {
							return err
						}
						if len(files) == 0 {
							return errors.New("no per-symbol snapshot files")
						}
						return nil
					},
				},
				{
					Name: "build_checkpoint",
					Run: func(ctx context.Context, ex *Execution) error {
						snapshots = make(map[string]oracle.PriceSnapshot)
						for _, rel := range files {
							var snap oracle.PriceSnapshot
							if err := env.Store.ReadJSON(rel, &snap); err != nil {
								continue
							}
							if snap.Symbol == "" || snap.Price <= 0 {
								continue
							}
							snapshots[strings.ToUpper(snap.Symbol)] = snap
						}
						coverage = float64(len(snapshots)) / float64(len(files)) * 100
						return nil
					},
				},
				{
					Name: "coverage_gate",
					Run: func(ctx context.Context, ex *Execution) error {
						min := env.MinCoveragePct
						if min <= 0 {
							min = 60.0
						}
						if coverage < min {
							return fmt.Errorf("coverage %.1f%% below minimum %.1f%%", coverage, min)
						}
						return nil
					},
				},
				{
					Name: "publish_databus",
					Run: func(ctx context.Context, ex *Execution) error {
						return publishDatabus(ex, snapshots, coverage)
					},
				},
			}
		},
	}
}

// HistoryBackfill fills 1m candle gaps from the venue's klines endpoint,
// deduplicating on timestamp so reruns are idempotent.
func HistoryBackfill() Playbook {
	return Playbook{
		ID:          PBHistoryBackfill,
		Description: "backfill candle history gaps from the venue",
		Build: func(ex *Execution) []Step {
			env := ex.Env
			var needed []string
			backfilled := make(map[string]oracle.PriceSnapshot)

			return []Step{
				{
					Name: "find_gaps",
					Run: func(ctx context.Context, ex *Execution) error {
						nowMs := time.Now().UnixMilli()
						for _, sym := range env.Symbols {
							last, err := lastHistoryTimestamp(env, sym)
							if err != nil || last == 0 || nowMs-last > historyGapMax.Milliseconds() {
								needed = append(needed, sym)
							}
						}
						return nil
					},
				},
				{
					Name: "fetch_and_insert",
					Run: func(ctx context.Context, ex *Execution) error {
						if env.Client == nil {
							return errors.New("no exchange client for backfill")
						}
						nowMs := time.Now().UnixMilli()
						startMs := nowMs - backfillWindow.Milliseconds()

						for _, sym := range needed {
							klines, err := env.Client.GetKlines(ctx, sym, "1m", startMs, nowMs, 1000)
							if err != nil {
								return fmt.Errorf("klines %s: %w", sym, err)
							}
							inserted, last, err := insertCandles(env, sym, klines)
							if err != nil {
								return err
							}
							if inserted > 0 {
								ex.AddArtifact(oracle.HistoryPath(sym))
								backfilled[sym] = oracle.PriceSnapshot{
									Symbol: sym,
									Price:  last.Close,
									TSMs:   last.TimestampMs,
								}
							}
						}
						return nil
					},
				},
				{
					Name: "rebuild_snapshots",
					Run: func(ctx context.Context, ex *Execution) error {
						for sym, snap := range backfilled {
							rel := oracle.SnapshotPath(sym)
							if err := env.Store.WriteJSON(rel, snap); err != nil {
								return err
							}
							ex.AddArtifact(rel)
						}
						return nil
					},
				},
				{
					Name: "publish_databus",
					Run: func(ctx context.Context, ex *Execution) error {
						files, err := listSnapshots(env)
						if err != nil || len(files) == 0 {
							// Nothing to publish is fine here; the rebuild
							// playbook owns the missing-snapshots case.
							return nil
						}
						snapshots := make(map[string]oracle.PriceSnapshot)
						for _, rel := range files {
							var snap oracle.PriceSnapshot
							if err := env.Store.ReadJSON(rel, &snap); err != nil {
								continue
							}
							if snap.Symbol != "" {
								snapshots[strings.ToUpper(snap.Symbol)] = snap
							}
						}
						coverage := float64(len(snapshots)) / float64(len(files)) * 100
						return publishDatabus(ex, snapshots, coverage)
					},
				},
			}
		},
	}
}

// PositionReconciliation rebuilds the positions snapshot from the
// append-only trade ledger.
func PositionReconciliation() Playbook {
	return Playbook{
		ID:          PBPositionRecon,
		Description: "reconcile positions snapshot from the trade ledger",
		Build: func(ex *Execution) []Step {
			env := ex.Env
			var fills []oracle.TradeFill
			var doc oracle.PositionsDoc

			return []Step{
				{
					Name: "replay_ledger",
					Run: func(ctx context.Context, ex *Execution) error {
						var err error
						fills, err = oracle.ReadLedger(env.Store, 0)
						return err
					},
				},
				{
					Name: "compute_positions",
					Run: func(ctx context.Context, ex *Execution) error {
						doc = oracle.PositionsDoc{
							UpdatedMs: time.Now().UnixMilli(),
							Positions: make(map[string]oracle.PositionRecord),
						}
						for _, sym := range ledgerSymbols(fills) {
							pd, err := oracle.ReplayLedger(env.Store, sym)
							if err != nil {
								return err
							}
							doc.Positions[pd.Symbol] = oracle.PositionRecord{
								Qty:      pd.Qty,
								AvgPrice: pd.Entry,
							}
						}
						return nil
					},
				},
				{
					Name: "write_snapshot",
					Run: func(ctx context.Context, ex *Execution) error {
						if err := env.Store.WriteJSON(paths.PositionsFile, doc); err != nil {
							return err
						}
						ex.AddArtifact(paths.PositionsFile)
						return nil
					},
				},
				{
					Name: "verify",
					Run: func(ctx context.Context, ex *Execution) error {
						var back oracle.PositionsDoc
						if err := env.Store.ReadJSON(paths.PositionsFile, &back); err != nil {
							return err
						}
						if len(back.Positions) != len(doc.Positions) {
							return errors.New("written snapshot does not match computed positions")
						}
						return nil
					},
				},
			}
		},
	}
}

// PnlReaggregation recomputes today's realized PnL from the trade ledger.
func PnlReaggregation() Playbook {
	return Playbook{
		ID:          PBPnlReaggregate,
		Description: "re-aggregate daily PnL from the trade ledger",
		Build: func(ex *Execution) []Step {
			env := ex.Env
			var todayFills int
			var withPnl int
			perSymbol := make(map[string]float64)
			var total float64

			return []Step{
				{
					Name: "aggregate_today",
					Run: func(ctx context.Context, ex *Execution) error {
						lines, err := env.Store.ReadNDJSON(paths.TradesLedgerFile, 0)
						if err != nil {
							return err
						}
						today := time.Now().Format("2006-01-02")
						for _, line := range lines {
							var raw map[string]any
							if err := json.Unmarshal(line, &raw); err != nil {
								continue
							}
							var fill oracle.TradeFill
							if err := json.Unmarshal(line, &fill); err != nil {
								continue
							}
							day := time.UnixMilli(fill.TimestampMs).Format("2006-01-02")
							if day != today {
								continue
							}
							todayFills++
							if _, ok := raw["pnl"]; ok {
								withPnl++
							}
							sym := strings.ToUpper(fill.Symbol)
							perSymbol[sym] += fill.PnL
							total += fill.PnL
						}
						return nil
					},
				},
				{
					Name: "write_daily_pnl",
					Run: func(ctx context.Context, ex *Execution) error {
						err := env.Store.WriteJSON(paths.DailyPnLFile, map[string]any{
							"date":      time.Now().Format("2006-01-02"),
							"daily_pnl": perSymbol,
							"total":     total,
						})
						if err != nil {
							return err
						}
						ex.AddArtifact(paths.DailyPnLFile)
						return nil
					},
				},
				{
					Name: "verify",
					Run: func(ctx context.Context, ex *Execution) error {
						if todayFills > 0 && withPnl == 0 {
							return errors.New("fills present but none carried pnl")
						}
						return nil
					},
				},
			}
		},
	}
}

// SignalRegeneration requests a fresh signal run and waits for the
// candidates document to turn over.
func SignalRegeneration() Playbook {
	return Playbook{
		ID:          PBSignalRegen,
		Description: "force signal regeneration and confirm fresh candidates",
		Build: func(ex *Execution) []Step {
			env := ex.Env
			regenWait := orDefault(env.RegenWait, defaultRegenWait)

			return []Step{
				{
					Name: "request_regen",
					Run: func(ctx context.Context, ex *Execution) error {
						return env.Store.WriteJSON(paths.RegenRequestFile, map[string]any{
							"reason":       "signal_stale",
							"timestamp":    float64(time.Now().UnixNano()) / 1e9,
							"requested_by": "playbook_" + PBSignalRegen,
						})
					},
				},
				{
					Name:    "await_regen",
					Timeout: regenWait,
					Run: func(ctx context.Context, ex *Execution) error {
						for {
							if age, ok := fileAge(env, oracle.CandidatesPath()); ok && age <= freshSignalAge.Seconds() {
								return nil
							}
							if err := sleepOrDone(ctx, env.pollInterval()); err != nil {
								return errors.New("signals still stale after regen request")
							}
						}
					},
				},
				{
					Name: "validate_signals",
					Run: func(ctx context.Context, ex *Execution) error {
						var doc oracle.CandidatesDoc
						if err := env.Store.ReadJSON(oracle.CandidatesPath(), &doc); err != nil {
							return err
						}
						ex.AddArtifact(oracle.CandidatesPath())
						return nil
					},
				},
			}
		},
	}
}

func publishDatabus(ex *Execution, snapshots map[string]oracle.PriceSnapshot, coverage float64) error {
	err := ex.Env.Store.WriteJSON(paths.DatabusSnapshotFile, map[string]any{
		"timestamp": time.Now().UnixMilli(),
		"snapshots": snapshots,
		"coverage":  coverage,
		"source":    "rebuild",
	})
	if err != nil {
		return err
	}
	ex.AddArtifact(paths.DatabusSnapshotFile)
	return nil
}

// insertCandles appends klines missing from symbol's history file. Existing
// timestamps are skipped so repeated backfills never duplicate candles.
func insertCandles(env *Env, symbol string, klines []exchange.Kline) (int, oracle.Candle, error) {
	existing := make(map[int64]bool)
	lines, err := env.Store.ReadNDJSON(oracle.HistoryPath(symbol), 0)
	if err != nil {
		return 0, oracle.Candle{}, err
	}
	for _, line := range lines {
		var c oracle.Candle
		if err := json.Unmarshal(line, &c); err != nil {
			continue
		}
		existing[c.TimestampMs] = true
	}

	inserted := 0
	var last oracle.Candle
	for _, k := range klines {
		if existing[k.OpenTime] {
			continue
		}
		c := oracle.Candle{
			TimestampMs: k.OpenTime,
			Open:        k.Open,
			High:        k.High,
			Low:         k.Low,
			Close:       k.Close,
			Volume:      k.Volume,
		}
		if err := env.Store.AppendNDJSON(oracle.HistoryPath(symbol), c); err != nil {
			return inserted, last, err
		}
		inserted++
		last = c
	}
	return inserted, last, nil
}

func ledgerSymbols(fills []oracle.TradeFill) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range fills {
		sym := strings.ToUpper(f.Symbol)
		if !seen[sym] {
			seen[sym] = true
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

func fileExists(env *Env, rel string) bool {
	_, ok := fileAge(env, rel)
	return ok
}

func fileAge(env *Env, rel string) (float64, bool) {
	abs, err := env.Store.Root().Resolve(rel)
	if err != nil {
		return 0, false
	}
	info, err := os.Stat(abs)
	if err != nil {
		return 0, false
	}
	age := time.Since(info.ModTime()).Seconds()
	if age < 0 {
		age = 0
	}
	return age, true
}

func newestSnapshot(env *Env) (string, float64, bool) {
	files, err := listSnapshots(env)
	if err != nil {
		return "", 0, false
	}
	best := ""
	bestAge := 0.0
	for _, rel := range files {
		age, ok := fileAge(env, rel)
		if !ok {
			continue
		}
		if best == "" || age < bestAge {
			best, bestAge = rel, age
		}
	}
	return best, bestAge, best != ""
}

func listSnapshots(env *Env) ([]string, error) {
	abs, err := env.Store.Root().Resolve(paths.SnapshotsDir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "prices_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, paths.SnapshotsDir+"/"+name)
	}
	sort.Strings(out)
	return out, nil
}

func lastHistoryTimestamp(env *Env, symbol string) (int64, error) {
	lines, err := env.Store.ReadNDJSON(oracle.HistoryPath(symbol), 1)
	if err != nil {
		return 0, err
	}
	if len(lines) == 0 {
		return 0, nil
	}
	var c oracle.Candle
	if err := json.Unmarshal(lines[0], &c); err != nil {
		return 0, err
	}
	return c.TimestampMs, nil
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
