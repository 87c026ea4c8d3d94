package playbook

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantops/guardian/internal/backoff"
	"github.com/quantops/guardian/internal/exchange"
	"github.com/quantops/guardian/internal/oracle"
	"github.com/quantops/guardian/internal/paths"
	"github.com/quantops/guardian/internal/store"
)

type fakeClient struct {
	klines []exchange.Kline
	err    error
}

func (f *fakeClient) GetServerTime(context.Context) (time.Time, error) { return time.Now(), nil }
func (f *fakeClient) Sign(p url.Values) (url.Values, error)            { return p, nil }
func (f *fakeClient) GetAccount(context.Context) (*exchange.Account, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeClient) GetKlines(context.Context, string, string, int64, int64, int) ([]exchange.Kline, error) {
	return f.klines, f.err
}
func (f *fakeClient) GetTickerPrice(context.Context, string) (*exchange.Ticker, error) {
	return nil, errors.New("not implemented")
}

func newTestEnv(t *testing.T) *Env {
	t.Helper()
	root, err := paths.NewRoot(t.TempDir())
	require.NoError(t, err)
	return &Env{
		Store:          store.New(root, store.Options{Role: "monitor"}),
		Symbols:        []string{"BTCUSDT"},
		MinCoveragePct: 60.0,
		PollInterval:   10 * time.Millisecond,
		RestartWait:    200 * time.Millisecond,
		FreshTickWait:  200 * time.Millisecond,
		RegenWait:      200 * time.Millisecond,
	}
}

func singleStep(id string, fn func() error) Playbook {
	return Playbook{
		ID: id,
		Build: func(ex *Execution) []Step {
			return []Step{{Name: "only", Run: func(ctx context.Context, ex *Execution) error {
				return fn()
			}}}
		},
	}
}

func TestEngineUnknownPlaybook(t *testing.T) {
	e := NewEngine(newTestEnv(t), nil, nil)
	_, err := e.Run(context.Background(), "PB-99", nil)
	assert.Error(t, err)
}

func TestEngineStopsAtFirstFailure(t *testing.T) {
	env := newTestEnv(t)
	e := NewEngine(env, nil, nil)
	var thirdRan bool
	e.Register(Playbook{
		ID: "PB-T1",
		Build: func(ex *Execution) []Step {
			return []Step{
				{Name: "one", Run: func(ctx context.Context, ex *Execution) error { return nil }},
				{Name: "two", Run: func(ctx context.Context, ex *Execution) error { return errors.New("boom") }},
				{Name: "three", Run: func(ctx context.Context, ex *Execution) error { thirdRan = true; return nil }},
			}
		},
	})

	r, err := e.Run(context.Background(), "PB-T1", nil)
	require.NoError(t, err)
	assert.False(t, r.Success)
	assert.Equal(t, 1, r.StepsCompleted)
	assert.Equal(t, 3, r.TotalSteps)
	assert.Contains(t, r.ErrorMessage, "two")
	assert.False(t, thirdRan)
}

func TestEngineSuccessMeansAllSteps(t *testing.T) {
	env := newTestEnv(t)
	e := NewEngine(env, nil, nil)
	e.Register(singleStep("PB-T2", func() error { return nil }))

	r, err := e.Run(context.Background(), "PB-T2", nil)
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, r.TotalSteps, r.StepsCompleted)
	assert.GreaterOrEqual(t, r.StepsCompleted, 0)
}

func TestEngineRecordsHistoryAndResultLog(t *testing.T) {
	env := newTestEnv(t)
	e := NewEngine(env, nil, nil)
	e.Register(singleStep("PB-T3", func() error { return nil }))

	before := time.Now().Add(-time.Second)
	_, err := e.Run(context.Background(), "PB-T3", nil)
	require.NoError(t, err)

	assert.True(t, e.AttemptedSince(before))
	assert.False(t, e.AttemptedSince(time.Now().Add(time.Hour)))
	assert.Len(t, e.History(), 1)

	lines, err := env.Store.ReadNDJSON(paths.PlaybookResultsFile, 0)
	require.NoError(t, err)
	require.Len(t, lines, 1)

	var logged Result
	require.NoError(t, json.Unmarshal(lines[0], &logged))
	assert.Equal(t, "PB-T3", logged.PlaybookID)
	assert.True(t, logged.Success)
}

func TestEngineNotifiesObserver(t *testing.T) {
	env := newTestEnv(t)
	e := NewEngine(env, nil, nil)
	e.Register(singleStep("PB-T6", func() error { return nil }))
	e.Register(singleStep("PB-T7", func() error { return errors.New("boom") }))

	var seen []Result
	e.SetObserver(func(r Result) { seen = append(seen, r) })

	_, err := e.Run(context.Background(), "PB-T6", nil)
	require.NoError(t, err)
	_, err = e.Run(context.Background(), "PB-T7", nil)
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, "PB-T6", seen[0].PlaybookID)
	assert.True(t, seen[0].Success)
	assert.Equal(t, "PB-T7", seen[1].PlaybookID)
	assert.False(t, seen[1].Success)
	assert.GreaterOrEqual(t, seen[1].DurationSec, 0.0)
}

func TestEngineHistoryIsBounded(t *testing.T) {
	env := newTestEnv(t)
	e := NewEngine(env, nil, nil)
	e.Register(singleStep("PB-T4", func() error { return nil }))

	for i := 0; i < historySize+20; i++ {
		_, err := e.Run(context.Background(), "PB-T4", nil)
		require.NoError(t, err)
	}
	assert.Len(t, e.History(), historySize)
}

func TestEngineFeedsBreaker(t *testing.T) {
	env := newTestEnv(t)
	breaker := backoff.NewCircuitBreaker(2, time.Minute)
	e := NewEngine(env, breaker, nil)
	e.Register(singleStep("PB-T5", func() error { return errors.New("boom") }))

	for i := 0; i < 2; i++ {
		_, err := e.Run(context.Background(), "PB-T5", nil)
		require.NoError(t, err)
	}
	assert.True(t, breaker.Active())
}

func TestFeederRestartTimesOutWhenRequestNotConsumed(t *testing.T) {
	env := newTestEnv(t)
	e := NewBuiltinEngine(env, nil, nil)

	r, err := e.Run(context.Background(), PBFeederRestart, nil)
	require.NoError(t, err)
	assert.False(t, r.Success)
	assert.Equal(t, 1, r.StepsCompleted)
	assert.Contains(t, r.ErrorMessage, "await_restart")
}

func TestFeederRestartSucceedsWhenFeederRecovers(t *testing.T) {
	env := newTestEnv(t)
	e := NewBuiltinEngine(env, nil, nil)

	// Play the feeder: consume the restart request, then emit a fresh tick.
	go func() {
		reqAbs, _ := env.Store.Root().Resolve(paths.RestartRequestFile)
		for i := 0; i < 100; i++ {
			if _, err := os.Stat(reqAbs); err == nil {
				os.Remove(reqAbs)
				env.Store.WriteJSON(oracle.SnapshotPath("BTCUSDT"), oracle.PriceSnapshot{
					Symbol: "BTCUSDT", Price: 100, TSMs: time.Now().UnixMilli(),
				})
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	r, err := e.Run(context.Background(), PBFeederRestart, nil)
	require.NoError(t, err)
	assert.True(t, r.Success, "error: %s", r.ErrorMessage)
	assert.Equal(t, r.TotalSteps, r.StepsCompleted)
}

func TestSnapshotRebuildCoverageGate(t *testing.T) {
	env := newTestEnv(t)
	e := NewBuiltinEngine(env, nil, nil)

	// Two snapshot files, only one valid: 50% coverage, below the gate.
	require.NoError(t, env.Store.WriteJSON(oracle.SnapshotPath("BTCUSDT"), oracle.PriceSnapshot{
		Symbol: "BTCUSDT", Price: 100, TSMs: time.Now().UnixMilli(),
	}))
	require.NoError(t, env.Store.WriteJSON(oracle.SnapshotPath("ETHUSDT"), oracle.PriceSnapshot{
		Symbol: "ETHUSDT", Price: 0, TSMs: time.Now().UnixMilli(),
	}))

	r, err := e.Run(context.Background(), PBSnapshotRebuild, nil)
	require.NoError(t, err)
	assert.False(t, r.Success)
	assert.Contains(t, r.ErrorMessage, "coverage")
}

func TestSnapshotRebuildPublishesDatabus(t *testing.T) {
	env := newTestEnv(t)
	e := NewBuiltinEngine(env, nil, nil)

	for _, sym := range []string{"BTCUSDT", "ETHUSDT"} {
		require.NoError(t, env.Store.WriteJSON(oracle.SnapshotPath(sym), oracle.PriceSnapshot{
			Symbol: sym, Price: 100, TSMs: time.Now().UnixMilli(),
		}))
	}

	r, err := e.Run(context.Background(), PBSnapshotRebuild, nil)
	require.NoError(t, err)
	assert.True(t, r.Success, "error: %s", r.ErrorMessage)
	assert.Contains(t, r.ArtifactsCreated, paths.DatabusSnapshotFile)

	var databus struct {
		Snapshots map[string]oracle.PriceSnapshot `json:"snapshots"`
		Coverage  float64                         `json:"coverage"`
	}
	require.NoError(t, env.Store.ReadJSON(paths.DatabusSnapshotFile, &databus))
	assert.Len(t, databus.Snapshots, 2)
	assert.InDelta(t, 100.0, databus.Coverage, 1e-9)
}

func TestHistoryBackfillIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	nowMs := time.Now().UnixMilli()
	env.Client = &fakeClient{klines: []exchange.Kline{
		{OpenTime: nowMs - 120_000, Open: 99, High: 101, Low: 98, Close: 100, Volume: 5},
		{OpenTime: nowMs - 60_000, Open: 100, High: 102, Low: 99, Close: 101, Volume: 6},
	}}
	e := NewBuiltinEngine(env, nil, nil)

	r, err := e.Run(context.Background(), PBHistoryBackfill, nil)
	require.NoError(t, err)
	assert.True(t, r.Success, "error: %s", r.ErrorMessage)

	lines, err := env.Store.ReadNDJSON(oracle.HistoryPath("BTCUSDT"), 0)
	require.NoError(t, err)
	assert.Len(t, lines, 2)

	// Rerun: same klines, nothing new inserted.
	_, err = e.Run(context.Background(), PBHistoryBackfill, nil)
	require.NoError(t, err)
	lines, err = env.Store.ReadNDJSON(oracle.HistoryPath("BTCUSDT"), 0)
	require.NoError(t, err)
	assert.Len(t, lines, 2)

	// The rebuilt snapshot carries the newest close.
	var snap oracle.PriceSnapshot
	require.NoError(t, env.Store.ReadJSON(oracle.SnapshotPath("BTCUSDT"), &snap))
	assert.Equal(t, 101.0, snap.Price)
}

func TestPositionReconciliationRebuildsSnapshot(t *testing.T) {
	env := newTestEnv(t)
	nowMs := time.Now().UnixMilli()
	for _, f := range []oracle.TradeFill{
		{Symbol: "BTCUSDT", Side: "BUY", Qty: 2, Price: 40000, TimestampMs: nowMs - 3000},
		{Symbol: "BTCUSDT", Side: "SELL", Qty: 1, Price: 42000, TimestampMs: nowMs - 2000},
		{Symbol: "ETHUSDT", Side: "BUY", Qty: 5, Price: 2000, TimestampMs: nowMs - 1000},
	} {
		require.NoError(t, env.Store.AppendNDJSON(paths.TradesLedgerFile, f))
	}
	e := NewBuiltinEngine(env, nil, nil)

	r, err := e.Run(context.Background(), PBPositionRecon, nil)
	require.NoError(t, err)
	assert.True(t, r.Success, "error: %s", r.ErrorMessage)

	var doc oracle.PositionsDoc
	require.NoError(t, env.Store.ReadJSON(paths.PositionsFile, &doc))
	require.Len(t, doc.Positions, 2)
	assert.InDelta(t, 1.0, doc.Positions["BTCUSDT"].Qty, 1e-9)
	assert.InDelta(t, 40000.0, doc.Positions["BTCUSDT"].AvgPrice, 1e-6)
	assert.InDelta(t, 5.0, doc.Positions["ETHUSDT"].Qty, 1e-9)
}

func TestPnlReaggregation(t *testing.T) {
	env := newTestEnv(t)
	nowMs := time.Now().UnixMilli()
	for _, f := range []oracle.TradeFill{
		{Symbol: "BTCUSDT", Side: "SELL", Qty: 1, Price: 42000, PnL: 150, TimestampMs: nowMs - 2000},
		{Symbol: "ETHUSDT", Side: "SELL", Qty: 2, Price: 2100, PnL: -40, TimestampMs: nowMs - 1000},
	} {
		require.NoError(t, env.Store.AppendNDJSON(paths.TradesLedgerFile, f))
	}
	e := NewBuiltinEngine(env, nil, nil)

	r, err := e.Run(context.Background(), PBPnlReaggregate, nil)
	require.NoError(t, err)
	assert.True(t, r.Success, "error: %s", r.ErrorMessage)

	var pnl struct {
		DailyPnl map[string]float64 `json:"daily_pnl"`
		Total    float64            `json:"total"`
	}
	require.NoError(t, env.Store.ReadJSON(paths.DailyPnLFile, &pnl))
	assert.InDelta(t, 110.0, pnl.Total, 1e-9)
	assert.InDelta(t, 150.0, pnl.DailyPnl["BTCUSDT"], 1e-9)
}

func TestPnlReaggregationEmptyLedgerSucceeds(t *testing.T) {
	env := newTestEnv(t)
	e := NewBuiltinEngine(env, nil, nil)

	r, err := e.Run(context.Background(), PBPnlReaggregate, nil)
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, r.TotalSteps, r.StepsCompleted)
}

func TestSignalRegenerationTimesOutOnStaleSignals(t *testing.T) {
	env := newTestEnv(t)
	e := NewBuiltinEngine(env, nil, nil)

	r, err := e.Run(context.Background(), PBSignalRegen, nil)
	require.NoError(t, err)
	assert.False(t, r.Success)
	assert.Contains(t, r.ErrorMessage, "await_regen")
}

func TestSignalRegenerationSucceedsOnFreshCandidates(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.Store.WriteJSON(oracle.CandidatesPath(), oracle.CandidatesDoc{
		GeneratedMs: time.Now().UnixMilli(),
	}))
	e := NewBuiltinEngine(env, nil, nil)

	r, err := e.Run(context.Background(), PBSignalRegen, nil)
	require.NoError(t, err)
	assert.True(t, r.Success, "error: %s", r.ErrorMessage)
}
