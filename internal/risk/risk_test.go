package risk

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantops/guardian/internal/config"
	"github.com/quantops/guardian/internal/paths"
	"github.com/quantops/guardian/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	root, err := paths.NewRoot(t.TempDir())
	require.NoError(t, err)
	return store.New(root, store.Options{Role: "guardian"})
}

func testSettings() Settings {
	return Settings{
		AutoSwitchEnabled:       true,
		ReturnPolicy:            config.ReturnManual,
		ConsecutiveLossTrigger:  3,
		IntradayDrawdownTrigPct: 2.0,
		HardCutoffDailyLossPct:  3.0,
		OrderFailureCount:       3,
		OrderFailureWindow:      15 * time.Minute,
		DataStalenessLimit:      3 * time.Minute,
		RestTimeoutCount:        5,
		RestTimeoutWindow:       10 * time.Minute,
		MinRecoveryHours:        12,
		RecoveryPnlPct:          1.0,
	}
}

type recordedAlert struct {
	mode, reason, message string
}

type fakeAlerter struct {
	sent []recordedAlert
}

func (f *fakeAlerter) Send(mode, reason, message string) error {
	f.sent = append(f.sent, recordedAlert{mode, reason, message})
	return nil
}

type fakeEmitter struct {
	modes   []string
	reasons []string
}

func (f *fakeEmitter) EmitRiskModeChange(mode, reason string) error {
	f.modes = append(f.modes, mode)
	f.reasons = append(f.reasons, reason)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeAlerter, *fakeEmitter) {
	t.Helper()
	alerter := &fakeAlerter{}
	emitter := &fakeEmitter{}
	m := NewManager(testSettings(), newTestStore(t), alerter, emitter, nil)
	return m, alerter, emitter
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("SAFE")
	require.NoError(t, err)
	assert.Equal(t, ModeSafe, m)

	_, err = ParseMode("YOLO")
	assert.Error(t, err)
}

func TestStateStoreDefaults(t *testing.T) {
	ss := NewStateStore(newTestStore(t))

	st, err := ss.Load()
	require.NoError(t, err)
	assert.Equal(t, ModeAggressive, st.CurrentMode)
	assert.Equal(t, 0, st.ConsecutiveLosses)
	assert.Equal(t, stateVersion, st.Version)
}

func TestStateStorePreservesOtherSections(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.WriteJSON(paths.StateBusFile, map[string]any{
		"feeder": map[string]any{"connected": true},
	}))

	ss := NewStateStore(st)
	_, err := ss.Update(func(s *State) { s.ConsecutiveLosses = 2 })
	require.NoError(t, err)

	bus := map[string]json.RawMessage{}
	require.NoError(t, st.ReadJSON(paths.StateBusFile, &bus))
	assert.Contains(t, bus, "feeder")
	assert.Contains(t, bus, "risk")

	loaded, err := ss.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.ConsecutiveLosses)
}

func TestThreeLossesSwitchToSafe(t *testing.T) {
	m, alerter, emitter := newTestManager(t)

	require.NoError(t, m.OnTradeFill("BTCUSDT", "SELL", -50, 9950))
	require.NoError(t, m.OnTradeFill("ETHUSDT", "SELL", -30, 9920))
	assert.Equal(t, ModeAggressive, m.States().Mode())

	require.NoError(t, m.OnTradeFill("SOLUSDT", "SELL", -20, 9900))
	assert.Equal(t, ModeSafe, m.States().Mode())

	st, err := m.States().Load()
	require.NoError(t, err)
	assert.Equal(t, ReasonConsecutiveLosses, st.LastSwitchReason)
	assert.Equal(t, 3, st.ConsecutiveLosses)

	require.Len(t, alerter.sent, 1)
	assert.Equal(t, "SAFE", alerter.sent[0].mode)
	require.Len(t, emitter.modes, 1)
	assert.Equal(t, "SAFE", emitter.modes[0])

	profile, err := ActiveProfile(m.store)
	require.NoError(t, err)
	assert.Equal(t, "SAFE", profile.Name)
	assert.Equal(t, 3, profile.MaxConcurrentPositions)
}

func TestWinResetsLossStreak(t *testing.T) {
	m, _, _ := newTestManager(t)

	require.NoError(t, m.OnTradeFill("BTCUSDT", "SELL", -50, 9950))
	require.NoError(t, m.OnTradeFill("BTCUSDT", "SELL", -30, 9920))
	require.NoError(t, m.OnTradeFill("BTCUSDT", "BUY", 80, 10000))
	require.NoError(t, m.OnTradeFill("BTCUSDT", "SELL", -10, 9990))

	st, err := m.States().Load()
	require.NoError(t, err)
	assert.Equal(t, 1, st.ConsecutiveLosses)
	assert.Equal(t, ModeAggressive, st.CurrentMode)
}

func TestIntradayDrawdownTrigger(t *testing.T) {
	m, _, _ := newTestManager(t)

	// First fill sets day open equity.
	require.NoError(t, m.OnTradeFill("BTCUSDT", "BUY", 10, 10000))
	// 2.5% down from the open.
	require.NoError(t, m.OnTradeFill("BTCUSDT", "SELL", -250, 9750))

	st, err := m.States().Load()
	require.NoError(t, err)
	assert.Equal(t, ModeSafe, st.CurrentMode)
	assert.Equal(t, ReasonIntradayDrawdown, st.LastSwitchReason)
	assert.InDelta(t, -2.5, st.IntradayPnlPct, 0.001)
}

func TestHardCutoffWinsOverDrawdown(t *testing.T) {
	m, _, _ := newTestManager(t)

	require.NoError(t, m.OnTradeFill("BTCUSDT", "BUY", 10, 10000))
	require.NoError(t, m.OnTradeFill("BTCUSDT", "SELL", -350, 9650))

	st, err := m.States().Load()
	require.NoError(t, err)
	assert.Equal(t, ModeSafe, st.CurrentMode)
	assert.Equal(t, ReasonHardCutoff, st.LastSwitchReason)
}

func TestSwitchModeIdempotent(t *testing.T) {
	m, alerter, _ := newTestManager(t)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	m.states.now = m.now

	require.NoError(t, m.SwitchMode(ModeSafe, "operator"))
	first, err := m.States().Load()
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(time.Hour) }
	m.states.now = m.now
	require.NoError(t, m.SwitchMode(ModeSafe, "operator again"))

	second, err := m.States().Load()
	require.NoError(t, err)
	assert.Equal(t, first.LastSwitchTS, second.LastSwitchTS)
	assert.Equal(t, first.LastSwitchReason, second.LastSwitchReason)
	assert.Len(t, alerter.sent, 1)
}

func TestManualResumeRejectedUnderAutoPolicy(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.settings.ReturnPolicy = config.ReturnAuto

	require.NoError(t, m.SwitchMode(ModeSafe, "operator"))

	resumed, err := m.ResumeAggressive(false)
	assert.Error(t, err)
	assert.False(t, resumed)
	assert.Equal(t, ModeSafe, m.States().Mode())
}

func TestManualResume(t *testing.T) {
	m, _, emitter := newTestManager(t)

	require.NoError(t, m.SwitchMode(ModeSafe, "operator"))
	resumed, err := m.ResumeAggressive(false)
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, ModeAggressive, m.States().Mode())
	assert.Equal(t, ReasonManualResume, emitter.reasons[len(emitter.reasons)-1])

	// Already aggressive: no-op, no error.
	resumed, err = m.ResumeAggressive(false)
	require.NoError(t, err)
	assert.False(t, resumed)
}

func TestAutoRecoveryAfterWindow(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.settings.ReturnPolicy = config.ReturnAuto

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	m.states.now = m.now

	require.NoError(t, m.SwitchMode(ModeSafe, "trigger"))
	_, err := m.States().Update(func(s *State) { s.IntradayPnlPct = 1.5 })
	require.NoError(t, err)

	// Too early.
	m.now = func() time.Time { return base.Add(6 * time.Hour) }
	m.states.now = m.now
	m.Tick()
	assert.Equal(t, ModeSafe, m.States().Mode())

	// Past the recovery window with positive PnL.
	m.now = func() time.Time { return base.Add(13 * time.Hour) }
	m.states.now = m.now
	m.Tick()
	assert.Equal(t, ModeAggressive, m.States().Mode())

	st, err := m.States().Load()
	require.NoError(t, err)
	assert.Equal(t, ReasonAutoRecovery, st.LastSwitchReason)
}

func TestAutoRecoveryNeedsPnl(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.settings.ReturnPolicy = config.ReturnAuto

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	m.states.now = m.now
	require.NoError(t, m.SwitchMode(ModeSafe, "trigger"))
	_, err := m.States().Update(func(s *State) { s.IntradayPnlPct = 0.2 })
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(24 * time.Hour) }
	m.states.now = m.now
	m.Tick()
	assert.Equal(t, ModeSafe, m.States().Mode())
}

func TestMidnightResetPreservesModeAndStreak(t *testing.T) {
	m, _, _ := newTestManager(t)

	require.NoError(t, m.OnTradeFill("BTCUSDT", "SELL", -50, 9950))
	require.NoError(t, m.SwitchMode(ModeSafe, "operator"))

	require.NoError(t, m.MidnightReset(9950))

	st, err := m.States().Load()
	require.NoError(t, err)
	assert.Equal(t, ModeSafe, st.CurrentMode)
	assert.Equal(t, 1, st.ConsecutiveLosses)
	assert.Equal(t, 9950.0, st.DayOpenEquity)
	assert.Equal(t, 9950.0, st.DrawdownPeakEquity)
	assert.Zero(t, st.TodayRealizedPnl)
	assert.Zero(t, st.IntradayPnlPct)
}

func TestMidnightResetFiresFromTick(t *testing.T) {
	m, _, _ := newTestManager(t)

	night := time.Date(2026, 3, 2, 0, 5, 0, 0, time.UTC)
	m.states.now = func() time.Time { return night.Add(-2 * time.Hour) }
	_, err := m.States().Update(func(s *State) {
		s.DayOpenEquity = 12000
		s.TodayRealizedPnl = -300
		s.IntradayPnlPct = -2.5
	})
	require.NoError(t, err)

	m.now = func() time.Time { return night }
	m.states.now = m.now
	m.Tick()

	st, err := m.States().Load()
	require.NoError(t, err)
	assert.Zero(t, st.TodayRealizedPnl)
	assert.Zero(t, st.IntradayPnlPct)
	assert.Equal(t, 12000.0, st.DayOpenEquity)
}

func TestOrderFailuresTriggerAutoHeal(t *testing.T) {
	m, _, _ := newTestManager(t)

	require.NoError(t, m.RecordOrderFailure(nil))
	require.NoError(t, m.RecordOrderFailure(nil))
	assert.Equal(t, ModeAggressive, m.States().Mode())

	require.NoError(t, m.RecordOrderFailure(nil))
	assert.Equal(t, ModeSafe, m.States().Mode())

	st, err := m.States().Load()
	require.NoError(t, err)
	assert.Equal(t, ReasonAutoHeal, st.LastSwitchReason)
}

func TestOrderFailureWindowExpires(t *testing.T) {
	m, _, _ := newTestManager(t)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	m.states.now = m.now

	require.NoError(t, m.RecordOrderFailure(nil))
	require.NoError(t, m.RecordOrderFailure(nil))

	// Third failure lands after the first two aged out.
	m.now = func() time.Time { return base.Add(20 * time.Minute) }
	m.states.now = m.now
	require.NoError(t, m.RecordOrderFailure(nil))
	assert.Equal(t, ModeAggressive, m.States().Mode())
}

func TestDataStalenessTrigger(t *testing.T) {
	m, _, _ := newTestManager(t)

	require.NoError(t, m.ReportDataStaleness(90*time.Second, nil))
	assert.Equal(t, ModeAggressive, m.States().Mode())

	require.NoError(t, m.ReportDataStaleness(4*time.Minute, map[string]any{"feed": "ws"}))
	assert.Equal(t, ModeSafe, m.States().Mode())
}

func TestAutoSwitchDisabled(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.settings.AutoSwitchEnabled = false

	for i := 0; i < 5; i++ {
		require.NoError(t, m.OnTradeFill("BTCUSDT", "SELL", -100, 9000))
	}
	assert.Equal(t, ModeAggressive, m.States().Mode())
}

func TestCallbacksObserveSwitch(t *testing.T) {
	m, _, _ := newTestManager(t)

	var from, to Mode
	var reason string
	m.RegisterCallback(func(f, tg Mode, r string) {
		from, to, reason = f, tg, r
	})
	m.RegisterCallback(func(Mode, Mode, string) {
		panic("listener bug")
	})

	require.NoError(t, m.SwitchMode(ModeSafe, "operator"))
	assert.Equal(t, ModeAggressive, from)
	assert.Equal(t, ModeSafe, to)
	assert.Equal(t, "operator", reason)
	assert.Equal(t, ModeSafe, m.States().Mode())
}

func TestLoadProfilesOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	yaml := `profiles:
  SAFE:
    daily_loss_limit_pct: 0.5
    trade_risk_per_position_pct: 0.1
    vol_target_pct: 10
    max_concurrent_positions: 2
    slippage_bps: 10
    cooldown_min: 90
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	profiles, err := LoadProfiles(path)
	require.NoError(t, err)

	safe := profiles[ModeSafe]
	assert.Equal(t, "SAFE", safe.Name)
	assert.Equal(t, 0.5, safe.DailyLossLimitPct)
	assert.Equal(t, 2, safe.MaxConcurrentPositions)

	// AGGRESSIVE untouched.
	assert.Equal(t, 12, profiles[ModeAggressive].MaxConcurrentPositions)
}

func TestLoadProfilesRejectsUnknownMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("profiles:\n  TURBO:\n    daily_loss_limit_pct: 9\n"), 0o644))

	_, err := LoadProfiles(path)
	assert.Error(t, err)
}

func TestStatusReportsProfileAndTriggers(t *testing.T) {
	m, _, _ := newTestManager(t)

	require.NoError(t, m.OnTradeFill("BTCUSDT", "SELL", -50, 9950))
	require.NoError(t, m.OnTradeFill("BTCUSDT", "SELL", -50, 9900))
	require.NoError(t, m.OnTradeFill("BTCUSDT", "SELL", -50, 9850))

	status, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, ModeSafe, status.CurrentMode)
	assert.Equal(t, "SAFE", status.Profile.Name)
	require.NotEmpty(t, status.RecentTriggers)
	assert.Equal(t, ReasonConsecutiveLosses, status.RecentTriggers[len(status.RecentTriggers)-1].Type)
}
