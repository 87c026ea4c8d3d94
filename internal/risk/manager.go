package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantops/guardian/internal/config"
	"github.com/quantops/guardian/internal/store"
)

// fallbackEquity seeds the midnight reset when no equity has ever been
// recorded.
const fallbackEquity = 10000.0

const maxRecentTriggers = 50

// Auto-heal event types.
const (
	HealOrderFailure  = "order_failure"
	HealDataStaleness = "data_staleness"
	HealRestTimeout   = "rest_timeout"
)

// Settings are the trigger and recovery thresholds for the state machine.
type Settings struct {
	AutoSwitchEnabled bool
	ReturnPolicy      config.ReturnPolicy

	ConsecutiveLossTrigger  int
	IntradayDrawdownTrigPct float64
	HardCutoffDailyLossPct  float64

	OrderFailureCount  int
	OrderFailureWindow time.Duration
	DataStalenessLimit time.Duration
	RestTimeoutCount   int
	RestTimeoutWindow  time.Duration

	MinRecoveryHours int
	RecoveryPnlPct   float64
}

func SettingsFromConfig(c *config.Config) Settings {
	return Settings{
		AutoSwitchEnabled:       c.AutoSwitchEnabled,
		ReturnPolicy:            c.ReturnPolicy,
		ConsecutiveLossTrigger:  c.ConsecutiveLossTrigger,
		IntradayDrawdownTrigPct: c.IntradayDrawdownTrigPct,
		HardCutoffDailyLossPct:  c.HardCutoffDailyLossPct,
		OrderFailureCount:       c.OrderFailureCount,
		OrderFailureWindow:      c.OrderFailureWindow,
		DataStalenessLimit:      c.DataStalenessLimit,
		RestTimeoutCount:        c.RestTimeoutCount,
		RestTimeoutWindow:       c.RestTimeoutWindow,
		MinRecoveryHours:        c.MinRecoveryHours,
		RecoveryPnlPct:          c.RecoveryPnlPct,
	}
}

// Alerter fans a mode switch out to the operator-facing alert artifacts.
type Alerter interface {
	Send(mode, reason, message string) error
}

// EventEmitter publishes the machine-readable mode change event.
type EventEmitter interface {
	EmitRiskModeChange(mode, reason string) error
}

// AutoHealEvent is a critical event reported by the self-healing layer.
type AutoHealEvent struct {
	Type      string
	Timestamp time.Time
	Count     int
	Window    time.Duration
	Details   map[string]any
}

// Trigger records a fired risk trigger.
type Trigger struct {
	Type      string         `json:"trigger_type"`
	Timestamp string         `json:"timestamp"`
	Value     float64        `json:"value"`
	Threshold float64        `json:"threshold"`
	Details   map[string]any `json:"details,omitempty"`
}

// Callback observes completed mode switches. Callback errors are the
// callback's problem; a panic or failure in one never blocks the switch
// or the remaining callbacks.
type Callback func(from, to Mode, reason string)

// Manager observes trading activity and drives mode switches. All trigger
// evaluation goes through it so a switch happens at most once per cause.
type Manager struct {
	settings Settings
	states   *StateStore
	profiles map[Mode]Profile
	store    *store.Store
	alerter  Alerter
	emitter  EventEmitter
	now      func() time.Time

	mu            sync.Mutex
	callbacks     []Callback
	recent        []Trigger
	orderFailures []time.Time
	restTimeouts  []time.Time
}

func NewManager(settings Settings, st *store.Store, alerter Alerter, emitter EventEmitter, profiles map[Mode]Profile) *Manager {
	if profiles == nil {
		profiles = DefaultProfiles()
	}
	return &Manager{
		settings: settings,
		states:   NewStateStore(st),
		profiles: profiles,
		store:    st,
		alerter:  alerter,
		emitter:  emitter,
		now:      time.Now,
	}
}

// States exposes the underlying state store.
func (m *Manager) States() *StateStore {
	return m.states
}

func (m *Manager) RegisterCallback(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// OnTradeFill folds one closed trade into the loss streak and intraday
// PnL tracking, then evaluates the drawdown triggers.
func (m *Manager) OnTradeFill(symbol, side string, realizedPnl, currentEquity float64) error {
	if !m.settings.AutoSwitchEnabled {
		return nil
	}

	st, err := m.states.Update(func(s *State) {
		if realizedPnl < 0 {
			s.ConsecutiveLosses++
		} else {
			s.ConsecutiveLosses = 0
		}
		s.TodayRealizedPnl += realizedPnl

		if s.DayOpenEquity == 0 {
			s.DayOpenEquity = currentEquity
		}
		if s.DayOpenEquity > 0 {
			s.IntradayPnlPct = (currentEquity - s.DayOpenEquity) / s.DayOpenEquity * 100
		}
		if currentEquity > s.DrawdownPeakEquity {
			s.DrawdownPeakEquity = currentEquity
		}
	})
	if err != nil {
		return err
	}

	if realizedPnl < 0 {
		log.Info().
			Str("symbol", symbol).
			Str("side", side).
			Float64("pnl", realizedPnl).
			Int("streak", st.ConsecutiveLosses).
			Msg("loss recorded")
	}

	details := map[string]any{"symbol": symbol, "side": side, "pnl": realizedPnl}

	if st.ConsecutiveLosses >= m.settings.ConsecutiveLossTrigger {
		return m.triggerSafe(ReasonConsecutiveLosses,
			float64(st.ConsecutiveLosses), float64(m.settings.ConsecutiveLossTrigger), details)
	}
	if st.IntradayPnlPct <= -m.settings.HardCutoffDailyLossPct {
		return m.triggerSafe(ReasonHardCutoff,
			st.IntradayPnlPct, -m.settings.HardCutoffDailyLossPct, details)
	}
	if st.IntradayPnlPct <= -m.settings.IntradayDrawdownTrigPct {
		return m.triggerSafe(ReasonIntradayDrawdown,
			st.IntradayPnlPct, -m.settings.IntradayDrawdownTrigPct, details)
	}
	return nil
}

// OnAutoHealEvent evaluates a self-healing event against the auto-heal
// thresholds and switches to SAFE when one is breached.
func (m *Manager) OnAutoHealEvent(ev AutoHealEvent) error {
	if !m.settings.AutoSwitchEnabled {
		return nil
	}

	trip := false
	switch ev.Type {
	case HealOrderFailure:
		trip = ev.Count >= m.settings.OrderFailureCount
	case HealDataStaleness:
		trip = ev.Window >= m.settings.DataStalenessLimit
	case HealRestTimeout:
		trip = ev.Count >= m.settings.RestTimeoutCount
	default:
		return fmt.Errorf("unknown auto-heal event type %q", ev.Type)
	}
	if !trip {
		return nil
	}

	details := map[string]any{"event_type": ev.Type}
	for k, v := range ev.Details {
		details[k] = v
	}
	return m.triggerSafe(ReasonAutoHeal, float64(ev.Count), 0, details)
}

// RecordOrderFailure counts one failed order against the rolling failure
// window and synthesizes an auto-heal event when the count crosses the
// threshold.
func (m *Manager) RecordOrderFailure(details map[string]any) error {
	count := m.bump(&m.orderFailures, m.settings.OrderFailureWindow)
	return m.OnAutoHealEvent(AutoHealEvent{
		Type:      HealOrderFailure,
		Timestamp: m.now(),
		Count:     count,
		Window:    m.settings.OrderFailureWindow,
		Details:   details,
	})
}

// RecordRestTimeout counts one REST timeout against the rolling timeout
// window.
func (m *Manager) RecordRestTimeout(details map[string]any) error {
	count := m.bump(&m.restTimeouts, m.settings.RestTimeoutWindow)
	return m.OnAutoHealEvent(AutoHealEvent{
		Type:      HealRestTimeout,
		Timestamp: m.now(),
		Count:     count,
		Window:    m.settings.RestTimeoutWindow,
		Details:   details,
	})
}

// ReportDataStaleness reports how long the market data feed has been
// stale.
func (m *Manager) ReportDataStaleness(staleFor time.Duration, details map[string]any) error {
	return m.OnAutoHealEvent(AutoHealEvent{
		Type:      HealDataStaleness,
		Timestamp: m.now(),
		Count:     1,
		Window:    staleFor,
		Details:   details,
	})
}

func (m *Manager) bump(events *[]time.Time, window time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	kept := (*events)[:0]
	for _, t := range *events {
		if now.Sub(t) <= window {
			kept = append(kept, t)
		}
	}
	*events = append(kept, now)
	return len(*events)
}

func (m *Manager) triggerSafe(reason string, value, threshold float64, details map[string]any) error {
	if m.states.Mode() == ModeSafe {
		log.Debug().Str("reason", reason).Msg("already in SAFE mode, trigger ignored")
		return nil
	}

	m.mu.Lock()
	m.recent = append(m.recent, Trigger{
		Type:      reason,
		Timestamp: m.now().Format(time.RFC3339),
		Value:     value,
		Threshold: threshold,
		Details:   details,
	})
	if len(m.recent) > maxRecentTriggers {
		m.recent = m.recent[len(m.recent)-maxRecentTriggers:]
	}
	m.mu.Unlock()

	log.Warn().
		Str("reason", reason).
		Float64("value", value).
		Float64("threshold", threshold).
		Msg("SAFE mode activated")

	return m.switchMode(ModeSafe, reason, false)
}

// SwitchMode switches to mode for reason. Switching to the current mode
// is a no-op success.
func (m *Manager) SwitchMode(mode Mode, reason string) error {
	return m.switchMode(mode, reason, true)
}

// ResumeAggressive leaves SAFE mode. A manual resume is rejected while
// the return policy is AUTO; the watchdog performs the automatic resume
// once the recovery conditions hold.
func (m *Manager) ResumeAggressive(auto bool) (bool, error) {
	st, err := m.states.Load()
	if err != nil {
		return false, err
	}
	if st.CurrentMode != ModeSafe {
		return false, nil
	}
	if !auto && m.settings.ReturnPolicy == config.ReturnAuto {
		return false, fmt.Errorf("manual resume not allowed with AUTO return policy")
	}

	reason := ReasonManualResume
	if auto {
		reason = ReasonAutoRecovery
	}
	if err := m.switchMode(ModeAggressive, reason, !auto); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) switchMode(to Mode, reason string, manual bool) error {
	prev, err := m.states.Load()
	if err != nil {
		return err
	}
	if prev.CurrentMode == to {
		return nil
	}

	st, err := m.states.Update(func(s *State) {
		s.CurrentMode = to
		s.LastSwitchReason = reason
		s.LastSwitchTS = m.now().Format(time.RFC3339)
	})
	if err != nil {
		return err
	}

	if err := ApplyProfile(m.store, m.profiles, to); err != nil {
		log.Error().Err(err).Str("mode", string(to)).Msg("profile apply failed")
	}

	if m.alerter != nil {
		msg := m.alertMessage(to, reason, st)
		if err := m.alerter.Send(string(to), reason, msg); err != nil {
			log.Error().Err(err).Msg("mode switch alert failed")
		}
	}
	if m.emitter != nil {
		if err := m.emitter.EmitRiskModeChange(string(to), reason); err != nil {
			log.Error().Err(err).Msg("mode change event failed")
		}
	}

	m.mu.Lock()
	callbacks := append([]Callback(nil), m.callbacks...)
	m.mu.Unlock()
	for _, cb := range callbacks {
		m.runCallback(cb, prev.CurrentMode, to, reason)
	}

	log.Info().
		Str("from", string(prev.CurrentMode)).
		Str("to", string(to)).
		Str("reason", reason).
		Bool("manual", manual).
		Msg("risk mode switched")
	return nil
}

func (m *Manager) runCallback(cb Callback, from, to Mode, reason string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("mode switch callback panicked")
		}
	}()
	cb(from, to, reason)
}

func (m *Manager) alertMessage(to Mode, reason string, st State) string {
	p := m.profiles[to]
	if to == ModeSafe {
		return fmt.Sprintf(
			"Safety trigger activated, switched to SAFE mode. Reason: %s. PnL(day): %.2f%%, loss streak: %d. Limits: daily %.1f%%, max positions %d.",
			reason, st.IntradayPnlPct, st.ConsecutiveLosses, p.DailyLossLimitPct, p.MaxConcurrentPositions)
	}
	return fmt.Sprintf(
		"AGGRESSIVE mode resumed. Reason: %s. PnL(day): %.2f%%. Limits: daily %.1f%%, max positions %d.",
		reason, st.IntradayPnlPct, p.DailyLossLimitPct, p.MaxConcurrentPositions)
}

// MidnightReset zeroes the intraday counters for a new trading day. The
// current mode and loss streak persist across days.
func (m *Manager) MidnightReset(currentEquity float64) error {
	_, err := m.states.Update(func(s *State) {
		s.DayOpenEquity = currentEquity
		s.TodayRealizedPnl = 0
		s.IntradayPnlPct = 0
		s.DrawdownPeakEquity = currentEquity
	})
	if err != nil {
		return err
	}
	log.Info().Float64("day_open_equity", currentEquity).Msg("midnight reset completed")
	return nil
}

// Tick is one iteration of the monitor loop: fire the midnight reset when
// the day rolls over, then try auto-recovery.
func (m *Manager) Tick() {
	m.checkMidnightReset()
	m.checkAutoRecovery()
}

func (m *Manager) checkMidnightReset() {
	now := m.now()
	if now.Hour() != 0 {
		return
	}

	st, err := m.states.Load()
	if err != nil {
		log.Error().Err(err).Msg("midnight reset check failed")
		return
	}
	last, err := time.Parse(time.RFC3339, st.LastUpdated)
	if err != nil {
		return
	}
	if now.Sub(last) <= time.Hour {
		return
	}

	equity := st.DayOpenEquity
	if equity <= 0 {
		equity = fallbackEquity
	}
	if err := m.MidnightReset(equity); err != nil {
		log.Error().Err(err).Msg("midnight reset failed")
	}
}

func (m *Manager) checkAutoRecovery() {
	if !m.settings.AutoSwitchEnabled || m.settings.ReturnPolicy != config.ReturnAuto {
		return
	}

	st, err := m.states.Load()
	if err != nil || st.CurrentMode != ModeSafe || st.LastSwitchTS == "" {
		return
	}

	switched, err := time.Parse(time.RFC3339, st.LastSwitchTS)
	if err != nil {
		return
	}
	hours := m.now().Sub(switched).Hours()
	if hours < float64(m.settings.MinRecoveryHours) {
		return
	}
	if st.IntradayPnlPct < m.settings.RecoveryPnlPct {
		return
	}

	log.Info().
		Float64("hours_since_switch", hours).
		Float64("intraday_pnl_pct", st.IntradayPnlPct).
		Msg("auto-recovery conditions met")
	if _, err := m.ResumeAggressive(true); err != nil {
		log.Error().Err(err).Msg("auto-recovery failed")
	}
}

// Status is the manager's view for the ops endpoints.
type Status struct {
	CurrentMode       Mode      `json:"current_mode"`
	AutoSwitchEnabled bool      `json:"auto_switch_enabled"`
	ReturnPolicy      string    `json:"return_policy"`
	LastSwitchReason  string    `json:"last_switch_reason"`
	LastSwitchTS      string    `json:"last_switch_ts"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	IntradayPnlPct    float64   `json:"intraday_pnl_pct"`
	DayOpenEquity     float64   `json:"day_open_equity"`
	TodayRealizedPnl  float64   `json:"today_realized_pnl"`
	Profile           Profile   `json:"profile"`
	RecentTriggers    []Trigger `json:"recent_triggers"`
}

func (m *Manager) Status() (Status, error) {
	st, err := m.states.Load()
	if err != nil {
		return Status{}, err
	}

	m.mu.Lock()
	recent := append([]Trigger(nil), m.recent...)
	m.mu.Unlock()
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}

	return Status{
		CurrentMode:       st.CurrentMode,
		AutoSwitchEnabled: m.settings.AutoSwitchEnabled,
		ReturnPolicy:      string(m.settings.ReturnPolicy),
		LastSwitchReason:  st.LastSwitchReason,
		LastSwitchTS:      st.LastSwitchTS,
		ConsecutiveLosses: st.ConsecutiveLosses,
		IntradayPnlPct:    st.IntradayPnlPct,
		DayOpenEquity:     st.DayOpenEquity,
		TodayRealizedPnl:  st.TodayRealizedPnl,
		Profile:           m.profiles[st.CurrentMode],
		RecentTriggers:    recent,
	}, nil
}
