package risk

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quantops/guardian/internal/paths"
	"github.com/quantops/guardian/internal/store"
)

const stateVersion = "1.0.0"

// busKey is the section of the state bus document owned by this package.
// Other sections are preserved on write.
const busKey = "risk"

// State is the persisted risk mode state.
type State struct {
	CurrentMode Mode `json:"current_mode"`

	LastSwitchReason string `json:"last_switch_reason"`
	LastSwitchTS     string `json:"last_switch_ts"`

	ConsecutiveLosses int `json:"consecutive_losses"`

	IntradayPnlPct     float64 `json:"intraday_pnl_pct"`
	DayOpenEquity      float64 `json:"day_open_equity"`
	TodayRealizedPnl   float64 `json:"today_realized_pnl"`
	DrawdownPeakEquity float64 `json:"drawdown_peak_equity"`

	LastUpdated string `json:"last_updated"`
	Version     string `json:"version"`
}

func defaultState(now time.Time) State {
	return State{
		CurrentMode: ModeAggressive,
		LastUpdated: now.Format(time.RFC3339),
		Version:     stateVersion,
	}
}

// StateStore persists the risk section of the state bus document. Reads
// and writes go through the checksummed store, so the whole bus keeps its
// atomic-replace and corruption-recovery behavior.
type StateStore struct {
	store *store.Store
	now   func() time.Time
	mu    sync.Mutex
}

func NewStateStore(st *store.Store) *StateStore {
	return &StateStore{store: st, now: time.Now}
}

// Load returns the current risk state. A missing bus document or a missing
// risk section yields the default state rather than an error.
func (ss *StateStore) Load() (State, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.load()
}

func (ss *StateStore) load() (State, error) {
	bus := map[string]json.RawMessage{}
	err := ss.store.ReadJSON(paths.StateBusFile, &bus)
	if errors.Is(err, store.ErrNoData) {
		return defaultState(ss.now()), nil
	}
	if err != nil {
		return State{}, err
	}

	raw, ok := bus[busKey]
	if !ok {
		return defaultState(ss.now()), nil
	}

	st := defaultState(ss.now())
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, fmt.Errorf("decode risk state: %w", err)
	}
	return st, nil
}

// Update applies fn to the current state under the store lock and writes
// the result back, preserving the other sections of the bus. The stored
// state is returned.
func (ss *StateStore) Update(fn func(*State)) (State, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	st, err := ss.load()
	if err != nil {
		return State{}, err
	}

	fn(&st)
	st.LastUpdated = ss.now().Format(time.RFC3339)
	st.Version = stateVersion

	bus := map[string]json.RawMessage{}
	if err := ss.store.ReadJSON(paths.StateBusFile, &bus); err != nil && !errors.Is(err, store.ErrNoData) {
		return State{}, err
	}

	raw, err := json.Marshal(st)
	if err != nil {
		return State{}, fmt.Errorf("encode risk state: %w", err)
	}
	bus[busKey] = raw

	if err := ss.store.WriteJSON(paths.StateBusFile, bus); err != nil {
		return State{}, err
	}
	return st, nil
}

// Mode returns the current mode, defaulting to AGGRESSIVE when the state
// cannot be read.
func (ss *StateStore) Mode() Mode {
	st, err := ss.Load()
	if err != nil {
		return ModeAggressive
	}
	return st.CurrentMode
}
