package risk

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/quantops/guardian/internal/paths"
	"github.com/quantops/guardian/internal/store"
)

// Profile is the trading limit set applied for a risk mode. Components
// re-read the active profile document dynamically; no restarts are needed
// when a switch changes it.
type Profile struct {
	Name                    string  `json:"name" yaml:"name"`
	DailyLossLimitPct       float64 `json:"daily_loss_limit_pct" yaml:"daily_loss_limit_pct"`
	TradeRiskPerPositionPct float64 `json:"trade_risk_per_position_pct" yaml:"trade_risk_per_position_pct"`
	VolTargetPct            float64 `json:"vol_target_pct" yaml:"vol_target_pct"`
	MaxConcurrentPositions  int     `json:"max_concurrent_positions" yaml:"max_concurrent_positions"`
	SlippageBps             int     `json:"slippage_bps" yaml:"slippage_bps"`
	CooldownMin             int     `json:"cooldown_min" yaml:"cooldown_min"`
	Description             string  `json:"description" yaml:"description"`
}

// DefaultProfiles returns the built-in AGGRESSIVE and SAFE profiles.
func DefaultProfiles() map[Mode]Profile {
	return map[Mode]Profile{
		ModeAggressive: {
			Name:                    string(ModeAggressive),
			DailyLossLimitPct:       3.0,
			TradeRiskPerPositionPct: 0.5,
			VolTargetPct:            30,
			MaxConcurrentPositions:  12,
			SlippageBps:             25,
			CooldownMin:             30,
			Description:             "High risk, larger positions, aggressive strategy selection",
		},
		ModeSafe: {
			Name:                    string(ModeSafe),
			DailyLossLimitPct:       1.0,
			TradeRiskPerPositionPct: 0.15,
			VolTargetPct:            15,
			MaxConcurrentPositions:  3,
			SlippageBps:             15,
			CooldownMin:             60,
			Description:             "Low risk, small positions, conservative strategy selection",
		},
	}
}

// LoadProfiles returns the built-in profiles, overlaid with any overrides
// from the YAML file at path. An empty path returns the defaults.
func LoadProfiles(path string) (map[Mode]Profile, error) {
	profiles := DefaultProfiles()
	if path == "" {
		return profiles, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile file: %w", err)
	}

	var file struct {
		Profiles map[string]Profile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse profile file %s: %w", path, err)
	}

	for name, p := range file.Profiles {
		mode, err := ParseMode(name)
		if err != nil {
			return nil, err
		}
		if p.Name == "" {
			p.Name = string(mode)
		}
		profiles[mode] = p
	}
	return profiles, nil
}

type configEvent struct {
	Event     string  `json:"event"`
	Timestamp string  `json:"timestamp"`
	Profile   string  `json:"profile"`
	Config    Profile `json:"config"`
}

// ApplyProfile publishes the profile for mode as the active profile
// document and emits a CONFIG_UPDATED event for live components.
func ApplyProfile(st *store.Store, profiles map[Mode]Profile, mode Mode) error {
	p, ok := profiles[mode]
	if !ok {
		return fmt.Errorf("no profile for mode %s", mode)
	}

	if err := st.WriteJSON(paths.ActiveProfileFile, p); err != nil {
		return err
	}

	ev := configEvent{
		Event:     "CONFIG_UPDATED",
		Timestamp: time.Now().Format(time.RFC3339),
		Profile:   p.Name,
		Config:    p,
	}
	if err := st.WriteJSON(paths.ConfigEventFile, ev); err != nil {
		log.Warn().Err(err).Msg("config update event write failed")
	}

	log.Info().
		Str("profile", p.Name).
		Float64("daily_loss_limit_pct", p.DailyLossLimitPct).
		Float64("trade_risk_per_position_pct", p.TradeRiskPerPositionPct).
		Int("max_concurrent_positions", p.MaxConcurrentPositions).
		Msg("risk profile applied")
	return nil
}

// ActiveProfile reads the published active profile document.
func ActiveProfile(st *store.Store) (Profile, error) {
	var p Profile
	if err := st.ReadJSON(paths.ActiveProfileFile, &p); err != nil {
		return Profile{}, err
	}
	return p, nil
}
