// Package risk implements the two-mode risk state machine. The platform
// trades under the AGGRESSIVE profile until a trigger fires, then holds in
// SAFE until recovery conditions are met.
package risk

import "fmt"

// Mode is a risk operating mode.
type Mode string

const (
	ModeAggressive Mode = "AGGRESSIVE"
	ModeSafe       Mode = "SAFE"
)

// ParseMode validates and normalizes a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAggressive, ModeSafe:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown risk mode %q", s)
}

func (m Mode) String() string {
	return string(m)
}

// Switch trigger reasons.
const (
	ReasonConsecutiveLosses = "consecutive_losses"
	ReasonIntradayDrawdown  = "intraday_drawdown"
	ReasonHardCutoff        = "hard_cutoff"
	ReasonAutoHeal          = "auto_heal"
	ReasonAutoRecovery      = "auto_recovery"
	ReasonManualResume      = "manual_resume"
)
