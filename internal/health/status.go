// Package health aggregates per-component check results into the single
// authoritative health document every other process reads. The document is
// recomputed wholesale each cycle and persisted through the checksummed
// store; nothing patches it incrementally.
package health

import (
	"encoding/json"
	"fmt"
)

// Status grades one component or the whole system.
type Status int

const (
	StatusOK Status = iota
	StatusWarn
	StatusFail
)

// String returns the wire form of the status.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarn:
		return "WARN"
	case StatusFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// ParseStatus parses the wire form of a status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "OK":
		return StatusOK, nil
	case "WARN":
		return StatusWarn, nil
	case "FAIL":
		return StatusFail, nil
	default:
		return StatusOK, fmt.Errorf("unknown status %q", s)
	}
}

// MarshalJSON encodes the status as its wire string.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a wire-string status.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// worseOf returns the more severe of two statuses.
func worseOf(a, b Status) Status {
	if b > a {
		return b
	}
	return a
}

// Mode is the system operating mode derived from health state.
type Mode int

const (
	ModeNormal Mode = iota
	ModeDegraded
	ModePositionGuard
	ModeFailsafe
)

// String returns the wire form of the mode.
func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "NORMAL"
	case ModeDegraded:
		return "DEGRADED"
	case ModePositionGuard:
		return "POSITION_GUARD"
	case ModeFailsafe:
		return "FAILSAFE"
	default:
		return "UNKNOWN"
	}
}

// ParseMode parses the wire form of a mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "NORMAL":
		return ModeNormal, nil
	case "DEGRADED":
		return ModeDegraded, nil
	case "POSITION_GUARD":
		return ModePositionGuard, nil
	case "FAILSAFE":
		return ModeFailsafe, nil
	default:
		return ModeNormal, fmt.Errorf("unknown mode %q", s)
	}
}

// MarshalJSON encodes the mode as its wire string.
func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON decodes a wire-string mode.
func (m *Mode) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseMode(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
