// Package paths enforces the state-store trust boundary. Every file the
// control plane reads or writes lives under one designated root directory;
// any path that escapes the root is rejected before it reaches the filesystem.
package paths

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrOutsideRoot is returned when a path resolves outside the state root.
var ErrOutsideRoot = errors.New("path outside state root")

// Well-known files and directories, relative to the state root.
const (
	HealthSSOTFile      = "health_ssot.json"
	StateBusFile        = "state_bus.json"
	SnapshotsDir        = "snapshots"
	HistoryDir          = "history"
	SignalsDir          = "signals"
	AlertsDir           = "alerts"
	EventsDir           = "events"
	TradesLedgerFile    = "trades/trades.jsonl"
	PositionsFile       = "positions_snapshot.json"
	DailyPnLFile        = "daily_pnl.json"
	CandidatesFile      = "candidates.json"
	PlaybookResultsFile = "playbook_results.ndjson"
	DatabusSnapshotFile = "databus_snapshot.json"
	AlertsFeedFile      = "alerts/alerts.ndjson"
	UIAlertFile         = "alerts/ui_alert.json"
	RelayLogFile        = "alerts/relay.log"
	RiskEventFile       = "events/risk_mode_change.json"
	ActiveProfileFile   = "risk_profile_active.json"
	ConfigEventFile     = "events/config_updated.json"
	RestartRequestFile  = "restart_feeder.request"
	RegenRequestFile    = "regen_signals.request"
	RuntimeDir          = ".runtime"
)

// Root is the resolved state-store root directory. All state paths are
// validated against it before use.
type Root struct {
	dir string
}

// NewRoot resolves dir to an absolute path and creates it if missing.
func NewRoot(dir string) (*Root, error) {
	if dir == "" {
		dir = DefaultDir()
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve state root %q: %w", dir, err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create state root %q: %w", abs, err)
	}

	return &Root{dir: abs}, nil
}

// DefaultDir returns the state root from GUARDIAN_ROOT, falling back to
// ./shared_data.
func DefaultDir() string {
	if dir := os.Getenv("GUARDIAN_ROOT"); dir != "" {
		return dir
	}
	return "shared_data"
}

// Dir returns the absolute root directory.
func (r *Root) Dir() string {
	return r.dir
}

// Resolve validates rel against the root and returns the absolute path.
// Absolute inputs, parent-directory escapes and empty paths are rejected
// with ErrOutsideRoot.
func (r *Root) Resolve(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		r.logViolation(rel)
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, rel)
	}

	abs := filepath.Join(r.dir, filepath.Clean(rel))

	// Join cleans "..", so an escape shows up as a prefix mismatch.
	if abs != r.dir && !strings.HasPrefix(abs, r.dir+string(filepath.Separator)) {
		r.logViolation(rel)
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, rel)
	}

	return abs, nil
}

// MustResolve is Resolve for compile-time-constant paths that cannot escape.
// It panics on violation.
func (r *Root) MustResolve(rel string) string {
	abs, err := r.Resolve(rel)
	if err != nil {
		panic(err)
	}
	return abs
}

func (r *Root) logViolation(rel string) {
	log.Warn().
		Str("path", rel).
		Str("root", r.dir).
		Msg("path guard violation rejected")
}
