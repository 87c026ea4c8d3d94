// Package events publishes machine-readable event documents that downstream
// services poll from the data root.
package events

import (
	"time"

	"github.com/quantops/guardian/internal/paths"
	"github.com/quantops/guardian/internal/store"
)

const EventRiskModeChange = "RISK_MODE_CHANGE"

// Event is the generic event envelope.
type Event struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	Mode      string `json:"mode,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type Emitter struct {
	store *store.Store
	now   func() time.Time
}

func NewEmitter(st *store.Store) *Emitter {
	return &Emitter{store: st, now: time.Now}
}

// EmitRiskModeChange replaces the risk mode change event document.
func (e *Emitter) EmitRiskModeChange(mode, reason string) error {
	return e.store.WriteJSON(paths.RiskEventFile, Event{
		Event:     EventRiskModeChange,
		Timestamp: e.now().Format(time.RFC3339),
		Mode:      mode,
		Reason:    reason,
	})
}
