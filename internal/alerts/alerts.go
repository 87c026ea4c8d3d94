// Package alerts writes the operator-facing alert artifacts: a sticky UI
// alert document, an append-only NDJSON feed, and a plain text relay log
// consumed by the outbound notification forwarder.
package alerts

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantops/guardian/internal/paths"
	"github.com/quantops/guardian/internal/store"
)

// UIAlert is the dashboard's sticky alert document.
type UIAlert struct {
	Timestamp string `json:"timestamp"`
	Mode      string `json:"mode"`
	Reason    string `json:"reason"`
	Message   string `json:"message"`
	Sticky    bool   `json:"sticky"`
}

// Notifier fans one alert out to every artifact. Individual sink failures
// are logged; the first error is returned so callers can record it without
// aborting.
type Notifier struct {
	store *store.Store
	now   func() time.Time
}

// NewNotifier builds a notifier over st.
func NewNotifier(st *store.Store) *Notifier {
	return &Notifier{store: st, now: time.Now}
}

// Send writes the UI alert, appends the feed entry, and appends the relay
// line.
func (n *Notifier) Send(mode, reason, message string) error {
	alert := UIAlert{
		Timestamp: n.now().Format(time.RFC3339),
		Mode:      mode,
		Reason:    reason,
		Message:   message,
		Sticky:    true,
	}

	var firstErr error
	if err := n.store.WriteJSON(paths.UIAlertFile, alert); err != nil {
		log.Warn().Err(err).Msg("ui alert write failed")
		firstErr = err
	}
	if err := n.store.AppendNDJSON(paths.AlertsFeedFile, alert); err != nil {
		log.Warn().Err(err).Msg("alert feed append failed")
		if firstErr == nil {
			firstErr = err
		}
	}
	line := fmt.Sprintf("%s | %s | %s | %s", alert.Timestamp, mode, reason, message)
	if err := n.store.AppendLine(paths.RelayLogFile, line); err != nil {
		log.Warn().Err(err).Msg("relay log append failed")
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
