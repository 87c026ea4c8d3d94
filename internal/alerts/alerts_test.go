package alerts

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantops/guardian/internal/paths"
	"github.com/quantops/guardian/internal/store"
)

func TestSendWritesAllSinks(t *testing.T) {
	root, err := paths.NewRoot(t.TempDir())
	require.NoError(t, err)
	st := store.New(root, store.Options{Role: "guardian"})

	n := NewNotifier(st)
	n.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, n.Send("SAFE", "consecutive_losses", "loss streak hit 3"))

	var alert UIAlert
	require.NoError(t, st.ReadJSON(paths.UIAlertFile, &alert))
	assert.Equal(t, "SAFE", alert.Mode)
	assert.Equal(t, "consecutive_losses", alert.Reason)
	assert.True(t, alert.Sticky)

	lines, err := st.ReadNDJSON(paths.AlertsFeedFile, 0)
	require.NoError(t, err)
	assert.Len(t, lines, 1)

	relay, err := root.Resolve(paths.RelayLogFile)
	require.NoError(t, err)
	data, err := os.ReadFile(relay)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "SAFE | consecutive_losses | loss streak hit 3"))
}

func TestSendOverwritesStickyAlert(t *testing.T) {
	root, err := paths.NewRoot(t.TempDir())
	require.NoError(t, err)
	st := store.New(root, store.Options{Role: "guardian"})
	n := NewNotifier(st)

	require.NoError(t, n.Send("SAFE", "hard_cutoff", "daily loss limit hit"))
	require.NoError(t, n.Send("AGGRESSIVE", "manual_resume", "resumed by operator"))

	var alert UIAlert
	require.NoError(t, st.ReadJSON(paths.UIAlertFile, &alert))
	assert.Equal(t, "AGGRESSIVE", alert.Mode)

	lines, err := st.ReadNDJSON(paths.AlertsFeedFile, 0)
	require.NoError(t, err)
	assert.Len(t, lines, 2)
}
