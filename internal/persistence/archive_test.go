package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantops/guardian/internal/playbook"
)

func TestDisabledArchiveIsNoop(t *testing.T) {
	a, err := Open("")
	require.NoError(t, err)
	assert.False(t, a.Enabled())

	err = a.ArchiveResult(context.Background(), playbook.Result{PlaybookID: "PB-01", Success: true})
	assert.NoError(t, err)

	results, err := a.RecentResults(context.Background(), "PB-01", 10)
	assert.NoError(t, err)
	assert.Nil(t, results)

	err = a.ArchiveModeSwitch(context.Background(), "AGGRESSIVE", "SAFE", "consecutive_losses", time.Now())
	assert.NoError(t, err)

	assert.NoError(t, a.Close())
}

func TestNilArchiveIsSafe(t *testing.T) {
	var a *Archive
	assert.False(t, a.Enabled())
	assert.NoError(t, a.ArchiveResult(context.Background(), playbook.Result{}))
}

func TestEpochConversionRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 45, 500000000, time.UTC)
	sec := timeToEpoch(now)
	back := epochToTime(sec)
	assert.WithinDuration(t, now, back, time.Millisecond)
}
