package paths

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveInsideRoot(t *testing.T) {
	root, err := NewRoot(t.TempDir())
	require.NoError(t, err)

	abs, err := root.Resolve("snapshots/prices_btcusdt.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root.Dir(), "snapshots", "prices_btcusdt.json"), abs)
}

func TestResolveRejectsEscapes(t *testing.T) {
	root, err := NewRoot(t.TempDir())
	require.NoError(t, err)

	cases := []struct {
		name string
		rel  string
	}{
		{"parent escape", "../outside.json"},
		{"nested escape", "snapshots/../../etc/passwd"},
		{"absolute path", "/etc/passwd"},
		{"empty path", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := root.Resolve(tc.rel)
			assert.ErrorIs(t, err, ErrOutsideRoot)
		})
	}
}

func TestResolveCleansDotSegments(t *testing.T) {
	root, err := NewRoot(t.TempDir())
	require.NoError(t, err)

	abs, err := root.Resolve("snapshots/./sub/../prices.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root.Dir(), "snapshots", "prices.json"), abs)
}
