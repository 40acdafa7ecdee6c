package util

import (
	"testing"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatBytesFixedWidth(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{100 * 1024, " 0.1 MiB"},
	}
	for _, tc := range testCases {
		got := formatBytes(tc.in)
		assert.Equal(t, tc.want, got)
		assert.Len(t, got, 8)
	}
}

func TestFormatDeltaQuiet(t *testing.T) {
	s := snapshot{sent: 100, recv: 100}
	_, ok := formatDelta(s, s, 10)
	assert.False(t, ok)

	// Below 10 B/s in both directions is noise.
	_, ok = formatDelta(s, snapshot{sent: 150, recv: 150}, 10)
	assert.False(t, ok)
}

func TestFormatDeltaReportsActivity(t *testing.T) {
	prev := snapshot{}
	cur := snapshot{recv: 20480, sent: 1024, envRecv: 3, envSent: 1, opened: 1}

	line, ok := formatDelta(prev, cur, 10)
	require.True(t, ok)
	assert.Contains(t, line, "In:  2.0 KiB/s")
	assert.Contains(t, line, "Out:  0.1 KiB/s")
	assert.Contains(t, line, "Msgs:   3↓   1↑")
	assert.Contains(t, line, "Peers: 1+ 0-")
}

func TestSetLogLevel(t *testing.T) {
	defer func() { pterm.DefaultLogger.Level = pterm.LogLevelInfo }()

	require.NoError(t, SetLogLevel("DEBUG"))
	assert.Equal(t, pterm.LogLevelDebug, pterm.DefaultLogger.Level)
	require.NoError(t, SetLogLevel("warn"))
	assert.Equal(t, pterm.LogLevelWarn, pterm.DefaultLogger.Level)

	assert.Error(t, SetLogLevel("loud"))
	assert.True(t, ValidLogLevel("error"))
	assert.False(t, ValidLogLevel("trace"))
}
