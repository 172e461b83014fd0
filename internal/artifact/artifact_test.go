package artifact

import (
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/Granulate/gprofiler/internal/stack"
)

func TestBuildAndRenderRoundTrip(t *testing.T) {
	win := stack.Window{Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Duration: 10 * time.Second, Frequency: 99}

	descs := map[stack.PID]stack.ProcessDescriptor{
		100: {PID: 100, Command: "myapp", Container: "", AppID: ""},
	}
	merged := map[stack.PID]stack.Sample{
		100: {},
	}
	merged[100].Add(stack.Stack{{Symbol: "a", Provenance: stack.ProvNative}, {Symbol: "b", Provenance: stack.ProvNative}}, 10)
	merged[100].Add(stack.Stack{{Symbol: "c", Provenance: stack.ProvNative}}, 5)

	built := Build(win, descs, merged, HostMetadata{Hostname: "host-a"}, "host-a", false)
	require.Len(t, built.Lines, 2)
	require.Len(t, built.Metadata.ApplicationsMetadata, 1)

	data, err := built.Render()
	require.NoError(t, err)
	require.True(t, len(data) > 0)
	require.Equal(t, byte('#'), data[0])

	parsed, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, built.Metadata.Hostname, parsed.Metadata.Hostname)
	require.False(t, parsed.Metadata.Degraded)

	// P6: (idx, stack) -> count is preserved.
	beforeByKey := map[string]int64{}
	for _, l := range built.Lines {
		beforeByKey[l.Key()] = l.Count
	}
	afterByKey := map[string]int64{}
	for _, l := range parsed.Lines {
		afterByKey[l.Key()] = l.Count
	}
	require.Equal(t, beforeByKey, afterByKey)
}

func TestNoDuplicateIdxStackKeys(t *testing.T) {
	win := stack.Window{Start: time.Now(), Duration: time.Second, Frequency: 99}
	descs := map[stack.PID]stack.ProcessDescriptor{
		1: {PID: 1, Command: "app1"},
		2: {PID: 2, Command: "app2"},
	}
	merged := map[stack.PID]stack.Sample{1: {}, 2: {}}
	merged[1].Add(stack.Stack{{Symbol: "x", Provenance: stack.ProvNative}}, 1)
	merged[2].Add(stack.Stack{{Symbol: "x", Provenance: stack.ProvNative}}, 1)

	built := Build(win, descs, merged, HostMetadata{}, "h", false)

	seen := map[string]bool{}
	for _, l := range built.Lines {
		require.False(t, seen[l.Key()], "duplicate (idx,stack) key: %s", l.Key())
		seen[l.Key()] = true
	}
}

func TestArtifactPreambleIsUTF8AndNewlineTerminated(t *testing.T) {
	win := stack.Window{Start: time.Now(), Duration: time.Second, Frequency: 1}
	built := Build(win, nil, nil, HostMetadata{}, "h", true)
	data, err := built.Render()
	require.NoError(t, err)
	require.Equal(t, byte('#'), data[0])
	idx := indexOfByte(data, '\n')
	require.Greater(t, idx, 0)
	require.True(t, utf8.Valid(data[:idx]))
}

func indexOfByte(data []byte, b byte) int {
	for i, c := range data {
		if c == b {
			return i
		}
	}
	return -1
}
