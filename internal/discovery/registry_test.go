package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFieldStripsSeparatorsAndNewlines(t *testing.T) {
	require.Equal(t, "a b:c", sanitizeField("a\nb;c"))
}

// TestNewRegistryDegradesWhenProcUnavailable covers §4.1's "unavailable
// source is a no-op window, not a startup failure".
func TestNewRegistryDegradesWhenProcUnavailable(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist")
	r := NewRegistry(log.NewNopLogger(), missing)
	require.False(t, r.available)
	require.Empty(t, r.Snapshot())
}

// TestGopsutilFallbackReadsLiveProcess covers the gopsutil fallback path
// itself against the test process's own pid, independent of whether
// procfs's primary read happened to fail.
func TestGopsutilFallbackReadsLiveProcess(t *testing.T) {
	exe := gopsutilExe(os.Getpid())
	require.NotEmpty(t, exe)

	cmdline := gopsutilCmdline(os.Getpid())
	require.NotEmpty(t, cmdline)
}

func TestGopsutilFallbackReturnsEmptyForUnknownPid(t *testing.T) {
	require.Empty(t, gopsutilExe(-1))
	require.Empty(t, gopsutilCmdline(-1))
}
