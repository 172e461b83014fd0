package driver

import (
	"errors"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/Granulate/gprofiler/internal/stack"
)

// TestJavaDenylistRequiresConsecutiveFailures covers S4: a pid survives two
// consecutive attach failures and is only denylisted on the third.
func TestJavaDenylistRequiresConsecutiveFailures(t *testing.T) {
	d := NewJavaDriver(log.NewNopLogger(), DefaultConfig(), "/nonexistent/libasyncProfiler.so", t.TempDir(), 1)
	pid := stack.PID(400)
	failErr := errors.New("attach failed")

	d.inner.onTargetFailure(pid, failErr)
	_, denied := d.denylist[pid]
	require.False(t, denied, "pid should survive the first failure")

	d.inner.onTargetFailure(pid, failErr)
	_, denied = d.denylist[pid]
	require.False(t, denied, "pid should survive the second failure")

	d.inner.onTargetFailure(pid, failErr)
	_, denied = d.denylist[pid]
	require.True(t, denied, "pid should be denylisted on the third consecutive failure")
}

// TestJavaDenylistResetsOnSuccess covers the counter reset: two failures
// followed by a success must not count toward a later denylist decision.
func TestJavaDenylistResetsOnSuccess(t *testing.T) {
	d := NewJavaDriver(log.NewNopLogger(), DefaultConfig(), "/nonexistent/libasyncProfiler.so", t.TempDir(), 1)
	pid := stack.PID(401)
	failErr := errors.New("attach failed")

	d.inner.onTargetFailure(pid, failErr)
	d.inner.onTargetFailure(pid, failErr)
	d.inner.onTargetSuccess(pid)
	require.Equal(t, 0, d.failures[pid])

	d.inner.onTargetFailure(pid, failErr)
	d.inner.onTargetFailure(pid, failErr)
	_, denied := d.denylist[pid]
	require.False(t, denied, "failure count should have reset after the success")
}
