package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

// TestStateMachineTransitions exercises §4.3's state diagram directly
// against base, independent of any concrete driver's I/O (P5).
func TestStateMachineTransitions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryCeiling = 2
	b := newBase(log.NewNopLogger(), cfg)

	require.Equal(t, Disabled, b.State())

	b.Enable()
	require.Equal(t, Ready, b.State())

	require.True(t, b.beginRun())
	require.Equal(t, Running, b.State())

	b.reportSuccess()
	require.Equal(t, Ready, b.State())

	require.True(t, b.beginRun())
	st := b.reportTransientFailure(errors.New("boom"))
	require.Equal(t, Backoff, st)

	b.backoffElapsed(context.Background())
	require.Equal(t, Ready, b.State())

	// Exceed the retry ceiling to reach PermanentlyFailed.
	require.True(t, b.beginRun())
	b.reportTransientFailure(errors.New("boom"))
	b.backoffElapsed(context.Background())
	require.True(t, b.beginRun())
	st = b.reportTransientFailure(errors.New("boom"))
	require.Equal(t, PermanentlyFailed, st)

	require.False(t, b.beginRun())
}

func TestPermanentFailureTransition(t *testing.T) {
	b := newBase(log.NewNopLogger(), DefaultConfig())
	b.Enable()
	require.True(t, b.beginRun())
	b.reportPermanentFailure(errors.New("missing executable"))
	require.Equal(t, PermanentlyFailed, b.State())
	require.False(t, b.beginRun())
}
