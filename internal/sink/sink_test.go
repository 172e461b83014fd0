package sink

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/Granulate/gprofiler/internal/artifact"
)

func TestFileSinkNumbered(t *testing.T) {
	dir := t.TempDir()
	s := NewFileSink(dir, false)

	outcome, err := s.Submit(context.Background(), []byte("#{}\n0;a 1\n"), artifact.Metadata{})
	require.NoError(t, err)
	require.Equal(t, Ok, outcome)

	_, err = s.Submit(context.Background(), []byte("#{}\n0;a 1\n"), artifact.Metadata{})
	require.NoError(t, err)

	require.FileExists(t, filepath.Join(dir, "profile_1.col"))
	require.FileExists(t, filepath.Join(dir, "profile_2.col"))
}

// TestFileSinkRotating exercises S6: after several windows, only
// last_profile.col and its hidden target for the latest window remain; no
// visible numbered files are left behind.
func TestFileSinkRotating(t *testing.T) {
	dir := t.TempDir()
	s := NewFileSink(dir, true)

	for i := 0; i < 3; i++ {
		outcome, err := s.Submit(context.Background(), []byte("#{}\n0;a 1\n"), artifact.Metadata{})
		require.NoError(t, err)
		require.Equal(t, Ok, outcome)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	var sawLink bool
	for _, e := range entries {
		name := e.Name()
		if name == "last_profile.col" {
			sawLink = true
			continue
		}
		require.True(t, filepath.Ext(name) != ".col" || name[0] == '.', "stale numbered file left behind: %s", name)
	}
	require.True(t, sawLink)

	resolved, err := filepath.EvalSymlinks(filepath.Join(dir, "last_profile.col"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, ".profile_3.col"), resolved)
}

func TestSubmitWithRetryFatalDropsImmediately(t *testing.T) {
	calls := 0
	s := fakeSink(func(context.Context, []byte, artifact.Metadata) (Outcome, error) {
		calls++
		return Fatal, errFatal
	})
	SubmitWithRetry(context.Background(), log.NewNopLogger(), s, nil, artifact.Metadata{})
	require.Equal(t, 1, calls)
}

func TestSubmitWithRetryEventualSuccess(t *testing.T) {
	calls := 0
	s := fakeSink(func(context.Context, []byte, artifact.Metadata) (Outcome, error) {
		calls++
		if calls < 2 {
			return Retry, errTransient
		}
		return Ok, nil
	})
	SubmitWithRetry(context.Background(), log.NewNopLogger(), s, nil, artifact.Metadata{})
	require.Equal(t, 2, calls)
}

type fakeSink func(ctx context.Context, data []byte, meta artifact.Metadata) (Outcome, error)

func (f fakeSink) Submit(ctx context.Context, data []byte, meta artifact.Metadata) (Outcome, error) {
	return f(ctx, data, meta)
}

var (
	errFatal     = fmtError("fatal")
	errTransient = fmtError("transient")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
