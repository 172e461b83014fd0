package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/Granulate/gprofiler/internal/artifact"
	"github.com/Granulate/gprofiler/internal/sink"
	"github.com/Granulate/gprofiler/internal/stack"
	"github.com/Granulate/gprofiler/internal/supervisor"
)

type fakeRegistry struct{}

func (fakeRegistry) Snapshot() []stack.ProcessDescriptor {
	return []stack.ProcessDescriptor{{PID: 1, Command: "app"}}
}

type fakeSupervisor struct{}

func (fakeSupervisor) Run(_ context.Context, _ stack.Window, descs []stack.ProcessDescriptor) supervisor.WindowOutput {
	native := stack.PartialProfile{}
	for _, d := range descs {
		s := make(stack.Sample)
		s.Add(stack.Stack{{Symbol: "main"}}, 1)
		native[d.PID] = s
	}
	return supervisor.WindowOutput{Native: native}
}

type countingSink struct {
	count int32
}

func (c *countingSink) Submit(context.Context, []byte, artifact.Metadata) (sink.Outcome, error) {
	atomic.AddInt32(&c.count, 1)
	return sink.Ok, nil
}

// TestSingleWindowEmitsOneArtifact covers P7's "continuous=false => exactly
// one window, one artifact" case.
func TestSingleWindowEmitsOneArtifact(t *testing.T) {
	s := &countingSink{}
	cfg := DefaultConfig()
	cfg.Continuous = false
	cfg.Duration = 10 * time.Millisecond

	sch := New(log.NewNopLogger(), cfg, fakeRegistry{}, fakeSupervisor{}, []sink.Sink{s}, artifact.HostMetadata{}, "host")
	err := sch.Run(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&s.count) == 1
	}, time.Second, time.Millisecond)
}
