package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/Granulate/gprofiler/internal/driver"
	"github.com/Granulate/gprofiler/internal/stack"
)

type fakeDriver struct {
	runtime stack.RuntimeKind
	delay   time.Duration
	err     error
	result  driver.Result
}

func (f *fakeDriver) Start(ctx context.Context, win stack.Window, targets []stack.ProcessDescriptor) (driver.Result, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return driver.Result{}, ctx.Err()
		}
	}
	return f.result, f.err
}

func (f *fakeDriver) Stop()                      {}
func (f *fakeDriver) State() driver.State        { return driver.Ready }
func (f *fakeDriver) Runtime() stack.RuntimeKind { return f.runtime }

func win(d time.Duration) stack.Window {
	return stack.Window{Start: time.Now(), Duration: d, Frequency: 11}
}

func TestRunCollectsNativeAndRuntimePartials(t *testing.T) {
	native := &fakeDriver{runtime: stack.Native, result: driver.Result{Partial: stack.PartialProfile{1: stack.Sample{}}}}
	py := &fakeDriver{runtime: stack.Python, result: driver.Result{Partial: stack.PartialProfile{2: stack.Sample{}}}}

	s := New(log.NewNopLogger(), prometheus.NewRegistry(), native, map[stack.RuntimeKind]driver.Driver{stack.Python: py})

	descs := []stack.ProcessDescriptor{
		{PID: 1, Executable: "/usr/bin/some-service"},
		{PID: 2, Executable: "/usr/bin/python3.11"},
	}

	out := s.Run(context.Background(), win(10*time.Millisecond), descs)
	require.False(t, out.Degraded)
	require.Contains(t, out.Native, stack.PID(1))
	require.Len(t, out.Runtime, 1)
}

func TestRunMarksDegradedOnRuntimeDriverError(t *testing.T) {
	native := &fakeDriver{runtime: stack.Native}
	py := &fakeDriver{runtime: stack.Python, err: errors.New("boom")}

	s := New(log.NewNopLogger(), prometheus.NewRegistry(), native, map[stack.RuntimeKind]driver.Driver{stack.Python: py})
	descs := []stack.ProcessDescriptor{{PID: 2, Executable: "/usr/bin/python3.11"}}

	out := s.Run(context.Background(), win(10*time.Millisecond), descs)
	require.True(t, out.Degraded)
	require.Empty(t, out.Runtime)
}

// TestRunDegradesOnDeadlineMiss covers §4.4's "driver misses the deadline
// -> window degraded, remainder treated as empty".
func TestRunDegradesOnDeadlineMiss(t *testing.T) {
	native := &fakeDriver{runtime: stack.Native, delay: time.Hour}
	s := New(log.NewNopLogger(), prometheus.NewRegistry(), native, nil)
	s.postProcessingGrace = 0

	out := s.Run(context.Background(), win(5*time.Millisecond), nil)
	require.True(t, out.Degraded)
}

type limiterCapturingDriver struct {
	fakeDriver
	limiter driver.ChildLimiter
}

func (d *limiterCapturingDriver) SetChildLimiter(l driver.ChildLimiter) {
	d.limiter = l
}

// TestNewWiresSharedChildLimiterIntoRuntimeDrivers covers §5's global
// max_concurrent_children cap: every runtime driver that accepts a shared
// ChildLimiter gets the supervisor's single instance, not one each.
func TestNewWiresSharedChildLimiterIntoRuntimeDrivers(t *testing.T) {
	ruby := &limiterCapturingDriver{fakeDriver: fakeDriver{runtime: stack.Ruby}}
	php := &limiterCapturingDriver{fakeDriver: fakeDriver{runtime: stack.PHP}}

	s := New(log.NewNopLogger(), prometheus.NewRegistry(), &fakeDriver{runtime: stack.Native},
		map[stack.RuntimeKind]driver.Driver{stack.Ruby: ruby, stack.PHP: php})

	require.NotNil(t, ruby.limiter)
	require.Equal(t, s.childLimiter, ruby.limiter)
	require.Equal(t, s.childLimiter, php.limiter)
}
