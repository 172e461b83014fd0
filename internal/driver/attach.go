package driver

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/Granulate/gprofiler/internal/stack"
)

// CommandBuilder builds the external command that profiles one target
// process for win.Duration at win.Frequency. It is the only thing that
// differs between the Ruby, PHP, Node and .NET attach-mode drivers, and the
// Java driver's attach step (§4.3's Java specialization wraps this with a
// denylist).
type CommandBuilder func(win stack.Window, pid stack.PID) (*exec.Cmd, error)

// ChildLimiter bounds the number of external profiler child processes that
// may be in flight across every attach-mode driver at once (§5's global
// max_concurrent_children resource cap), as opposed to a single driver's
// own maxConcurrent, which only bounds that driver's fan-out within one
// window. The supervisor owns one ChildLimiter and wires it into every
// attach-mode driver it dispatches.
type ChildLimiter chan struct{}

// NewChildLimiter returns a limiter admitting at most n children at once.
func NewChildLimiter(n int) ChildLimiter {
	return make(ChildLimiter, n)
}

// attachDriver launches one external profiling child per target process,
// in parallel bounded by maxConcurrent (and, if set, a shared
// ChildLimiter), and parses each child's folded stack output. It
// implements the "runtime drivers accept the window's process list and
// attach one profiler per target" half of §4.3(a).
type attachDriver struct {
	*base
	runtime       stack.RuntimeKind
	provenance    stack.Provenance
	build         CommandBuilder
	maxConcurrent int
	global        ChildLimiter

	// onTargetFailure, if set, is called with a target's pid and error
	// whenever that single target's attach attempt fails. The Java driver
	// uses this to count consecutive failures toward its denylist
	// threshold (§4.3's Java specialization) without affecting the other
	// attach-mode variants.
	onTargetFailure func(pid stack.PID, err error)
	// onTargetSuccess, if set, is called with a target's pid whenever that
	// single target's attach attempt succeeds. The Java driver uses this
	// to reset its consecutive-failure count for the pid.
	onTargetSuccess func(pid stack.PID)
}

func newAttachDriver(logger log.Logger, cfg Config, rt stack.RuntimeKind, prov stack.Provenance, maxConcurrent int, build CommandBuilder) *attachDriver {
	d := &attachDriver{
		base:          newBase(log.With(logger, "driver", string(rt)), cfg),
		runtime:       rt,
		provenance:    prov,
		build:         build,
		maxConcurrent: maxConcurrent,
	}
	d.Enable()
	return d
}

func (d *attachDriver) Runtime() stack.RuntimeKind { return d.runtime }

// SetChildLimiter installs the shared, cross-driver child-process cap. A
// nil limiter (the default) leaves only the per-driver maxConcurrent bound
// in effect.
func (d *attachDriver) SetChildLimiter(l ChildLimiter) {
	d.global = l
}

func (d *attachDriver) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (d *attachDriver) Start(ctx context.Context, win stack.Window, targets []stack.ProcessDescriptor) (Result, error) {
	if !d.beginRun() {
		return Result{}, fmt.Errorf("%s driver not runnable from state %s", d.runtime, d.State())
	}

	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	defer cancel()

	partial := make(stack.PartialProfile, len(targets))
	var mu sync.Mutex
	var malformedTotal, malformedCount int
	sem := make(chan struct{}, d.maxConcurrent)
	var wg sync.WaitGroup

	for _, t := range targets {
		t := t
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if d.global != nil {
				select {
				case d.global <- struct{}{}:
					defer func() { <-d.global }()
				case <-ctx.Done():
					return
				}
			}

			sample, fracMalformed, err := d.profileOne(ctx, win, t.PID)
			mu.Lock()
			defer mu.Unlock()
			malformedTotal++
			if err != nil {
				level.Debug(d.logger).Log("msg", "attach profiling failed for target", "pid", t.PID, "err", err)
				if d.onTargetFailure != nil {
					d.onTargetFailure(t.PID, err)
				}
				return
			}
			if fracMalformed > 0 {
				malformedCount++
			}
			if sample != nil {
				partial[t.PID] = sample
			}
			if d.onTargetSuccess != nil {
				d.onTargetSuccess(t.PID)
			}
		}()
	}
	wg.Wait()

	degraded := false
	if malformedTotal > 0 && float64(malformedCount)/float64(malformedTotal) > d.cfg.MalformedLineThresh {
		d.reportTransientFailure(fmt.Errorf("too many targets produced malformed output"))
		degraded = true
	} else {
		d.reportSuccess()
	}

	return Result{Partial: partial, Degraded: degraded}, nil
}

// profileOne runs the driver's external tool against a single target pid
// with a per-target timeout bounded by the window deadline (§4.3's Attach
// mode: "enforces a per-target timeout").
func (d *attachDriver) profileOne(ctx context.Context, win stack.Window, pid stack.PID) (stack.Sample, float64, error) {
	timeout := win.Duration + 5*time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd, err := d.build(win, pid)
	if err != nil {
		return nil, 0, fmt.Errorf("build command for pid %d: %w", pid, err)
	}

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := runChildAndWait(ctx, d.cfg, cmd); err != nil {
		return nil, 0, fmt.Errorf("run profiler for pid %d: %w", pid, err)
	}

	return parseFolded(&stdout, d.provenance)
}
