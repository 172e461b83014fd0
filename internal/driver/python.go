package driver

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/Granulate/gprofiler/internal/stack"
)

// Mode selects which implementation PythonDriver uses.
type Mode string

const (
	Auto     Mode = "auto"
	EBPF     Mode = "ebpf"
	Attach   Mode = "attach"
	Disabled Mode = "disabled"
)

// PythonDriver encapsulates the choice between an eBPF-based sampler
// (whole-process, full native+python stacks, rule M3) and an attach-based
// one (py-spy, interpreter-only stacks, rule M2). In Auto mode it tries
// eBPF first; a failed readiness probe permanently demotes it to Attach
// for the remainder of the agent run (§4.3 Python specialization).
type PythonDriver struct {
	logger log.Logger
	cfg    Config

	mode Mode

	demoted int32 // atomic bool: true once eBPF has been demoted to Attach

	ebpf   *ebpfPythonDriver
	attach *attachDriver
}

func NewPythonDriver(logger log.Logger, cfg Config, mode Mode, pyspyPath string, ebpfProgPath string, maxConcurrent int) *PythonDriver {
	d := &PythonDriver{
		logger: log.With(logger, "driver", "python", "mode", string(mode)),
		cfg:    cfg,
		mode:   mode,
	}

	build := func(win stack.Window, pid stack.PID) (*exec.Cmd, error) {
		return exec.Command(pyspyPath,
			"record",
			"--pid", strconv.Itoa(int(pid)),
			"--duration", strconv.Itoa(int(win.Duration/time.Second)),
			"--rate", strconv.Itoa(win.Frequency),
			"--format", "raw",
			"--nonblocking",
			"--output", "/dev/stdout",
		), nil
	}
	d.attach = newAttachDriver(logger, cfg, stack.Python, stack.ProvPython, maxConcurrent, build)

	if mode == EBPF || mode == Auto {
		d.ebpf = newEBPFPythonDriver(logger, cfg, ebpfProgPath)
	}

	return d
}

func (d *PythonDriver) Runtime() stack.RuntimeKind { return stack.Python }

func (d *PythonDriver) State() State {
	if d.useEBPF() {
		return d.ebpf.State()
	}
	return d.attach.State()
}

func (d *PythonDriver) Stop() {
	if d.ebpf != nil {
		d.ebpf.Stop()
	}
	d.attach.Stop()
}

func (d *PythonDriver) useEBPF() bool {
	if d.mode == Attach || d.mode == Disabled {
		return false
	}
	if d.mode == EBPF {
		return true
	}
	// Auto: eBPF until it's been demoted.
	return atomic.LoadInt32(&d.demoted) == 0
}

// FullStack reports whether the currently active implementation emits
// full native+python stacks (M3, true for eBPF) or python-only stacks that
// must be scaled against the native partial (M2, true for attach).
func (d *PythonDriver) FullStack() bool {
	return d.useEBPF()
}

func (d *PythonDriver) Start(ctx context.Context, win stack.Window, targets []stack.ProcessDescriptor) (Result, error) {
	if d.mode == Disabled {
		return Result{}, fmt.Errorf("python driver disabled")
	}

	if d.useEBPF() {
		res, err := d.ebpf.Start(ctx, win, targets)
		if d.ebpf.State() == PermanentlyFailed {
			level.Warn(d.logger).Log("msg", "ebpf python sampler permanently failed, demoting to attach mode permanently", "err", err)
			atomic.StoreInt32(&d.demoted, 1)
			return d.attach.Start(ctx, win, targets)
		}
		return res, err
	}

	return d.attach.Start(ctx, win, targets)
}

// ebpfPythonDriver is a thin wrapper demonstrating the eBPF variant's
// distinct lifecycle (it samples in-kernel for each window rather than
// spawning a child per target); it loads a
// kernel-support readiness probe once and fails permanently (not
// transiently) if unavailable, which is what triggers Auto-mode demotion.
type ebpfPythonDriver struct {
	*base
	progPath string
	mu       sync.Mutex
	probed   bool
	ready    bool
}

func newEBPFPythonDriver(logger log.Logger, cfg Config, progPath string) *ebpfPythonDriver {
	d := &ebpfPythonDriver{
		base:     newBase(log.With(logger, "driver", "python-ebpf"), cfg),
		progPath: progPath,
	}
	d.Enable()
	return d
}

func (d *ebpfPythonDriver) Runtime() stack.RuntimeKind { return stack.Python }

func (d *ebpfPythonDriver) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (d *ebpfPythonDriver) Start(ctx context.Context, win stack.Window, targets []stack.ProcessDescriptor) (Result, error) {
	if !d.beginRun() {
		return Result{}, fmt.Errorf("python ebpf driver not runnable from state %s", d.State())
	}

	if err := d.ensureProbed(); err != nil {
		d.reportPermanentFailure(err)
		return Result{}, err
	}

	partial, err := pollEBPFPython(ctx, d.progPath, win, targets)
	if err != nil {
		d.reportTransientFailure(err)
		return Result{Degraded: true}, err
	}

	d.reportSuccess()
	return Result{Partial: partial}, nil
}

// ensureProbed runs the kernel-support/permission readiness probe exactly
// once; its result is cached for the driver's lifetime.
func (d *ebpfPythonDriver) ensureProbed() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.probed {
		if !d.ready {
			return fmt.Errorf("ebpf python sampler not ready")
		}
		return nil
	}
	d.probed = true
	if err := probeEBPFSupport(d.progPath); err != nil {
		return err
	}
	d.ready = true
	return nil
}
