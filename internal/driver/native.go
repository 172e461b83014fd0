package driver

import (
	"context"
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"

	"github.com/Granulate/gprofiler/internal/stack"
)

const nativeStackDepth = 127

// NativeDriver is the system-wide native sampler: it is always present and
// covers every process in the snapshot regardless of runtime (§4.4
// "Selection rule": "always for the system native driver"). It loads a
// CPU-clock perf-event eBPF program once at Start and re-polls its
// stack-traces map every window.
type NativeDriver struct {
	*base
	progPath string
	coll     *ebpf.Collection
	links    []link.Link
}

func NewNativeDriver(logger log.Logger, cfg Config, progPath string) *NativeDriver {
	d := &NativeDriver{
		base:     newBase(log.With(logger, "driver", "native"), cfg),
		progPath: progPath,
	}
	d.Enable()
	return d
}

func (d *NativeDriver) Runtime() stack.RuntimeKind { return stack.Native }

func (d *NativeDriver) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (d *NativeDriver) Start(ctx context.Context, win stack.Window, targets []stack.ProcessDescriptor) (Result, error) {
	if !d.beginRun() {
		return Result{}, fmt.Errorf("native driver not runnable from state %s", d.State())
	}

	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	defer cancel()

	if d.coll == nil {
		if err := d.load(win.Frequency); err != nil {
			d.reportPermanentFailure(err)
			return Result{}, err
		}
	}

	select {
	case <-time.After(win.Duration):
	case <-ctx.Done():
	}

	sample, err := d.readSamples(targets)
	if err != nil {
		d.reportTransientFailure(err)
		return Result{Degraded: true}, err
	}

	d.reportSuccess()
	return Result{Partial: sample}, nil
}

func (d *NativeDriver) load(freqHz int) error {
	if err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &unix.Rlimit{Cur: unix.RLIM_INFINITY, Max: unix.RLIM_INFINITY}); err != nil {
		return fmt.Errorf("raise memlock rlimit: %w", err)
	}

	coll, err := ebpf.LoadCollection(d.progPath)
	if err != nil {
		return fmt.Errorf("load native sampler collection: %w", err)
	}

	prog, ok := coll.Programs["do_sample"]
	if !ok {
		coll.Close()
		return fmt.Errorf("native sampler collection missing do_sample program")
	}

	cpus := runtime.NumCPU()
	links := make([]link.Link, 0, cpus)
	for cpu := 0; cpu < cpus; cpu++ {
		fd, err := unix.PerfEventOpen(&unix.PerfEventAttr{
			Type:   unix.PERF_TYPE_SOFTWARE,
			Config: unix.PERF_COUNT_SW_CPU_CLOCK,
			Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
			Sample: uint64(1_000_000_000 / freqHz),
			Bits:   unix.PerfBitDisabled | unix.PerfBitFreq,
		}, -1, cpu, -1, 0)
		if err != nil {
			coll.Close()
			return fmt.Errorf("open perf event on cpu %d: %w", cpu, err)
		}

		l, err := link.AttachRawLink(link.RawLinkOptions{
			Program: prog,
			Attach:  ebpf.AttachPerfEvent,
			Target:  fd,
		})
		if err != nil {
			coll.Close()
			return fmt.Errorf("attach perf event on cpu %d: %w", cpu, err)
		}
		links = append(links, l)
	}

	d.coll = coll
	d.links = links
	return nil
}

// readSamples drains the counts/stack_traces maps the eBPF program
// populates, keeping only stacks belonging to a pid present in targets
// (§4.3(d): "stacks for a process not requested... are dropped").
func (d *NativeDriver) readSamples(targets []stack.ProcessDescriptor) (stack.PartialProfile, error) {
	wanted := make(map[stack.PID]struct{}, len(targets))
	for _, t := range targets {
		wanted[t.PID] = struct{}{}
	}

	counts, ok := d.coll.Maps["counts"]
	if !ok {
		return nil, fmt.Errorf("native sampler collection missing counts map")
	}

	partial := make(stack.PartialProfile)
	var key nativeCountKey
	var value uint64
	it := counts.Iterate()
	for it.Next(&key, &value) {
		pid := stack.PID(key.PID)
		if _, ok := wanted[pid]; !ok {
			continue
		}
		sample, ok := partial[pid]
		if !ok {
			sample = make(stack.Sample)
			partial[pid] = sample
		}
		st := d.resolveStack(key)
		sample.Add(st, int64(value))
	}
	if err := it.Err(); err != nil {
		return partial, fmt.Errorf("iterate counts map: %w", err)
	}

	d.clearMap(counts)
	return partial, nil
}

// clearMap deletes every key currently in m so the next window starts from
// an empty counts map, mirroring the teacher's bpfMaps.clean() (BPF map
// iterators require the previous key to step to the next one, so deletion
// is deferred by one iteration).
func (d *NativeDriver) clearMap(m *ebpf.Map) {
	var key nativeCountKey
	var value uint64
	var prev *nativeCountKey
	it := m.Iterate()
	for it.Next(&key, &value) {
		if prev != nil {
			if err := m.Delete(prev); err != nil {
				level.Debug(d.logger).Log("msg", "delete stale count key failed", "err", err)
			}
		}
		k := key
		prev = &k
	}
	if prev != nil {
		if err := m.Delete(prev); err != nil {
			level.Debug(d.logger).Log("msg", "delete stale count key failed", "err", err)
		}
	}
}

type nativeCountKey struct {
	PID           uint32
	UserStackID   int32
	KernelStackID int32
}

// resolveStack returns raw, unsymbolized frames for the user and kernel
// portions of one sample's stack trace. The core performs no
// symbolication beyond this pass-through (§1 Non-goals); a downstream
// consumer may resolve these later.
func (d *NativeDriver) resolveStack(key nativeCountKey) stack.Stack {
	stackTraces, ok := d.coll.Maps["stack_traces"]
	if !ok {
		return nil
	}

	var st stack.Stack
	if key.KernelStackID >= 0 {
		var frames [nativeStackDepth]uint64
		if err := stackTraces.Lookup(uint32(key.KernelStackID), &frames); err == nil {
			for _, addr := range frames {
				if addr == 0 {
					break
				}
				st = append(st, stack.Frame{Symbol: fmt.Sprintf("0x%x", addr), Provenance: stack.ProvKernel})
			}
		}
	}
	if key.UserStackID >= 0 {
		var frames [nativeStackDepth]uint64
		if err := stackTraces.Lookup(uint32(key.UserStackID), &frames); err == nil {
			for _, addr := range frames {
				if addr == 0 {
					break
				}
				st = append(st, stack.Frame{Symbol: fmt.Sprintf("0x%x", addr), Provenance: stack.ProvNative})
			}
		}
	}
	return st
}
