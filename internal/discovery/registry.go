// Package discovery implements the Process Registry (C1): a per-window
// snapshot of live host processes, read from a /proc-like source via
// prometheus/procfs.
package discovery

import (
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/procfs"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/Granulate/gprofiler/internal/stack"
)

// Registry snapshots the host process table once per window (C1).
type Registry struct {
	logger    log.Logger
	fs        procfs.FS
	available bool
	containers *containerInventory
}

// NewRegistry opens the host /proc mount. If it cannot be opened, the
// registry is still constructed but Snapshot will always return an empty
// list (§4.1 "Failure semantics" — unavailable source is a no-op window,
// not a startup failure).
func NewRegistry(logger log.Logger, procMount string) *Registry {
	if procMount == "" {
		procMount = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(procMount)
	r := &Registry{
		logger:     logger,
		fs:         fs,
		available:  err == nil,
		containers: newContainerInventory(logger),
	}
	if err != nil {
		level.Warn(logger).Log("msg", "proc filesystem unavailable, registry degraded", "err", err)
	}
	return r
}

// Snapshot returns all processes visible from the host process namespace at
// call time. Per-process read errors (process exited mid-scan) are dropped
// silently at debug level; the whole snapshot never fails (§4.1).
func (r *Registry) Snapshot() []stack.ProcessDescriptor {
	if !r.available {
		return nil
	}

	procs, err := r.fs.AllProcs()
	if err != nil {
		level.Debug(r.logger).Log("msg", "listing processes failed", "err", err)
		return nil
	}

	r.containers.refresh()

	descs := make([]stack.ProcessDescriptor, 0, len(procs))
	for _, p := range procs {
		d, ok := r.describe(p)
		if !ok {
			continue
		}
		descs = append(descs, d)
	}
	return descs
}

func (r *Registry) describe(p procfs.Proc) (stack.ProcessDescriptor, bool) {
	stat, err := p.Stat()
	if err != nil {
		level.Debug(r.logger).Log("msg", "read stat failed", "pid", p.PID, "err", err)
		return stack.ProcessDescriptor{}, false
	}

	cmdline, err := p.CmdLine()
	if err != nil {
		level.Debug(r.logger).Log("msg", "read cmdline failed, falling back to gopsutil", "pid", p.PID, "err", err)
		cmdline = gopsutilCmdline(p.PID)
	}

	exe, err := p.Executable()
	if err != nil {
		level.Debug(r.logger).Log("msg", "read executable failed, falling back to gopsutil", "pid", p.PID, "err", err)
		exe = gopsutilExe(p.PID)
	}

	var modules []string
	if maps, err := p.ProcMaps(); err == nil {
		seen := make(map[string]struct{}, len(maps))
		for _, m := range maps {
			if m.Pathname == "" {
				continue
			}
			if _, ok := seen[m.Pathname]; ok {
				continue
			}
			seen[m.Pathname] = struct{}{}
			modules = append(modules, m.Pathname)
		}
	} else {
		level.Debug(r.logger).Log("msg", "read maps failed", "pid", p.PID, "err", err)
	}

	var pidns, mntns uint64
	if nsList, err := p.Namespaces(); err == nil {
		if ns, ok := nsList["pid"]; ok {
			pidns = ns.INode
		}
		if ns, ok := nsList["mnt"]; ok {
			mntns = ns.INode
		}
	}

	container := r.containers.identify(p.PID)

	d := stack.ProcessDescriptor{
		PID:         stack.PID(p.PID),
		PPID:        stack.PID(stat.PPID),
		StartTime:   stack.StartTimeToken(stat.Starttime),
		Command:     sanitizeField(stat.Comm),
		CommandLine: cmdline,
		Executable:  exe,
		Modules:     modules,
		Container:   container,
		PIDNS:       pidns,
		MountNS:     mntns,
	}
	return d, true
}

// sanitizeField strips the characters that would corrupt an artifact line
// (invariant I5: no embedded newlines; ';' is our field separator).
func sanitizeField(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, ";", ":")
	return s
}

// gopsutilCmdline and gopsutilExe are a namespace-safe fallback for when a
// process's /proc entries are mid-teardown and procfs's own cmdline/exe
// reads fail: gopsutil/v4/process re-derives the same facts
// through its own /proc access path, which occasionally succeeds on a
// process that procfs just lost the race against.
func gopsutilCmdline(pid int) []string {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	cmdline, err := p.CmdlineSlice()
	if err != nil {
		return nil
	}
	return cmdline
}

func gopsutilExe(pid int) string {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return ""
	}
	exe, err := p.Exe()
	if err != nil {
		return ""
	}
	return exe
}
