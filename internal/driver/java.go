package driver

import (
	"context"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/Granulate/gprofiler/internal/stack"
)

// denylistThreshold is the number of consecutive attach failures against
// the same pid before it is denylisted (S4: "attempts attach to pid 400
// three windows in a row, each fails... After the third failure pid 400 is
// denylisted").
const denylistThreshold = 3

// denylistEntry records when a pid was denylisted, so an optional expiry
// age can evict it (SPEC_FULL's resolution of §9's open question; zero
// ExpireAfter means "permanent", the source behavior).
type denylistEntry struct {
	since time.Time
}

// JavaDriver attaches an in-process agent library (async-profiler-style)
// to each target JVM and detaches before stopping (§4.3 Java
// specialization). A JVM that fails to attach denylistThreshold windows in
// a row is denylisted for the agent lifetime (or until ExpireAfter
// elapses, if configured) to prevent repeated probe storms; an isolated
// failure does not denylist it.
type JavaDriver struct {
	inner *attachDriver

	mu          sync.Mutex
	denylist    map[stack.PID]denylistEntry
	failures    map[stack.PID]int // consecutive attach failures per pid, reset on success
	ExpireAfter time.Duration     // 0 = never expire (source default)

	agentLibPath string
	outputDir    string
}

func NewJavaDriver(logger log.Logger, cfg Config, agentLibPath, outputDir string, maxConcurrent int) *JavaDriver {
	d := &JavaDriver{
		denylist:     make(map[stack.PID]denylistEntry),
		failures:     make(map[stack.PID]int),
		agentLibPath: agentLibPath,
		outputDir:    outputDir,
	}
	d.inner = newAttachDriver(logger, cfg, stack.Java, stack.ProvJava, maxConcurrent, d.buildCommand)
	d.inner.onTargetFailure = func(pid stack.PID, err error) {
		d.recordFailure(pid)
	}
	d.inner.onTargetSuccess = func(pid stack.PID) {
		d.mu.Lock()
		delete(d.failures, pid)
		d.mu.Unlock()
	}
	return d
}

// recordFailure counts a consecutive attach failure against pid and
// denylists it once denylistThreshold is reached (S4), rather than on the
// first refusal — a single failed attach can be a transient race with
// process startup, not a standing incompatibility.
func (d *JavaDriver) recordFailure(pid stack.PID) {
	d.mu.Lock()
	d.failures[pid]++
	reached := d.failures[pid] >= denylistThreshold
	if reached {
		delete(d.failures, pid)
	}
	d.mu.Unlock()

	if reached {
		d.Denylist(pid)
	}
}

func (d *JavaDriver) Runtime() stack.RuntimeKind { return stack.Java }
func (d *JavaDriver) State() State               { return d.inner.State() }
func (d *JavaDriver) Stop()                      { d.inner.Stop() }

// SetChildLimiter forwards the shared cross-driver child-process cap to
// the wrapped attach driver (§5's global max_concurrent_children).
func (d *JavaDriver) SetChildLimiter(l ChildLimiter) {
	d.inner.SetChildLimiter(l)
}

func (d *JavaDriver) Start(ctx context.Context, win stack.Window, targets []stack.ProcessDescriptor) (Result, error) {
	d.evictExpired()

	eligible := targets[:0:0]
	for _, t := range targets {
		d.mu.Lock()
		_, denied := d.denylist[t.PID]
		d.mu.Unlock()
		if denied {
			level.Debug(d.inner.logger).Log("msg", "skipping denylisted jvm", "pid", t.PID)
			continue
		}
		eligible = append(eligible, t)
	}

	return d.inner.Start(ctx, win, eligible)
}

// buildCommand invokes the attach/profile/detach sequence against one JVM.
// A refusal to attach (process died mid-race, incompatible JVM) counts
// toward that pid's consecutive-failure total instead of failing the whole
// window (§4.3: "explicit driver refusal"); see recordFailure.
func (d *JavaDriver) buildCommand(win stack.Window, pid stack.PID) (*exec.Cmd, error) {
	cmd := exec.Command("asprof",
		"-d", strconv.Itoa(int(win.Duration.Seconds())),
		"-i", strconv.Itoa(1_000_000_000/win.Frequency), // ns between samples
		"-o", "collapsed",
		"--agentpath", d.agentLibPath,
		strconv.Itoa(int(pid)),
	)
	return cmd, nil
}

// Denylist marks pid as permanently (or until expiry) unattachable. Called
// by recordFailure once the pid reaches denylistThreshold consecutive
// attach failures.
func (d *JavaDriver) Denylist(pid stack.PID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.denylist[pid] = denylistEntry{since: time.Now()}
}

func (d *JavaDriver) evictExpired() {
	if d.ExpireAfter <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	for pid, e := range d.denylist {
		if now.Sub(e.since) >= d.ExpireAfter {
			delete(d.denylist, pid)
		}
	}
}

var _ Driver = (*JavaDriver)(nil)
