// Package driver implements the Sub-profiler Driver (C3): the uniform
// contract wrapping each external profiling tool's lifecycle, plus the
// state machine and process-group signal escalation shared by every
// variant (§4.3).
package driver

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/Granulate/gprofiler/internal/stack"
)

// State is one of the driver lifecycle states in §4.3's state machine.
type State string

const (
	Disabled          State = "disabled"
	Ready             State = "ready"
	Running           State = "running"
	Backoff           State = "backoff"
	PermanentlyFailed State = "permanently_failed"
)

// Result is the outcome of one window's Start call.
type Result struct {
	Partial  stack.PartialProfile
	Degraded bool // true if the driver missed the deadline or failed transiently
}

// Driver is the uniform contract every sub-profiler variant implements.
type Driver interface {
	// Start launches (or resumes streaming from) the external profiler for
	// the given window and the process set eligible for this driver, and
	// blocks until the partial profile is ready or ctx is done.
	Start(ctx context.Context, win stack.Window, targets []stack.ProcessDescriptor) (Result, error)
	// Stop best-effort cancels any in-flight external process.
	Stop()
	// State returns the driver's current lifecycle state.
	State() State
	// Runtime identifies which RuntimeKind this driver serves.
	Runtime() stack.RuntimeKind
}

// Config bounds the common behavior every variant shares (§4.3, §5).
type Config struct {
	MaxAttemptsPerTarget int           // default 1 (retries are window-granularity, not intra-window)
	RetryCeiling         int           // default 3, consecutive transient failures before PermanentlyFailed
	BackoffCap           time.Duration // default 60s
	KillGrace            time.Duration // default 10s, polite->forceful escalation timeout
	MalformedLineThresh  float64       // default 0.05, fraction of unparseable lines before a window-transient failure
}

func DefaultConfig() Config {
	return Config{
		MaxAttemptsPerTarget: 1,
		RetryCeiling:         3,
		BackoffCap:           60 * time.Second,
		KillGrace:            10 * time.Second,
		MalformedLineThresh:  0.05,
	}
}

// base holds the state machine, backoff policy and consecutive-failure
// counter common to every driver variant. Variants embed it and call
// transition helpers instead of reimplementing §4.3's state diagram.
type base struct {
	mu    sync.Mutex
	state State
	cfg   Config
	bo    backoff.BackOff

	consecutiveFailures int
	logger              log.Logger

	cancel context.CancelFunc
}

func newBase(logger log.Logger, cfg Config) *base {
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = 0 // caller controls when to stop retrying, not the backoff itself
	eb.MaxInterval = cfg.BackoffCap
	return &base{
		state:  Disabled,
		cfg:    cfg,
		bo:     eb,
		logger: logger,
	}
}

func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Enable transitions Disabled -> Ready. Idempotent.
func (b *base) Enable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Disabled {
		b.state = Ready
	}
}

// beginRun transitions Ready/Backoff -> Running, refusing to start once the
// driver is permanently failed.
func (b *base) beginRun() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == PermanentlyFailed || b.state == Disabled {
		return false
	}
	b.state = Running
	return true
}

// reportSuccess transitions Running -> Ready and resets the failure streak.
func (b *base) reportSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Ready
	b.consecutiveFailures = 0
	b.bo.Reset()
}

// reportTransientFailure transitions Running -> Backoff, or -> PermanentlyFailed
// once the retry ceiling is exceeded (§4.3 "Backoff --Nth consecutive
// failure--> PermanentlyFailed").
func (b *base) reportTransientFailure(err error) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures++
	level.Warn(b.logger).Log("msg", "driver transient failure", "err", err, "consecutive", b.consecutiveFailures)
	if b.consecutiveFailures > b.cfg.RetryCeiling {
		b.state = PermanentlyFailed
		return b.state
	}
	b.state = Backoff
	return b.state
}

// reportPermanentFailure transitions Running -> PermanentlyFailed
// unconditionally (missing executable, unsupported arch, explicit refusal).
func (b *base) reportPermanentFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	level.Error(b.logger).Log("msg", "driver permanent failure", "err", err)
	b.state = PermanentlyFailed
}

// backoffElapsed transitions Backoff -> Ready after the computed interval.
func (b *base) backoffElapsed(ctx context.Context) {
	b.mu.Lock()
	d := b.bo.NextBackOff()
	b.mu.Unlock()

	select {
	case <-time.After(d):
	case <-ctx.Done():
	}

	b.mu.Lock()
	if b.state == Backoff {
		b.state = Ready
	}
	b.mu.Unlock()
}

// runChildAndWait runs cmd to completion or until ctx is cancelled, in
// which case it escalates polite->forceful termination within
// cfg.KillGrace, honoring §4.3(c) and §9's process-group kill requirement.
func runChildAndWait(ctx context.Context, cfg Config, cmd *exec.Cmd) error {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,             // own process group, so the whole sub-tree can be signaled at once
		Pdeathsig: syscall.SIGKILL, // killed if the agent itself dies before reaping it
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start child: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		select {
		case err := <-done:
			return err
		case <-time.After(cfg.KillGrace):
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			<-done
			return ctx.Err()
		}
	}
}
