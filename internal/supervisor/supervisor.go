// Package supervisor implements the Supervisor (C4): parallel fan-out over
// drivers for one window, failure isolation, and the shared deadline.
package supervisor

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Granulate/gprofiler/internal/classify"
	"github.com/Granulate/gprofiler/internal/driver"
	"github.com/Granulate/gprofiler/internal/merge"
	"github.com/Granulate/gprofiler/internal/stack"
)

// Supervisor fans out to all eligible drivers for one window with a single
// shared deadline (§4.4).
type Supervisor struct {
	logger         log.Logger
	native         driver.Driver
	runtimeDrivers map[stack.RuntimeKind]driver.Driver

	postProcessingGrace time.Duration
	childLimiter        driver.ChildLimiter

	degradedWindows prometheus.Counter
	driverOutcomes  *prometheus.CounterVec
}

// defaultMaxConcurrentChildren bounds the total number of attach-mode
// external profiler children in flight across every runtime driver at
// once (§5's global max_concurrent_children resource cap), independent of
// any single driver's own per-window concurrency bound.
const defaultMaxConcurrentChildren = 32

func New(logger log.Logger, reg prometheus.Registerer, native driver.Driver, runtimeDrivers map[stack.RuntimeKind]driver.Driver) *Supervisor {
	s := &Supervisor{
		logger:              logger,
		native:              native,
		runtimeDrivers:      runtimeDrivers,
		postProcessingGrace: 30 * time.Second,
		childLimiter:        driver.NewChildLimiter(defaultMaxConcurrentChildren),
		degradedWindows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_windows_degraded_total",
			Help: "Number of windows marked degraded because a driver missed its deadline or failed.",
		}),
		driverOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_driver_outcomes_total",
			Help: "Per-driver, per-window outcome counts.",
		}, []string{"runtime", "outcome"}),
	}

	for _, d := range runtimeDrivers {
		if limited, ok := d.(interface{ SetChildLimiter(driver.ChildLimiter) }); ok {
			limited.SetChildLimiter(s.childLimiter)
		}
	}

	return s
}

// Register exposes the supervisor's metrics on reg. Separate from New so
// callers can construct a Supervisor without a registry in tests.
func (s *Supervisor) Register(reg prometheus.Registerer) {
	reg.MustRegister(s.degradedWindows, s.driverOutcomes)
}

// WindowOutput is what one Run call hands to the Merger.
type WindowOutput struct {
	Native    stack.PartialProfile
	Runtime   []merge.RuntimePartial
	Degraded  bool
}

// Run classifies targets, dispatches the system native driver plus every
// eligible runtime driver in parallel, and collects their partials. One
// driver's failure or deadline miss never blocks another's result
// (§4.4's partial-failure policy); it only marks the window degraded.
func (s *Supervisor) Run(parent context.Context, win stack.Window, descs []stack.ProcessDescriptor) WindowOutput {
	ctx, cancel := context.WithDeadline(parent, win.End().Add(s.postProcessingGrace))
	defer cancel()

	byRuntime := make(map[stack.RuntimeKind][]stack.ProcessDescriptor)
	// eBPF-replaced pids are excluded from the native driver's merge
	// contribution by the Merger itself (rule M3); the supervisor still
	// hands the native driver the full list, per §4.4's selection rule.
	for i := range descs {
		descs[i].Runtime, descs[i].RuntimeVersion = classify.Classify(descs[i])
		if descs[i].Runtime != stack.Native && descs[i].Runtime != stack.Unknown {
			byRuntime[descs[i].Runtime] = append(byRuntime[descs[i].Runtime], descs[i])
		}
	}

	type runtimeResult struct {
		kind   stack.RuntimeKind
		result driver.Result
		err    error
	}

	resultsCh := make(chan runtimeResult, len(s.runtimeDrivers)+1)

	go func() {
		res, err := s.native.Start(ctx, win, descs)
		resultsCh <- runtimeResult{kind: stack.Native, result: res, err: err}
	}()

	dispatched := 1
	for kind, d := range s.runtimeDrivers {
		targets := byRuntime[kind]
		if len(targets) == 0 {
			continue
		}
		if d.State() == driver.PermanentlyFailed || d.State() == driver.Disabled {
			continue
		}
		dispatched++
		go func(kind stack.RuntimeKind, d driver.Driver, targets []stack.ProcessDescriptor) {
			res, err := d.Start(ctx, win, targets)
			resultsCh <- runtimeResult{kind: kind, result: res, err: err}
		}(kind, d, targets)
	}

	out := WindowOutput{}
	defer func() {
		if out.Degraded && s.degradedWindows != nil {
			s.degradedWindows.Inc()
		}
	}()
	for i := 0; i < dispatched; i++ {
		select {
		case r := <-resultsCh:
			s.recordOutcome(r.kind, r.err, r.result.Degraded)
			if r.kind == stack.Native {
				out.Native = r.result.Partial
				if r.err != nil || r.result.Degraded {
					out.Degraded = true
				}
				continue
			}
			if r.err != nil {
				out.Degraded = true
				continue
			}
			fullStack := false
			if pd, ok := s.runtimeDrivers[r.kind].(interface{ FullStack() bool }); ok {
				fullStack = pd.FullStack()
			}
			prov := runtimeProvenance(r.kind)
			out.Runtime = append(out.Runtime, merge.RuntimePartial{
				Partial:    r.result.Partial,
				FullStack:  fullStack,
				Provenance: prov,
			})
			if r.result.Degraded {
				out.Degraded = true
			}
		case <-ctx.Done():
			// Deadline (plus grace) elapsed with drivers still
			// outstanding: treat the rest as empty and degraded
			// (§4.4 "If a driver misses the deadline its partial is
			// treated as empty for the merge, and the window is marked
			// degraded").
			out.Degraded = true
			level.Warn(s.logger).Log("msg", "window deadline elapsed with drivers still running")
			return out
		}
	}

	return out
}

func (s *Supervisor) recordOutcome(kind stack.RuntimeKind, err error, degraded bool) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	} else if degraded {
		outcome = "degraded"
	}
	if s.driverOutcomes != nil {
		s.driverOutcomes.WithLabelValues(string(kind), outcome).Inc()
	}
}

func runtimeProvenance(kind stack.RuntimeKind) stack.Provenance {
	switch kind {
	case stack.Java:
		return stack.ProvJava
	case stack.Python:
		return stack.ProvPython
	case stack.Ruby:
		return stack.ProvRuby
	case stack.PHP:
		return stack.ProvPHP
	case stack.Node:
		return stack.ProvNode
	case stack.DotNet:
		return stack.ProvDotNet
	default:
		return stack.ProvNative
	}
}
