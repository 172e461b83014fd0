// Package scheduler implements the Session Scheduler (C7): the top-level
// window loop that ties the Process Registry, Supervisor, Merger and
// Artifact Emitter together, plus shutdown handling (§4.7).
package scheduler

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/Granulate/gprofiler/internal/appid"
	"github.com/Granulate/gprofiler/internal/artifact"
	"github.com/Granulate/gprofiler/internal/classify"
	"github.com/Granulate/gprofiler/internal/merge"
	"github.com/Granulate/gprofiler/internal/sink"
	"github.com/Granulate/gprofiler/internal/stack"
	"github.com/Granulate/gprofiler/internal/supervisor"
)

// Registry is the Process Registry's contract as seen by the scheduler.
type Registry interface {
	Snapshot() []stack.ProcessDescriptor
}

// Supervisor is the Supervisor's contract as seen by the scheduler.
type Supervisor interface {
	Run(ctx context.Context, win stack.Window, descs []stack.ProcessDescriptor) supervisor.WindowOutput
}

// Config bounds the scheduler's own behavior (§4.7, §5).
type Config struct {
	Interval     time.Duration // time between window starts; 0 means back-to-back
	Duration     time.Duration // window length
	Frequency    int           // sampling Hz
	Continuous   bool          // false => run exactly one window then stop
	QueueDepth   int           // bounded emit queue depth, default 2
	ShutdownGrace time.Duration // default 30s
}

func DefaultConfig() Config {
	return Config{
		Duration:      60 * time.Second,
		Frequency:     11,
		Continuous:    true,
		QueueDepth:    2,
		ShutdownGrace: 30 * time.Second,
	}
}

// Scheduler drives the continuous window loop: snapshot -> classify/annotate
// -> supervise -> merge -> build/render -> emit.
type Scheduler struct {
	logger     log.Logger
	cfg        Config
	registry   Registry
	supervisor Supervisor
	sinks      []sink.Sink
	hostMeta   artifact.HostMetadata
	hostname   string

	emitQueue chan emitJob
	emitDone  chan struct{}
}

type emitJob struct {
	data []byte
	meta artifact.Metadata
}

func New(logger log.Logger, cfg Config, registry Registry, supervisor Supervisor, sinks []sink.Sink, hostMeta artifact.HostMetadata, hostname string) *Scheduler {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 2
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	return &Scheduler{
		logger:     logger,
		cfg:        cfg,
		registry:   registry,
		supervisor: supervisor,
		sinks:      sinks,
		hostMeta:   hostMeta,
		hostname:   hostname,
		emitQueue:  make(chan emitJob, cfg.QueueDepth),
		emitDone:   make(chan struct{}),
	}
}

// Run executes the window loop until ctx is cancelled (or, in
// non-continuous mode, after exactly one window). It always attempts a
// best-effort final emit of whatever partial data exists for the
// in-flight window before returning (§4.7 "graceful shutdown").
func (s *Scheduler) Run(ctx context.Context) error {
	go s.emitLoop(context.Background())
	defer func() {
		close(s.emitQueue)
		<-s.emitDone
	}()

	for {
		win := stack.Window{Start: time.Now(), Duration: s.cfg.Duration, Frequency: s.cfg.Frequency}

		windowCtx, cancel := context.WithDeadline(ctx, win.End().Add(s.cfg.ShutdownGrace))
		out, descs := s.runWindow(windowCtx, win)
		cancel()

		s.enqueueEmit(win, out, descs)

		if !s.cfg.Continuous {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if s.cfg.Interval > 0 {
			select {
			case <-time.After(time.Until(win.Start.Add(s.cfg.Interval))):
			case <-ctx.Done():
				return nil
			}
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (s *Scheduler) runWindow(ctx context.Context, win stack.Window) (supervisor.WindowOutput, []stack.ProcessDescriptor) {
	descs := s.registry.Snapshot()
	for i := range descs {
		descs[i].Runtime, descs[i].RuntimeVersion = classify.Classify(descs[i])
		descs[i].AppID = appid.AppID(descs[i])
	}

	out := s.supervisor.Run(ctx, win, descs)
	return out, descs
}

// enqueueEmit builds and renders the artifact then hands it to the emit
// queue, dropping the oldest queued job on overflow (§5 "bounded emit
// queue... drop-oldest").
func (s *Scheduler) enqueueEmit(win stack.Window, out supervisor.WindowOutput, descs []stack.ProcessDescriptor) {
	merged := merge.Merge(out.Native, out.Runtime)

	descByPID := make(map[stack.PID]stack.ProcessDescriptor, len(descs))
	for _, d := range descs {
		descByPID[d.PID] = d
	}

	built := artifact.Build(win, descByPID, merged, s.hostMeta, s.hostname, out.Degraded)
	data, err := built.Render()
	if err != nil {
		level.Error(s.logger).Log("msg", "render artifact failed", "err", err)
		return
	}

	job := emitJob{data: data, meta: built.Metadata}
	select {
	case s.emitQueue <- job:
	default:
		// Queue full: drop the oldest, then enqueue the new one.
		select {
		case <-s.emitQueue:
			level.Warn(s.logger).Log("msg", "emit queue full, dropping oldest artifact")
		default:
		}
		select {
		case s.emitQueue <- job:
		default:
		}
	}
}

func (s *Scheduler) emitLoop(ctx context.Context) {
	defer close(s.emitDone)
	for job := range s.emitQueue {
		for _, sk := range s.sinks {
			sink.SubmitWithRetry(ctx, s.logger, sk, job.data, job.meta)
		}
	}
}
