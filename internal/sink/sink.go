// Package sink implements the artifact Sink interface (§6) and its retry
// policy, plus concrete sinks: local file output (with rotation) and a
// gRPC upload sink modeled on the teacher's profile-store client dial.
package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/Granulate/gprofiler/internal/artifact"
)

// Outcome is a Sink's per-submission result (§6).
type Outcome int

const (
	Ok Outcome = iota
	Retry
	Fatal
)

// Sink is the core's only dependency on a remote aggregation service or
// other external collaborator for uploaded artifacts (§1, §6).
type Sink interface {
	Submit(ctx context.Context, data []byte, meta artifact.Metadata) (Outcome, error)
}

// SubmitWithRetry applies §6's bounded exponential backoff: at most three
// retries per artifact; a Fatal outcome drops the artifact immediately; a
// Retry outcome that exhausts the backoff budget also drops it, logging
// the event.
func SubmitWithRetry(ctx context.Context, logger log.Logger, s Sink, data []byte, meta artifact.Metadata) {
	const maxRetries = 3

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Second
	eb.MaxElapsedTime = 0 // caller (the attempt loop below) controls when to stop, not the backoff

	for attempt := 0; attempt <= maxRetries; attempt++ {
		outcome, err := s.Submit(ctx, data, meta)
		switch outcome {
		case Ok:
			return
		case Fatal:
			level.Error(logger).Log("msg", "artifact submission fatal, dropping", "err", err)
			return
		case Retry:
			if attempt == maxRetries {
				level.Error(logger).Log("msg", "artifact submission exhausted retry budget, dropping", "err", err)
				return
			}
			level.Warn(logger).Log("msg", "artifact submission retrying", "attempt", attempt, "err", err)
			select {
			case <-time.After(eb.NextBackOff()):
			case <-ctx.Done():
				return
			}
		}
	}
}

// FileSink writes the artifact to local disk, atomically via a temp file
// plus rename (§4.8: "A file's existence and integrity must be atomic from
// the point of view of any reader"). When Rotating is set, each window is
// written to a hidden .profile_<n>.col file, the last_profile.col symlink is
// switched to it, and the previous window's hidden file is unlinked, so no
// visible numbered files are written. last_flamegraph.html is not created
// or updated by this sink.
type FileSink struct {
	Dir      string
	Rotating bool

	seq int
}

func NewFileSink(dir string, rotating bool) *FileSink {
	return &FileSink{Dir: dir, Rotating: rotating}
}

func (f *FileSink) Submit(_ context.Context, data []byte, _ artifact.Metadata) (Outcome, error) {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return Fatal, fmt.Errorf("create output dir: %w", err)
	}

	if f.Rotating {
		return f.writeRotating(data)
	}
	return f.writeNumbered(data)
}

func (f *FileSink) writeNumbered(data []byte) (Outcome, error) {
	f.seq++
	name := fmt.Sprintf("profile_%d.col", f.seq)
	if err := atomicWrite(filepath.Join(f.Dir, name), data); err != nil {
		return Retry, err
	}
	return Ok, nil
}

func (f *FileSink) writeRotating(data []byte) (Outcome, error) {
	f.seq++
	target := filepath.Join(f.Dir, fmt.Sprintf(".profile_%d.col", f.seq))
	if err := atomicWrite(target, data); err != nil {
		return Retry, err
	}

	link := filepath.Join(f.Dir, "last_profile.col")
	tmpLink := link + ".tmp"
	_ = os.Remove(tmpLink)
	if err := os.Symlink(target, tmpLink); err != nil {
		return Retry, fmt.Errorf("symlink last_profile.col: %w", err)
	}
	if err := os.Rename(tmpLink, link); err != nil {
		return Retry, fmt.Errorf("activate last_profile.col: %w", err)
	}

	// Unlink any previous numbered target now that the symlink no longer
	// points at it (S6: "only last_profile.col ... exist; no numbered
	// files remain").
	prevTarget := filepath.Join(f.Dir, fmt.Sprintf(".profile_%d.col", f.seq-1))
	if f.seq > 1 {
		_ = os.Remove(prevTarget)
	}

	return Ok, nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
