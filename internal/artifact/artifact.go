// Package artifact implements the Artifact Emitter (C8): building the
// folded-stacks artifact with its JSON metadata preamble (§4.8, §6).
package artifact

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Granulate/gprofiler/internal/stack"
)

// HostMetadata carries host-level identity that belongs in every window's
// preamble (SPEC_FULL's "Host metadata" supplement).
type HostMetadata struct {
	Hostname      string `json:"hostname"`
	KernelBuildID string `json:"kernel_build_id,omitempty"`
	Architecture  string `json:"architecture,omitempty"`
	KernelRelease string `json:"kernel_release,omitempty"`
	Platform      string `json:"platform,omitempty"`
	CPUCount      int    `json:"cpu_count,omitempty"`
	BootTime      time.Time `json:"boot_time,omitempty"`

	// RunID identifies one agent process lifetime, so artifacts emitted
	// across a restart are distinguishable downstream. Generated once at
	// startup, not per window.
	RunID string `json:"run_id"`
}

// NewRunID generates the identifier stamped into HostMetadata.RunID at
// agent startup.
func NewRunID() string {
	return uuid.NewString()
}

// ApplicationMetadata is one entry of the preamble's applications_metadata
// array (§6).
type ApplicationMetadata struct {
	ProcessID int    `json:"process_id"`
	AppID     string `json:"appid"`
	Container string `json:"container,omitempty"`
	Command   string `json:"command,omitempty"`
	Runtime   string `json:"runtime,omitempty"`
}

// Metadata is the artifact's JSON preamble object (§6).
type Metadata struct {
	StartTime             time.Time             `json:"start_time"`
	EndTime               time.Time             `json:"end_time"`
	Hostname              string                `json:"hostname"`
	HostMetadata          HostMetadata          `json:"host_metadata"`
	ApplicationsMetadata  []ApplicationMetadata `json:"applications_metadata"`
	Degraded              bool                  `json:"degraded"`
}

// StackLine is one rendered, parsed artifact line: an index into
// applications_metadata plus the aggregate count for one unique stack.
// Stack holds the frames in rendered order: root first, beginning with the
// label prefix frames, and ending with the leaf.
type StackLine struct {
	Idx   int
	Stack stack.Stack
	Count int64
}

// Artifact is a fully-built window result: its metadata preamble plus every
// stack line, ready to render or already parsed back from bytes.
type Artifact struct {
	Metadata Metadata
	Lines    []StackLine
}

// Build assembles an Artifact from one window's merged result and process
// descriptors, applying M5's per-process label prefix (command, container,
// appid) to every stack.
func Build(win stack.Window, descs map[stack.PID]stack.ProcessDescriptor, merged map[stack.PID]stack.Sample, host HostMetadata, hostname string, degraded bool) Artifact {
	// Deterministic ordering keeps repeated builds from the same input
	// reproducible (useful for tests and diffable fixtures).
	pids := make([]stack.PID, 0, len(merged))
	for pid := range merged {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	meta := Metadata{
		StartTime:    win.Start,
		EndTime:      win.End(),
		Hostname:     hostname,
		HostMetadata: host,
		Degraded:     degraded,
	}

	var lines []StackLine
	for _, pid := range pids {
		desc, ok := descs[pid]
		if !ok {
			// "A process visible in the snapshot but absent from all
			// partials is omitted" is the Merger's job; here the
			// inverse (a partial with no descriptor) is a defensive
			// drop — it should not happen given I1.
			continue
		}
		idx := len(meta.ApplicationsMetadata)
		meta.ApplicationsMetadata = append(meta.ApplicationsMetadata, ApplicationMetadata{
			ProcessID: int(pid),
			AppID:     desc.AppID,
			Container: desc.Container,
			Command:   desc.Command,
			Runtime:   string(desc.Runtime),
		})

		prefix := labelPrefix(desc)
		for _, sc := range merged[pid] {
			full := make(stack.Stack, 0, len(prefix)+len(sc.Stack))
			full = append(full, prefix...)
			// Samples are leaf-first; a rendered line is root-first, so the
			// sample is reversed and the prefix ends up at the root end.
			for i := len(sc.Stack) - 1; i >= 0; i-- {
				full = append(full, sc.Stack[i])
			}
			lines = append(lines, StackLine{Idx: idx, Stack: full, Count: sc.Count})
		}
	}

	return Artifact{Metadata: meta, Lines: lines}
}

// labelPrefix builds M5's root-end prefix frames: command, container,
// and — if non-empty — "appid: <string>". None carry a provenance suffix.
func labelPrefix(desc stack.ProcessDescriptor) stack.Stack {
	prefix := stack.Stack{
		{Symbol: desc.Command},
		{Symbol: desc.Container},
	}
	if desc.AppID != "" {
		prefix = append(prefix, stack.Frame{Symbol: "appid: " + desc.AppID})
	}
	return prefix
}

// Render writes the artifact as the on-disk folded-stacks text format
// (§6): a single `#`-prefixed JSON metadata line, then one line per stack.
func (a Artifact) Render() ([]byte, error) {
	metaJSON, err := json.Marshal(a.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteByte('#')
	buf.Write(metaJSON)
	buf.WriteByte('\n')

	for _, line := range a.Lines {
		buf.WriteString(strconv.Itoa(line.Idx))
		for _, f := range line.Stack {
			buf.WriteByte(';')
			buf.WriteString(escapeField(f.Rendered()))
		}
		buf.WriteByte(' ')
		buf.WriteString(strconv.FormatInt(line.Count, 10))
		buf.WriteByte('\n')
	}

	return buf.Bytes(), nil
}

func escapeField(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}

// Parse reads back an artifact rendered by Render, recovering the
// (idx, stack) -> count mapping (P6 round-trip, P4 line grammar).
func Parse(data []byte) (Artifact, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 8<<20)

	var a Artifact
	if !scanner.Scan() {
		return a, fmt.Errorf("empty artifact")
	}
	first := scanner.Text()
	if !strings.HasPrefix(first, "#") {
		return a, fmt.Errorf("artifact preamble must start with '#'")
	}
	if err := json.Unmarshal([]byte(first[1:]), &a.Metadata); err != nil {
		return a, fmt.Errorf("parse metadata: %w", err)
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		sp := strings.LastIndex(line, " ")
		if sp < 0 {
			return a, fmt.Errorf("malformed stack line (no count): %q", line)
		}
		fieldsPart := line[:sp]
		count, err := strconv.ParseInt(line[sp+1:], 10, 64)
		if err != nil {
			return a, fmt.Errorf("malformed count in line %q: %w", line, err)
		}

		fields := strings.Split(fieldsPart, ";")
		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			return a, fmt.Errorf("malformed idx in line %q: %w", line, err)
		}

		st := make(stack.Stack, 0, len(fields)-1)
		for _, f := range fields[1:] {
			st = append(st, parseFrame(f))
		}

		a.Lines = append(a.Lines, StackLine{Idx: idx, Stack: st, Count: count})
	}
	if err := scanner.Err(); err != nil {
		return a, fmt.Errorf("scan artifact: %w", err)
	}

	return a, nil
}

var suffixProvenance = map[string]stack.Provenance{
	"_[k]":   stack.ProvKernel,
	"_[p]":   stack.ProvPython,
	"_[pn]":  stack.ProvPythonNative,
	"_[rb]":  stack.ProvRuby,
	"_[php]": stack.ProvPHP,
	"_[net]": stack.ProvDotNet,
}

func parseFrame(s string) stack.Frame {
	for suffix, prov := range suffixProvenance {
		if strings.HasSuffix(s, suffix) {
			return stack.Frame{Symbol: strings.TrimSuffix(s, suffix), Provenance: prov}
		}
	}
	return stack.Frame{Symbol: s, Provenance: stack.ProvNative}
}

// Key returns a value suitable for P2/P6's (idx, stack) identity check.
func (l StackLine) Key() string {
	return strconv.Itoa(l.Idx) + "|" + l.Stack.Key()
}
