// Package merge implements the Merger (C6): fusing native stacks with
// per-runtime stacks for the same process per rules M1-M5 (spec §4.6).
package merge

import (
	"sort"

	"github.com/Granulate/gprofiler/internal/stack"
)

// RuntimePartial is one runtime driver's partial profile, tagged with
// whether its stacks already contain native frames beneath the interpreter
// (eBPF-style, rule M3) or are pure interpreter stacks that must be scaled
// against the native partial (attach-style, rule M2), and with the frame
// provenance its driver stamps on interpreter frames.
type RuntimePartial struct {
	Partial    stack.PartialProfile
	FullStack  bool // true => M3 (replace), false => M2 (scale)
	Provenance stack.Provenance
}

// Merge combines the native partial N with zero or more runtime partials
// into a merged pid -> Sample map, per rules M1-M4. Labeling (M5) is the
// caller's responsibility (the emitter attaches prefix frames once process
// descriptors are available) so the merger stays a pure function of the
// partials.
func Merge(native stack.PartialProfile, runtimePartials []RuntimePartial) map[stack.PID]stack.Sample {
	out := make(map[stack.PID]stack.Sample)

	// Track which pids each runtime partial replaces outright (M3) so the
	// native contribution for that pid is dropped entirely.
	replaced := make(map[stack.PID]bool)
	for _, rp := range runtimePartials {
		if !rp.FullStack {
			continue
		}
		for pid, sample := range rp.Partial {
			if sample.Total() == 0 {
				continue
			}
			replaced[pid] = true
			merged := out[pid]
			if merged == nil {
				merged = make(stack.Sample)
				out[pid] = merged
			}
			for _, sc := range sample {
				merged.Add(sc.Stack, sc.Count)
			}
		}
	}

	// M2: scale each attach-mode runtime partial against native counts for
	// the same pid, then fold the scaled stacks in.
	for _, rp := range runtimePartials {
		if rp.FullStack {
			continue
		}
		for pid, rSample := range rp.Partial {
			if replaced[pid] {
				// A pid can't simultaneously be eBPF-replaced and
				// attach-scaled; replacement wins (selection rule §4.4).
				continue
			}
			rTotal := rSample.Total()
			if rTotal == 0 {
				continue
			}
			nSample := native[pid]
			nTotal := nSample.Total()

			merged := out[pid]
			if merged == nil {
				merged = make(stack.Sample)
				out[pid] = merged
			}

			if nTotal == 0 {
				// No native samples for this pid: there is no native
				// share to scale to, so the runtime stacks are emitted
				// unscaled. (The opposite case, |R_k[p]| == 0, was
				// skipped above and falls through to the M1 path below,
				// which emits N[p] unchanged.)
				for _, sc := range rSample {
					merged.Add(sc.Stack, sc.Count)
				}
				continue
			}

			scaleStacks(merged, rSample, nTotal, rTotal)
		}
	}

	// M1: any pid with no runtime partial at all gets N[p] verbatim.
	hasRuntime := make(map[stack.PID]bool)
	for _, rp := range runtimePartials {
		for pid, sample := range rp.Partial {
			// A runtime partial with zero samples for this pid doesn't
			// count as "has a runtime contribution" — it falls through to
			// M1's native-verbatim path (§9's "|R_k[p]| == 0" fallback),
			// same as if the driver hadn't reported this pid at all.
			if sample.Total() == 0 {
				continue
			}
			hasRuntime[pid] = true
		}
	}
	for pid, nSample := range native {
		if hasRuntime[pid] {
			continue
		}
		if nSample.Total() == 0 {
			continue
		}
		merged := out[pid]
		if merged == nil {
			merged = make(stack.Sample)
			out[pid] = merged
		}
		for _, sc := range nSample {
			merged.Add(sc.Stack, sc.Count)
		}
	}

	// Edge case: "Zero samples for p across both N and R_k: p is omitted
	// entirely" — drop any empty entries that slipped in.
	for pid, s := range out {
		if len(s) == 0 {
			delete(out, pid)
		}
	}

	return out
}

// scaleStacks distributes rSample's counts into merged, scaled by
// nTotal/rTotal with round-half-up rounding and residue assigned to the
// largest-count bucket (the rounding rule the Open Question in §9 settles
// on).
func scaleStacks(merged stack.Sample, rSample stack.Sample, nTotal, rTotal int64) {
	type scaled struct {
		key    string
		st     stack.Stack
		exact  float64
		round  int64
	}

	entries := make([]scaled, 0, len(rSample))
	var roundedSum int64
	for _, sc := range rSample {
		exact := float64(sc.Count) * float64(nTotal) / float64(rTotal)
		rounded := int64(exact + 0.5)
		entries = append(entries, scaled{key: sc.Stack.Key(), st: sc.Stack, exact: exact, round: rounded})
		roundedSum += rounded
	}

	residue := nTotal - roundedSum
	if residue != 0 && len(entries) > 0 {
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].exact > entries[j].exact
		})
		entries[0].round += residue
		if entries[0].round < 0 {
			entries[0].round = 0
		}
	}

	for _, e := range entries {
		if e.round == 0 {
			continue
		}
		merged.Add(e.st, e.round)
	}
}
