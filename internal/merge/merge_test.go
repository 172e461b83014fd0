package merge

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Granulate/gprofiler/internal/stack"
)

func sampleOf(pairs ...struct {
	frames []string
	count  int64
}) stack.Sample {
	s := make(stack.Sample)
	for _, p := range pairs {
		st := make(stack.Stack, len(p.frames))
		for i, f := range p.frames {
			st[i] = stack.Frame{Symbol: f, Provenance: stack.ProvNative}
		}
		s.Add(st, p.count)
	}
	return s
}

func pair(frames []string, count int64) struct {
	frames []string
	count  int64
} {
	return struct {
		frames []string
		count  int64
	}{frames, count}
}

// S1: no runtime partial, merged output equals native verbatim.
func TestMergeM1NoRuntime(t *testing.T) {
	native := stack.PartialProfile{
		100: sampleOf(
			pair([]string{"a", "b"}, 10),
			pair([]string{"c"}, 5),
		),
	}

	got := Merge(native, nil)

	require.Len(t, got[100], 2)
	require.EqualValues(t, 10, got[100][stack.Stack{{Symbol: "a", Provenance: stack.ProvNative}, {Symbol: "b", Provenance: stack.ProvNative}}.Key()].Count)
	require.EqualValues(t, 5, got[100][stack.Stack{{Symbol: "c", Provenance: stack.ProvNative}}.Key()].Count)
}

// S2: attach-mode python scaling preserves the process's native CPU share.
func TestMergeM2Scaling(t *testing.T) {
	native := stack.PartialProfile{
		200: sampleOf(pair([]string{"_PyEval_EvalFrame", "libpython", "start"}, 100)),
	}
	python := stack.PartialProfile{
		200: sampleOf(
			pair([]string{"main", "foo", "bar"}, 4),
			pair([]string{"main", "baz"}, 1),
		),
	}

	got := Merge(native, []RuntimePartial{{Partial: python, FullStack: false, Provenance: stack.ProvPython}})

	fooBar := stack.Stack{{Symbol: "main", Provenance: stack.ProvNative}, {Symbol: "foo", Provenance: stack.ProvNative}, {Symbol: "bar", Provenance: stack.ProvNative}}
	baz := stack.Stack{{Symbol: "main", Provenance: stack.ProvNative}, {Symbol: "baz", Provenance: stack.ProvNative}}

	require.EqualValues(t, 80, got[200][fooBar.Key()].Count)
	require.EqualValues(t, 20, got[200][baz.Key()].Count)
	require.EqualValues(t, 100, got[200].Total())
}

// S3: eBPF-mode python replaces native entirely for that pid.
func TestMergeM3Replace(t *testing.T) {
	native := stack.PartialProfile{
		300: sampleOf(pair([]string{"_PyEval_EvalFrame", "interp_internal"}, 50)),
	}
	python := stack.PartialProfile{
		300: sampleOf(pair([]string{"main", "foo"}, 30)),
	}

	got := Merge(native, []RuntimePartial{{Partial: python, FullStack: true, Provenance: stack.ProvPython}})

	require.Len(t, got[300], 1)
	require.EqualValues(t, 30, got[300].Total())
}

func TestMergeZeroSamplesOmitted(t *testing.T) {
	native := stack.PartialProfile{400: make(stack.Sample)}
	got := Merge(native, nil)
	_, ok := got[400]
	require.False(t, ok)
}

func TestMergeFallbackWhenRuntimeEmpty(t *testing.T) {
	native := stack.PartialProfile{
		500: sampleOf(pair([]string{"a"}, 10)),
	}
	python := stack.PartialProfile{
		500: make(stack.Sample), // |R_k[p]| == 0
	}

	got := Merge(native, []RuntimePartial{{Partial: python, FullStack: false}})

	require.EqualValues(t, 10, got[500].Total())
}
