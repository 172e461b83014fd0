package artifact

import (
	"bytes"

	"github.com/google/pprof/profile"
)

// ToPprof converts the artifact's folded stacks into a pprof Profile, for
// sinks that prefer the binary pprof wire format over the on-disk
// folded-stacks text format (§6 names the text format as canonical for
// local files; a remote sink is free to translate).
func (a Artifact) ToPprof() (*profile.Profile, error) {
	locByName := map[string]*profile.Location{}
	funcByName := map[string]*profile.Function{}
	var locations []*profile.Location
	var functions []*profile.Function

	locationFor := func(name string) *profile.Location {
		if l, ok := locByName[name]; ok {
			return l
		}
		fn, ok := funcByName[name]
		if !ok {
			fn = &profile.Function{ID: uint64(len(functions) + 1), Name: name}
			funcByName[name] = fn
			functions = append(functions, fn)
		}
		loc := &profile.Location{
			ID:   uint64(len(locations) + 1),
			Line: []profile.Line{{Function: fn}},
		}
		locByName[name] = loc
		locations = append(locations, loc)
		return loc
	}

	p := &profile.Profile{
		SampleType:    []*profile.ValueType{{Type: "samples", Unit: "count"}},
		TimeNanos:     a.Metadata.StartTime.UnixNano(),
		DurationNanos: a.Metadata.EndTime.Sub(a.Metadata.StartTime).Nanoseconds(),
	}

	for _, line := range a.Lines {
		var locs []*profile.Location
		// pprof wants leaf-first locations; StackLine.Stack is root-first
		// (rendered order), so append in reverse.
		for i := len(line.Stack) - 1; i >= 0; i-- {
			locs = append(locs, locationFor(line.Stack[i].Rendered()))
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Location: locs,
			Value:    []int64{line.Count},
		})
	}

	p.Location = locations
	p.Function = functions

	var buf bytes.Buffer
	if err := p.Write(&buf); err != nil {
		return nil, err
	}
	return profile.Parse(bytes.NewReader(buf.Bytes()))
}
