package driver

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/Granulate/gprofiler/internal/stack"
)

// parseFolded parses a collapsed-stack text stream ("frame;frame;... count"
// per line, root-to-leaf as most external folders emit it) into a Sample,
// attaching provenance to every frame. It returns the sample plus the
// fraction of lines that could not be parsed, so the caller can apply
// §4.3's "more than a threshold fraction malformed" rule.
func parseFolded(r io.Reader, prov stack.Provenance) (stack.Sample, float64, error) {
	sample := make(stack.Sample)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var total, malformed int
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		total++

		idx := strings.LastIndex(line, " ")
		if idx < 0 {
			malformed++
			continue
		}
		framesPart := line[:idx]
		countPart := strings.TrimSpace(line[idx+1:])

		count, err := strconv.ParseInt(countPart, 10, 64)
		if err != nil || count <= 0 {
			malformed++
			continue
		}

		parts := strings.Split(framesPart, ";")
		// External folders conventionally emit root-first; our internal
		// Stack convention is leaf-first, so reverse.
		st := make(stack.Stack, len(parts))
		for i, f := range parts {
			st[len(parts)-1-i] = stack.Frame{Symbol: f, Provenance: prov}
		}
		sample.Add(st, count)
	}
	if err := scanner.Err(); err != nil {
		return sample, 0, fmt.Errorf("scan folded output: %w", err)
	}

	if total == 0 {
		return sample, 0, nil
	}
	return sample, float64(malformed) / float64(total), nil
}
