package driver

import (
	"os/exec"
	"strconv"
	"time"

	"github.com/go-kit/log"

	"github.com/Granulate/gprofiler/internal/stack"
)

// NewNodeDriver wraps a perf/0x-style sampler attached to the target
// NodeJS process (attach-mode, one child per target).
func NewNodeDriver(logger log.Logger, cfg Config, nodeProfilerPath string, maxConcurrent int) Driver {
	build := func(win stack.Window, pid stack.PID) (*exec.Cmd, error) {
		return exec.Command(nodeProfilerPath,
			"--pid", strconv.Itoa(int(pid)),
			"--duration-ms", strconv.Itoa(int(win.Duration/time.Millisecond)),
			"--rate-hz", strconv.Itoa(win.Frequency),
			"--output-format", "collapsed",
		), nil
	}
	return newAttachDriver(logger, cfg, stack.Node, stack.ProvNode, maxConcurrent, build)
}
