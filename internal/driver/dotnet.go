package driver

import (
	"os/exec"
	"strconv"

	"github.com/go-kit/log"

	"github.com/Granulate/gprofiler/internal/stack"
)

// NewDotNetDriver wraps dotnet-trace (attach-mode, one child per target
// process, collapsed output).
func NewDotNetDriver(logger log.Logger, cfg Config, dotnetTracePath string, maxConcurrent int) Driver {
	build := func(win stack.Window, pid stack.PID) (*exec.Cmd, error) {
		return exec.Command(dotnetTracePath,
			"collect",
			"--process-id", strconv.Itoa(int(pid)),
			"--duration", (win.Duration).String(),
			"--format", "collapsed",
			"-o", "-",
			"--sampling-rate-hz", strconv.Itoa(win.Frequency),
		), nil
	}
	return newAttachDriver(logger, cfg, stack.DotNet, stack.ProvDotNet, maxConcurrent, build)
}
