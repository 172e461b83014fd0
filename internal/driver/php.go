package driver

import (
	"os/exec"
	"strconv"
	"time"

	"github.com/go-kit/log"

	"github.com/Granulate/gprofiler/internal/stack"
)

// NewPHPDriver wraps phpspy (attach-mode, one child per target process).
func NewPHPDriver(logger log.Logger, cfg Config, phpspyPath string, maxConcurrent int) Driver {
	build := func(win stack.Window, pid stack.PID) (*exec.Cmd, error) {
		return exec.Command(phpspyPath,
			"-p", strconv.Itoa(int(pid)),
			"-H", strconv.Itoa(win.Frequency),
			"-d", strconv.Itoa(int(win.Duration/time.Millisecond)),
			"-o", "collapsed",
		), nil
	}
	return newAttachDriver(logger, cfg, stack.PHP, stack.ProvPHP, maxConcurrent, build)
}
