package driver

import (
	"os/exec"
	"strconv"
	"time"

	"github.com/go-kit/log"

	"github.com/Granulate/gprofiler/internal/stack"
)

// NewRubyDriver wraps rbspy (attach-mode, one child per target process).
func NewRubyDriver(logger log.Logger, cfg Config, rbspyPath string, maxConcurrent int) Driver {
	build := func(win stack.Window, pid stack.PID) (*exec.Cmd, error) {
		return exec.Command(rbspyPath,
			"record",
			"--pid", strconv.Itoa(int(pid)),
			"--duration", strconv.Itoa(int(win.Duration/time.Second)),
			"--rate", strconv.Itoa(win.Frequency),
			"--format", "collapsed",
			"--file", "/dev/stdout",
			"--silent",
		), nil
	}
	return newAttachDriver(logger, cfg, stack.Ruby, stack.ProvRuby, maxConcurrent, build)
}
