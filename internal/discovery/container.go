package discovery

import (
	"regexp"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/procfs"
)

// containerInventory derives container identity by matching a process's
// cgroup membership against well-known container-runtime path shapes
// (Docker/containerd/CRI), as required by §4.1. It holds no long-term
// process identity — refresh() is a no-op hook kept for a future inventory
// cache; today detection is purely per-pid and stateless.
type containerInventory struct {
	logger log.Logger
}

func newContainerInventory(logger log.Logger) *containerInventory {
	return &containerInventory{logger: logger}
}

func (c *containerInventory) refresh() {}

var containerIDPattern = regexp.MustCompile(`([0-9a-f]{64})`)

// identify returns the opaque container id for pid, or "" if the process is
// not running inside a container cgroup.
func (c *containerInventory) identify(pid int) string {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return ""
	}
	groups, err := p.Cgroups()
	if err != nil {
		level.Debug(c.logger).Log("msg", "read cgroups failed", "pid", pid, "err", err)
		return ""
	}

	for _, g := range groups {
		path := g.Path
		switch {
		case strings.Contains(path, "docker/"),
			strings.Contains(path, "docker-"),
			strings.Contains(path, "kubepods"),
			strings.Contains(path, "containerd"),
			strings.Contains(path, "crio-"):
			if m := containerIDPattern.FindString(path); m != "" {
				return m
			}
			// kubepods slices and similar encode the id as the last path
			// segment without always being a bare 64-hex string (e.g.
			// "docker-<id>.scope"); fall back to the trimmed segment.
			segs := strings.Split(strings.TrimSuffix(path[strings.LastIndex(path, "/")+1:], ".scope"), "-")
			last := segs[len(segs)-1]
			if last != "" {
				return last
			}
		}
	}
	return ""
}
