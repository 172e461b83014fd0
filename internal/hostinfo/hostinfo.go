// Package hostinfo fills out the static host identity fields of an
// artifact's preamble (SPEC_FULL's "Host metadata" supplement), combining
// the kernel build ID with gopsutil's host/cpu readers, the way the pack's
// system collectors sample gopsutil once at startup for slow-changing
// facts rather than on every window.
package hostinfo

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"

	"github.com/Granulate/gprofiler/buildid"
	"github.com/Granulate/gprofiler/internal/artifact"
)

// Collect gathers the host metadata once at agent startup. Individual
// readers that fail are left at their zero value rather than aborting
// startup (mirrors the Process Registry's "never fails construction"
// posture).
func Collect() artifact.HostMetadata {
	meta := artifact.HostMetadata{RunID: artifact.NewRunID()}

	if hostname, err := os.Hostname(); err == nil {
		meta.Hostname = hostname
	}

	if buildID, err := buildid.KernelBuildID(); err == nil {
		meta.KernelBuildID = buildID
	}

	if info, err := host.Info(); err == nil {
		meta.Platform = info.Platform
		meta.KernelRelease = info.KernelVersion
		meta.Architecture = info.KernelArch
		meta.BootTime = hostBootTime(info.BootTime)
	}

	if counts, err := cpu.Counts(true); err == nil {
		meta.CPUCount = counts
	}

	return meta
}

func hostBootTime(unixSeconds uint64) time.Time {
	if unixSeconds == 0 {
		return time.Time{}
	}
	return time.Unix(int64(unixSeconds), 0).UTC()
}
