package sandbox

import (
	"math"

	"golang.org/x/sys/unix"

	"github.com/isdmx/testbox/sandbox/initstage"
)

// deriveRlimits maps limits onto kernel ceilings.
//
// RLIMIT_CPU gets a hard limit one second above the soft one so the runner
// sees SIGXCPU before SIGKILL. RLIMIT_NPROC gets one slot of headroom so that
// an attempt to exceed max_processes is visible to the resource monitor
// before fork starts failing.
func deriveRlimits(l ExecutionLimits) []initstage.Rlimit {
	cpu := uint64(math.Ceil(l.CPUTimeSeconds))
	return []initstage.Rlimit{
		{Resource: unix.RLIMIT_CPU, Name: "cpu", Soft: cpu, Hard: cpu + 1},
		{Resource: unix.RLIMIT_AS, Name: "as", Soft: uint64(l.MemoryBytes), Hard: uint64(l.MemoryBytes)},
		{Resource: unix.RLIMIT_NPROC, Name: "nproc", Soft: uint64(l.MaxProcesses) + 1, Hard: uint64(l.MaxProcesses) + 1},
		{Resource: unix.RLIMIT_CORE, Name: "core", Soft: 0, Hard: 0},
	}
}
