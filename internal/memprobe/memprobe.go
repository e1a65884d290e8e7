// Package memprobe samples peak resident memory for a child process from
// the Linux /proc filesystem.
package memprobe

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Sentinel return values for Sample.
const (
	// NoPID means the caller has no PID to sample (job not yet spawned).
	NoPID = -1
	// NoVmHWM means the status file was present but had no VmHWM: line.
	NoVmHWM = -2
	// Unreadable means the status file itself could not be opened/read.
	Unreadable = -3
)

// Sample returns the current VmHWM (high-water-mark resident set size), in
// kilobytes, for pid. Callers keep the running maximum across samples
// themselves; Sample is a single point-in-time read.
func Sample(pid int) int {
	if pid <= 0 {
		return NoPID
	}
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return Unreadable
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "VmHWM:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return NoVmHWM
		}
		kb, err := strconv.Atoi(fields[1])
		if err != nil {
			return NoVmHWM
		}
		return kb
	}
	return NoVmHWM
}

// WorkloadPID applies the documented PID+1 approximation: when the child is
// launched through a sandbox wrapper, the real workload's PID is assumed to
// be one greater than the wrapper's PID. This is isolated behind a named
// function so a caller with a correct discovery
// mechanism (cgroup inspection, an IPC handshake) can bypass it.
func WorkloadPID(wrapperPID int, sandboxed bool) int {
	if !sandboxed {
		return wrapperPID
	}
	return wrapperPID + 1
}
