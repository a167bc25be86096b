//go:build linux

package worker

import "golang.org/x/sys/unix"

// setThreadPriority applies nice to the calling OS thread. Callers must have
// called runtime.LockOSThread first so the adjustment sticks to the thread
// actually running this task, not some other M the scheduler later reuses.
// Best-effort: failures are ignored, since a worker still functions correctly
// at the default priority.
func setThreadPriority(nice int) {
	unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), nice)
}
