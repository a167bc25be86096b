//go:build !linux

package worker

// setThreadPriority is a no-op outside Linux: per-thread nice values aren't
// portably settable, and the orchestrator treats priority as a best-effort
// hint rather than a hard scheduling guarantee.
func setThreadPriority(nice int) {}
