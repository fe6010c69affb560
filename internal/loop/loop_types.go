package loop

// StopReason explains why the loop stopped.
type StopReason int

const (
	// StopShutdown means the operator cancelled the loop (signal or ctx).
	StopShutdown StopReason = iota
	// StopQuotaExhausted means the daily session quota was reached.
	StopQuotaExhausted
	// StopMergeConflict means a PR could not be merged and needs a human.
	StopMergeConflict
	// StopConsecutiveFailures means too many sessions failed in a row.
	StopConsecutiveFailures
	// StopInvalidSession means the API returned a session without usable
	// identifiers, so polling it would never succeed.
	StopInvalidSession
	// StopAlreadyPaused means a previous run paused the loop and the pause
	// still holds.
	StopAlreadyPaused
)

// String returns a human-readable stop reason.
func (r StopReason) String() string {
	switch r {
	case StopShutdown:
		return "shutdown requested"
	case StopQuotaExhausted:
		return "daily quota exhausted"
	case StopMergeConflict:
		return "merge conflict needs manual resolution"
	case StopConsecutiveFailures:
		return "too many consecutive failures"
	case StopInvalidSession:
		return "session missing identifiers"
	case StopAlreadyPaused:
		return "loop is paused"
	default:
		return "unknown"
	}
}

// ExitCode maps the stop reason to the process exit code.
func (r StopReason) ExitCode() int {
	switch r {
	case StopShutdown:
		return 0
	case StopQuotaExhausted:
		return 2
	case StopMergeConflict:
		return 3
	case StopConsecutiveFailures:
		return 4
	case StopInvalidSession:
		return 5
	case StopAlreadyPaused:
		return 6
	default:
		return 1
	}
}
