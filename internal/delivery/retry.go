package delivery

import "time"

const (
	DefaultBackoffStep      = 5 * time.Minute
	DefaultMaxAttempts      = 8
	DefaultManualMaxRetries = 3
	DefaultLeaseTTL         = 10 * time.Minute
)

// BackoffDelay is the wait before retrying after the n-th consecutive failed
// run: n times step.
func BackoffDelay(failures int, step time.Duration) time.Duration {
	if failures < 1 {
		return 0
	}
	return time.Duration(failures) * step
}

// NextRetryTime returns when the next retry is due, or nil when a manual
// sequence has used up its retries.
func NextRetryTime(now time.Time, failures int, step time.Duration, manual bool, manualRetries, manualMax int) *time.Time {
	if manual && manualRetries >= manualMax {
		return nil
	}
	t := now.Add(BackoffDelay(failures, step))
	return &t
}
