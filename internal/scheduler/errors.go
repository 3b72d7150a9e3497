package scheduler

import (
	"fmt"
	"time"
)

// ExhaustedError means every pool account is invalid or rate-limited.
// EarliestReset is the soonest known recovery time, zero when unknown.
type ExhaustedError struct {
	EarliestReset time.Time
}

func (e *ExhaustedError) Error() string {
	if e.EarliestReset.IsZero() {
		return "all accounts exhausted"
	}
	return fmt.Sprintf("all accounts exhausted, earliest reset %s", e.EarliestReset.Format(time.RFC3339))
}
