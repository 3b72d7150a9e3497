package antigravity

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPortInUse is returned when a second authorization waits on the same
	// callback port. Concurrent enrollments are rejected, not queued.
	ErrPortInUse = errors.New("authorization callback port already in use")

	// ErrTimeout is returned when no authorization code arrives in time.
	ErrTimeout = errors.New("authorization timed out")

	// ErrCsrfMismatch is returned when the callback state token does not
	// match the one issued by BeginAuthorization.
	ErrCsrfMismatch = errors.New("authorization state mismatch")
)

// ExchangeRejectedError carries the upstream error body from a failed
// authorization-code exchange.
type ExchangeRejectedError struct {
	Err error
}

func (e *ExchangeRejectedError) Error() string {
	return fmt.Sprintf("token exchange rejected: %v", e.Err)
}

func (e *ExchangeRejectedError) Unwrap() error { return e.Err }

// RefreshRejectedError signals a failed refresh; the scheduler marks the
// owning account invalid only when the failure is Permanent.
type RefreshRejectedError struct {
	Err       error
	Permanent bool // invalid_grant / revoked vs. transient upstream trouble
}

func (e *RefreshRejectedError) Error() string {
	return fmt.Sprintf("refresh rejected: %v", e.Err)
}

func (e *RefreshRejectedError) Unwrap() error { return e.Err }

// isPermanentRefreshError detects grant-level failures that re-authentication
// alone can fix.
func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
