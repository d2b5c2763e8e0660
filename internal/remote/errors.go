package remote

import (
	"errors"
	"fmt"
	"time"
)

// ErrSessionExpired indicates the auth session is missing or expired. It is
// detected locally before any request is dispatched; the user needs to
// refresh and log in again, no remote work was started.
var ErrSessionExpired = errors.New("session expired")

// CallError is a definitive failure reported by a remote operation. The
// remote side finished and said no; resubmitting the command is the only
// retry path.
type CallError struct {
	Operation Operation
	Status    int // HTTP status, 0 when the failure was not an HTTP response
	Message   string
}

func (e *CallError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s failed (status %d): %s", e.Operation, e.Status, e.Message)
	}
	return fmt.Sprintf("%s failed: %s", e.Operation, e.Message)
}

// TimeoutError means an outstanding call exceeded its ceiling without a
// definitive answer. Distinct from CallError: the remote side may still be
// running, so the caller must not present this as a confirmed failure.
type TimeoutError struct {
	Operation Operation
	Ceiling   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s did not respond within %s (generation may still be running)", e.Operation, e.Ceiling)
}

// IsTimeout reports whether err is (or wraps) a remote call timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
