package upstream

import (
	"errors"
	"fmt"
)

// FatalError marks an upstream failure that must not be retried within the
// current call: authentication rejections and rate limiting. Everything else
// (network errors, 5xx) is transient and retryable with bounded attempts.
type FatalError struct {
	Reason string // "auth" or "rate"
	Status int
	Msg    string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("upstream %s error (status %d): %s", e.Reason, e.Status, e.Msg)
}

// IsFatal reports whether err is (or wraps) a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
