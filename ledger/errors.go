package ledger

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

var (
	ErrInvalidAddress       = errors.New("invalid address")
	ErrWalletNotInitialized = errors.New("wallet not initialized")
	// ErrTransient marks failures worth retrying after refetching the
	// sequence counter: timeouts, rate limits, sequence races.
	ErrTransient = errors.New("transient ledger failure")
)

// RetryAfterError is a transient failure for which the node signalled how
// long to wait before the next attempt.
type RetryAfterError struct {
	Wait time.Duration
	Err  error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.Wait, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

func (e *RetryAfterError) Is(target error) bool { return target == ErrTransient }

// Transient wraps err so IsTransient reports true.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether err may succeed on a later attempt. Network
// timeouts count even when the adapter did not classify them.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// RetryAfter extracts the signalled wait from err.
func RetryAfter(err error) (time.Duration, bool) {
	var ra *RetryAfterError
	if errors.As(err, &ra) {
		return ra.Wait, true
	}
	return 0, false
}

// ParseRetryAfter reads a Retry-After header value given in seconds or as an
// HTTP date.
func ParseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}
