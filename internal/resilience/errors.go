package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// TransientError marks a failure worth retrying. StatusCode is the provider's
// HTTP status, or 0 for network and protocol failures.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError marks err as retryable.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// FromStatus marks err transient when status is retryable and returns it
// unchanged otherwise. A nil err stays nil.
func FromStatus(err error, status int) error {
	if err == nil || !IsTransientHTTPStatus(status) {
		return err
	}
	return NewTransientError(err, status)
}

// Messages of network failures that surface without a typed error.
var flakyNetwork = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"unexpected eof",
}

// IsTransient reports whether err, or anything it wraps, is worth retrying.
// A call that hit its own deadline is transient; a cancelled caller is not.
func IsTransient(err error) bool {
	var te *TransientError
	var ne net.Error
	switch {
	case err == nil:
		return false
	case errors.As(err, &te), errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, context.Canceled):
		return false
	case errors.As(err, &ne) && ne.Timeout():
		return true
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNABORTED):
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range flakyNetwork {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus reports whether an HTTP status is retryable:
// timeouts, throttling and gateway or server failures.
func IsTransientHTTPStatus(code int) bool {
	switch code {
	case 408, 425, 429, 500, 502, 503, 504:
		return true
	}
	return false
}
