package exchange

import (
	"errors"
	"net"
)

var (
	// Retryable.
	ErrTransient   = errors.New("exchange: transient error")
	ErrRateLimited = errors.New("exchange: rate limited")
	ErrTimeout     = errors.New("exchange: timeout")

	// Permanent.
	ErrRejected            = errors.New("exchange: request rejected")
	ErrInsufficientBalance = errors.New("exchange: insufficient balance")
	ErrUnknownPair         = errors.New("exchange: unknown pair")
	ErrUnknownReference    = errors.New("exchange: unknown reference")
	ErrUnsupported         = errors.New("exchange: operation not supported")
)

// IsTransient reports whether err may succeed when retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// notExecuted reports errors that guarantee the venue did not act on a
// request, so even non-idempotent calls may be resent.
func notExecuted(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
