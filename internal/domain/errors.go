package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrTransport          = errors.New("transport failure")
	ErrMalformedUpdate    = errors.New("malformed update")
	ErrSequenceGap        = errors.New("sequence gap")
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrRateLimited        = errors.New("rate limited")
	ErrWSDisconnect       = errors.New("websocket disconnected")
	ErrInvalidPeriod      = errors.New("invalid candle period")
	ErrLockHeld           = errors.New("lock held by another owner")
)

// TransportError is returned by snapshot fetches and subscriptions. The core
// never retries on it; callers decide whether and when to try again.
type TransportError struct {
	Op         string
	Instrument string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Instrument != "" {
		return fmt.Sprintf("transport: %s %s: %v", e.Op, e.Instrument, e.Err)
	}
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTransport) true for every TransportError.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// NewTransportError wraps err, leaving nil untouched.
func NewTransportError(op, instrument string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Instrument: instrument, Err: err}
}

// SequenceGapError describes a hole in a diff stream. It is only used
// internally for logging; a gap is never returned to callers.
type SequenceGapError struct {
	Instrument string
	Expected   int64
	Got        int64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("%s: sequence gap: expected %d, got %d", e.Instrument, e.Expected, e.Got)
}

func (e *SequenceGapError) Unwrap() error { return ErrSequenceGap }
