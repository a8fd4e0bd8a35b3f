package asyncws

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	ErrNotConnected  = errors.New("socket is not connected")
	ErrAlreadyClosed = errors.New("socket is already closed")
	ErrClosed        = errors.New("socket closed while receive was pending")

	ErrInvalidCloseCode   = errors.New("close code must be 1000 or in 3000-4999")
	ErrCloseReasonTooLong = errors.New("close reason must be at most 123 bytes")
)

// TimeoutError is returned by Receive when no message arrived within Window.
type TimeoutError struct {
	Window time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("socket recv timed out after %s seconds", strconv.FormatFloat(e.Window.Seconds(), 'f', -1, 64))
}

func (e *TimeoutError) Timeout() bool { return true }

func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
