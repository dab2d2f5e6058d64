package caller

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout is matched by every *TimeoutError.
	ErrTimeout = errors.New("call timed out")
	// ErrClosed settles calls outstanding when the Caller is closed.
	ErrClosed = errors.New("caller closed")
)

// RemoteError is a failure reported by the host. Its message is exactly the
// text the host sent.
type RemoteError struct {
	Channel string
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// TimeoutError reports a call abandoned because no response arrived in time.
// The handler may or may not have run.
type TimeoutError struct {
	Channel string
	Method  string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call %s.%s timed out after %s", e.Channel, e.Method, e.After)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}
