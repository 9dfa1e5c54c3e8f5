package channel

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed reports an operation on a connection that has reached its
// terminal state. A new connection must be opened to resume.
var ErrClosed = errors.New("channel connection closed")

// ErrNotConnected reports a send attempted while the connection is not
// in the Connected state.
var ErrNotConnected = errors.New("channel not connected")

// RateLimitedError is a locally guarded outcome, not a failure: the
// caller must surface RetryAfter to the user and must not send. No
// queuing or auto-retry happens at this layer.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry in %s", e.RetryAfter.Round(time.Millisecond))
}
