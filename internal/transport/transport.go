// Package transport defines the session abstraction both delivery paths
// implement: the persistent websocket push connection used by the global
// channel, and the Redis-subscription feed used by conversation channels.
// A channel connection drives either one through the same interface, which
// is what lets the two paths share one dedup/ordering contract.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lalith-99/commlink/internal/models"
)

// ErrHistoryUnavailable reports that the backlog could not be fetched.
// Recoverable: the channel stays connected for live traffic and the UI is
// told history may be incomplete.
var ErrHistoryUnavailable = errors.New("history unavailable")

// ErrSessionClosed reports an operation on a session that has ended.
var ErrSessionClosed = errors.New("session closed")

// SendRejectedError is a server-side validation or ack failure for one
// send attempt. It is surfaced synchronously to the caller and never
// retried by this layer.
type SendRejectedError struct {
	Code   string
	Reason string
}

func (e *SendRejectedError) Error() string {
	return fmt.Sprintf("send rejected (%s): %s", e.Code, e.Reason)
}

// Event is one inbound record together with the channel it was delivered
// for. The registry checks ChannelID against the owning channel so a
// conversation's events can never leak into another conversation's log.
type Event struct {
	ChannelID uuid.UUID
	Record    models.MessageRecord
}

// Session is one live, authenticated attachment to a channel's stream.
//
// Events delivers live pushes until the session dies; the channel is
// closed afterwards. Done is closed when the session ends for any reason,
// and Err then reports why (nil for a local Close).
type Session interface {
	// Events returns the inbound live stream.
	Events() <-chan Event

	// Send submits a draft and blocks until the server ack carries back
	// the confirmed record (ID and CreatedAt assigned) or the attempt
	// fails. Rejections come back as *SendRejectedError.
	Send(ctx context.Context, draft models.Draft) (models.MessageRecord, error)

	// Backlog fetches a bounded history window, newest first. Safe to
	// call repeatedly; the caller merges idempotently.
	Backlog(ctx context.Context, limit int) ([]models.MessageRecord, error)

	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens sessions. Connecting reads the identity token once; a
// token that has gone stale fails the dial and is handled as an ordinary
// connection error by the retry loop upstream.
type Dialer interface {
	Dial(ctx context.Context, ch models.Channel, identity models.Identity) (Session, error)
}
