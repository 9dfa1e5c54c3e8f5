// Package history fills a channel's log with a bounded backlog on every
// (re)connect. Fetches are repeat-safe: the log's idempotent merge is
// what reconciles the backlog with live events already buffered.
package history

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/lalith-99/commlink/internal/chatlog"
	"github.com/lalith-99/commlink/internal/models"
	"github.com/lalith-99/commlink/internal/transport"
)

// DefaultWindow is the backlog size fetched on each (re)connect.
const DefaultWindow = 100

// Syncer pulls the backlog through the session and merges it into the
// log. One Syncer per connection.
type Syncer struct {
	window int
	logger *zap.Logger
}

func NewSyncer(window int, logger *zap.Logger) *Syncer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Syncer{window: window, logger: logger}
}

// Sync fetches the backlog and merges it chronologically. The session
// returns records newest first; they are reversed before the merge so
// insertion order matches log order on the common path.
//
// A failed fetch degrades, it does not disconnect: the error satisfies
// errors.Is(err, transport.ErrHistoryUnavailable) and the caller keeps
// the channel live while telling the UI history may be incomplete.
// Cancelling ctx (channel closed mid-fetch) discards the result.
func (s *Syncer) Sync(ctx context.Context, session transport.Session, log *chatlog.Log) (int, error) {
	records, err := session.Backlog(ctx, s.window)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, err
		}
		if !errors.Is(err, transport.ErrHistoryUnavailable) {
			err = errors.Join(transport.ErrHistoryUnavailable, err)
		}
		return 0, err
	}

	// The channel may have been closed while the fetch was in flight;
	// a cancelled context means the result must be discarded.
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	chronological := make([]models.MessageRecord, len(records))
	for i, rec := range records {
		chronological[len(records)-1-i] = rec
	}

	added := log.MergeBacklog(chronological)
	s.logger.Debug("history merged",
		zap.Int("fetched", len(records)),
		zap.Int("added", added),
	)
	return added, nil
}
