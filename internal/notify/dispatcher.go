// Package notify turns selected message, report, and status events into
// user-visible badge entries. It consumes the same log abstraction as the
// chat UI but is refreshed by polling, not pushed — it sits outside the
// message-ordering-critical path.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/commlink/internal/chatlog"
	"github.com/lalith-99/commlink/internal/models"
	"github.com/lalith-99/commlink/internal/repository"
)

// Dispatcher produces notifications for one user and persists them
// through the external sink.
type Dispatcher struct {
	userID uuid.UUID
	store  repository.NotificationStore
	logger *zap.Logger
}

func NewDispatcher(userID uuid.UUID, store repository.NotificationStore, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{userID: userID, store: store, logger: logger}
}

// WatchLog subscribes to a channel log, typically the global channel's.
// Every accepted append becomes a badge entry. Messages authored by the
// watched user are skipped; nobody needs a badge for their own traffic.
func (d *Dispatcher) WatchLog(channelName string, log *chatlog.Log, selfDisplayName string) {
	log.OnAppend(func(rec models.MessageRecord) {
		if rec.AuthorDisplayName == selfDisplayName {
			return
		}
		n := models.Notification{
			UserID:      d.userID,
			Title:       fmt.Sprintf("New message in %s", channelName),
			Description: fmt.Sprintf("%s: %s", rec.AuthorDisplayName, rec.Body),
			CreatedAt:   rec.CreatedAt,
		}
		// Append listeners run on the delivery path; the insert gets its
		// own short deadline so a slow sink cannot stall message flow
		// for long, and a failure costs one badge, never a message.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := d.store.Insert(ctx, n); err != nil {
			d.logger.Warn("notification insert failed", zap.Error(err))
		}
	})
}

// ReportFiled records a badge for an incident report produced by the
// external CRUD layer.
func (d *Dispatcher) ReportFiled(ctx context.Context, reportTitle, filedBy string, at time.Time) error {
	_, err := d.store.Insert(ctx, models.Notification{
		UserID:      d.userID,
		Title:       "Incident report filed",
		Description: fmt.Sprintf("%s filed %q", filedBy, reportTitle),
		CreatedAt:   at,
	})
	return err
}

// StatusChanged records a badge for a personnel status change produced
// by the external CRUD layer.
func (d *Dispatcher) StatusChanged(ctx context.Context, subject, status string, at time.Time) error {
	_, err := d.store.Insert(ctx, models.Notification{
		UserID:      d.userID,
		Title:       "Status change",
		Description: fmt.Sprintf("%s is now %s", subject, status),
		CreatedAt:   at,
	})
	return err
}

// Refresh polls the sink for the user's current notifications.
func (d *Dispatcher) Refresh(ctx context.Context) ([]models.Notification, error) {
	return d.store.ListByUser(ctx, d.userID)
}

// MarkAllRead marks every notification for the user as read.
func (d *Dispatcher) MarkAllRead(ctx context.Context) error {
	return d.store.MarkAllRead(ctx, d.userID)
}

// Delete removes one notification.
func (d *Dispatcher) Delete(ctx context.Context, id uuid.UUID) error {
	return d.store.Delete(ctx, id)
}
