package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lalith-99/commlink/internal/models"
)

type NotificationStore struct {
	pool *pgxpool.Pool
}

func NewNotificationStore(pool *pgxpool.Pool) *NotificationStore {
	return &NotificationStore{pool: pool}
}

func (s *NotificationStore) Insert(ctx context.Context, n models.Notification) (models.Notification, error) {
	query := `
		INSERT INTO notifications (user_id, title, description, created_at, read)
		VALUES ($1, $2, $3, $4, false)
		RETURNING id, user_id, title, description, created_at, read`

	var out models.Notification
	err := s.pool.QueryRow(ctx, query, n.UserID, n.Title, n.Description, n.CreatedAt).Scan(
		&out.ID,
		&out.UserID,
		&out.Title,
		&out.Description,
		&out.CreatedAt,
		&out.Read,
	)
	if err != nil {
		return models.Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return out, nil
}

func (s *NotificationStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Notification, error) {
	query := `
		SELECT id, user_id, title, description, created_at, read
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	notifications := make([]models.Notification, 0)
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Description, &n.CreatedAt, &n.Read); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}

	return notifications, nil
}

func (s *NotificationStore) MarkAllRead(ctx context.Context, userID uuid.UUID) error {
	query := `UPDATE notifications SET read = true WHERE user_id = $1 AND read = false`
	if _, err := s.pool.Exec(ctx, query, userID); err != nil {
		return fmt.Errorf("mark notifications read: %w", err)
	}
	return nil
}

func (s *NotificationStore) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM notifications WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	return nil
}
