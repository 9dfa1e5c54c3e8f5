package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lalith-99/commlink/internal/models"
)

type MessageStore struct {
	pool *pgxpool.Pool
}

func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

// Insert persists a draft. Postgres assigns the id and the authoritative
// created_at; the confirmed record comes back via RETURNING.
func (s *MessageStore) Insert(ctx context.Context, channelID uuid.UUID, author models.Identity, draft models.Draft) (models.MessageRecord, error) {
	query := `
		INSERT INTO messages (channel_id, author_display_name, author_badge, body, attachment_refs, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING id, channel_id, author_display_name, author_badge, body, attachment_refs, created_at`

	var rec models.MessageRecord
	err := s.pool.QueryRow(ctx, query,
		channelID, author.DisplayName, author.Badge, draft.Body, draft.AttachmentRefs,
	).Scan(
		&rec.ID,
		&rec.ChannelID,
		&rec.AuthorDisplayName,
		&rec.AuthorBadge,
		&rec.Body,
		&rec.AttachmentRefs,
		&rec.CreatedAt,
	)
	if err != nil {
		return models.MessageRecord{}, fmt.Errorf("insert message: %w", err)
	}
	return rec, nil
}

// ListByChannel returns up to limit records, newest first. The ordering
// matches the log's contract: created_at, id as tiebreak.
func (s *MessageStore) ListByChannel(ctx context.Context, channelID uuid.UUID, limit int) ([]models.MessageRecord, error) {
	query := `
		SELECT id, channel_id, author_display_name, author_badge, body, attachment_refs, created_at
		FROM messages
		WHERE channel_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	records := make([]models.MessageRecord, 0)
	for rows.Next() {
		var rec models.MessageRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.ChannelID,
			&rec.AuthorDisplayName,
			&rec.AuthorBadge,
			&rec.Body,
			&rec.AttachmentRefs,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return records, nil
}
