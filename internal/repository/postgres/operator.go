package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lalith-99/commlink/internal/models"
)

type OperatorStore struct {
	pool *pgxpool.Pool
}

func NewOperatorStore(pool *pgxpool.Pool) *OperatorStore {
	return &OperatorStore{pool: pool}
}

func (s *OperatorStore) Create(ctx context.Context, callsign, displayName, badge, passwordHash string) (*models.Operator, error) {
	query := `
		INSERT INTO operators (callsign, display_name, badge, password_hash, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING id, callsign, display_name, badge, password_hash, created_at`

	var op models.Operator
	err := s.pool.QueryRow(ctx, query, callsign, displayName, badge, passwordHash).Scan(
		&op.ID,
		&op.Callsign,
		&op.DisplayName,
		&op.Badge,
		&op.PasswordHash,
		&op.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert operator: %w", err)
	}
	return &op, nil
}

// GetByCallsign looks an operator up for login. Returns nil, nil when the
// callsign is unknown.
func (s *OperatorStore) GetByCallsign(ctx context.Context, callsign string) (*models.Operator, error) {
	query := `
		SELECT id, callsign, display_name, badge, password_hash, created_at
		FROM operators
		WHERE callsign = $1`

	var op models.Operator
	err := s.pool.QueryRow(ctx, query, callsign).Scan(
		&op.ID,
		&op.Callsign,
		&op.DisplayName,
		&op.Badge,
		&op.PasswordHash,
		&op.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get operator: %w", err)
	}
	return &op, nil
}
