package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/gregtusar/shadowtrade/pkg/ledger"
	"github.com/gregtusar/shadowtrade/pkg/models"
)

const subscriptionColumns = `id, follower_id, operator_id, allocation_percentage, max_position_size,
	active, created_at, updated_at`

func scanSubscription(row scanner) (*models.FollowerSubscription, error) {
	var sub models.FollowerSubscription
	if err := row.Scan(
		&sub.ID, &sub.FollowerID, &sub.OperatorID, &sub.AllocationPercentage, &sub.MaxPositionSize,
		&sub.Active, &sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *Store) Subscribe(ctx context.Context, followerID, operatorID string, allocationPercentage, maxPositionSize decimal.Decimal) (*models.FollowerSubscription, error) {
	if followerID == "" || !models.ValidSettings(allocationPercentage, maxPositionSize) {
		return nil, ledger.ErrInvalidParameters
	}

	exists, err := s.OperatorExists(ctx, operatorID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ledger.ErrInvalidOperator
	}

	now := s.now()
	query := `
		INSERT INTO subscriptions (id, follower_id, operator_id, allocation_percentage, max_position_size, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6, $6)
		RETURNING ` + subscriptionColumns

	sub, err := scanSubscription(s.pool.QueryRow(ctx, query,
		uuid.NewString(), followerID, operatorID, allocationPercentage, maxPositionSize, now,
	))
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, ledger.ErrDuplicateSubscription
		}
		if isForeignKeyError(err) {
			return nil, ledger.ErrInvalidOperator
		}
		return nil, fmt.Errorf("insert subscription: %w", err)
	}
	return sub, nil
}

func (s *Store) UpdateSettings(ctx context.Context, followerID, operatorID string, allocationPercentage, maxPositionSize decimal.Decimal) (*models.FollowerSubscription, error) {
	if !models.ValidSettings(allocationPercentage, maxPositionSize) {
		return nil, ledger.ErrInvalidParameters
	}

	query := `
		UPDATE subscriptions SET allocation_percentage = $3, max_position_size = $4, updated_at = $5
		WHERE follower_id = $1 AND operator_id = $2 AND active
		RETURNING ` + subscriptionColumns

	sub, err := scanSubscription(s.pool.QueryRow(ctx, query, followerID, operatorID, allocationPercentage, maxPositionSize, s.now()))
	if err != nil {
		if isNotFoundError(err) {
			return nil, ledger.ErrNotFound
		}
		return nil, fmt.Errorf("update subscription: %w", err)
	}
	return sub, nil
}

// guardedChange runs fn inside a transaction after checking the pair holds no
// open positions. Subscription rows are locked first so concurrent changes to
// the same pair serialise.
func (s *Store) guardedChange(ctx context.Context, followerID, operatorID string, activeOnly bool, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	lockQuery := `SELECT id FROM subscriptions WHERE follower_id = $1 AND operator_id = $2`
	if activeOnly {
		lockQuery += ` AND active`
	}
	rows, err := tx.Query(ctx, lockQuery+` FOR UPDATE`, followerID, operatorID)
	if err != nil {
		return fmt.Errorf("lock subscriptions: %w", err)
	}
	found := 0
	for rows.Next() {
		found++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("lock subscriptions: %w", err)
	}
	if found == 0 {
		return ledger.ErrNotFound
	}

	var open int
	if err := tx.QueryRow(ctx, countOpenQuery, followerID, operatorID).Scan(&open); err != nil {
		return fmt.Errorf("count open positions: %w", err)
	}
	if open > 0 {
		return ledger.ErrHasOpenPositions
	}

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) Unsubscribe(ctx context.Context, followerID, operatorID string) error {
	return s.guardedChange(ctx, followerID, operatorID, true, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE subscriptions SET active = FALSE, updated_at = $3
			WHERE follower_id = $1 AND operator_id = $2 AND active
		`, followerID, operatorID, s.now())
		if err != nil {
			return fmt.Errorf("deactivate subscription: %w", err)
		}
		return nil
	})
}

func (s *Store) Delete(ctx context.Context, followerID, operatorID string) error {
	return s.guardedChange(ctx, followerID, operatorID, false, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM subscriptions WHERE follower_id = $1 AND operator_id = $2`, followerID, operatorID)
		if err != nil {
			return fmt.Errorf("delete subscription: %w", err)
		}
		return nil
	})
}

func (s *Store) GetActiveFollowers(ctx context.Context, operatorID string) ([]*models.FollowerSubscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE operator_id = $1 AND active
		ORDER BY follower_id ASC`

	rows, err := s.pool.Query(ctx, query, operatorID)
	if err != nil {
		return nil, fmt.Errorf("query active followers: %w", err)
	}
	defer rows.Close()

	var result []*models.FollowerSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		result = append(result, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return result, nil
}
