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

const positionColumns = `id, trade_id, follower_id, operator_id, subscription_id, kind, status,
	allocated_amount, actual_amount, received_amount, entry_tx_ref, exit_tx_ref, venue_position_ref,
	realized_pnl, failure_reason, last_error, created_at, updated_at`

const countOpenQuery = `
	SELECT COUNT(*) FROM follower_positions
	WHERE follower_id = $1 AND operator_id = $2 AND status IN ('pending', 'active')
`

func scanPosition(row scanner) (*models.FollowerPosition, error) {
	var (
		p                     models.FollowerPosition
		kind, status, failure string
		pnl                   decimal.NullDecimal
	)
	if err := row.Scan(
		&p.ID, &p.TradeID, &p.FollowerID, &p.OperatorID, &p.SubscriptionID, &kind, &status,
		&p.AllocatedAmount, &p.ActualAmount, &p.ReceivedAmount, &p.EntryTxRef, &p.ExitTxRef, &p.VenuePositionRef,
		&pnl, &failure, &p.LastError, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Kind = models.TradeKind(kind)
	p.Status = models.PositionStatus(status)
	p.FailureReason = models.FailureReason(failure)
	if pnl.Valid {
		v := pnl.Decimal
		p.RealizedPnL = &v
	}
	return &p, nil
}

func (s *Store) UpsertPending(ctx context.Context, p ledger.PendingPosition) (*models.FollowerPosition, bool, error) {
	if p.TradeID == "" || p.FollowerID == "" || p.AllocatedAmount.IsNegative() {
		return nil, false, ledger.ErrInvalidParameters
	}

	now := s.now()
	query := `
		INSERT INTO follower_positions (
			id, trade_id, follower_id, operator_id, subscription_id, kind, status,
			allocated_amount, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8, $8)
		ON CONFLICT (trade_id, follower_id) DO NOTHING
		RETURNING ` + positionColumns

	pos, err := scanPosition(s.pool.QueryRow(ctx, query,
		uuid.NewString(), p.TradeID, p.FollowerID, p.OperatorID, p.SubscriptionID, string(p.Kind),
		p.AllocatedAmount, now,
	))
	if err == nil {
		return pos, true, nil
	}
	if isForeignKeyError(err) {
		return nil, false, ledger.ErrTradeNotFound
	}
	if !isNotFoundError(err) {
		return nil, false, fmt.Errorf("insert position: %w", err)
	}

	pos, err = scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM follower_positions WHERE trade_id = $1 AND follower_id = $2`,
		p.TradeID, p.FollowerID,
	))
	if err != nil {
		return nil, false, fmt.Errorf("load existing position: %w", err)
	}
	return pos, false, nil
}

func (s *Store) GetPosition(ctx context.Context, id string) (*models.FollowerPosition, error) {
	pos, err := scanPosition(s.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM follower_positions WHERE id = $1`, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, ledger.ErrNotFound
		}
		return nil, fmt.Errorf("get position: %w", err)
	}
	return pos, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, to models.PositionStatus, u models.PositionUpdate) (*models.FollowerPosition, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	pos, err := scanPosition(tx.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM follower_positions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, ledger.ErrNotFound
		}
		return nil, fmt.Errorf("lock position: %w", err)
	}
	if !pos.Status.CanTransition(to) {
		return nil, ledger.ErrInvalidTransition
	}
	u.Apply(pos, to, s.now())

	var pnl decimal.NullDecimal
	if pos.RealizedPnL != nil {
		pnl = decimal.NullDecimal{Decimal: *pos.RealizedPnL, Valid: true}
	}

	_, err = tx.Exec(ctx, `
		UPDATE follower_positions SET
			status = $2, actual_amount = $3, received_amount = $4, entry_tx_ref = $5, exit_tx_ref = $6,
			venue_position_ref = $7, realized_pnl = $8, failure_reason = $9, last_error = $10, updated_at = $11
		WHERE id = $1
	`, pos.ID, string(pos.Status), pos.ActualAmount, pos.ReceivedAmount, pos.EntryTxRef, pos.ExitTxRef,
		pos.VenuePositionRef, pnl, string(pos.FailureReason), pos.LastError, pos.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update position: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return pos, nil
}

func statusArgs(statuses []models.PositionStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func (s *Store) queryPositions(ctx context.Context, column, value, order string, statuses []models.PositionStatus) ([]*models.FollowerPosition, error) {
	query := `SELECT ` + positionColumns + ` FROM follower_positions WHERE ` + column + ` = $1`
	args := []any{value}
	if len(statuses) > 0 {
		query += ` AND status = ANY($2)`
		args = append(args, statusArgs(statuses))
	}
	query += ` ORDER BY ` + order

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	return collectPositions(rows)
}

func collectPositions(rows pgx.Rows) ([]*models.FollowerPosition, error) {
	var result []*models.FollowerPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate positions: %w", err)
	}
	return result, nil
}

func (s *Store) GetPositionsForTrade(ctx context.Context, tradeID string, statuses ...models.PositionStatus) ([]*models.FollowerPosition, error) {
	return s.queryPositions(ctx, "trade_id", tradeID, "follower_id ASC", statuses)
}

func (s *Store) GetPositionsForFollower(ctx context.Context, followerID string, statuses ...models.PositionStatus) ([]*models.FollowerPosition, error) {
	return s.queryPositions(ctx, "follower_id", followerID, "created_at ASC, id ASC", statuses)
}

func (s *Store) CountOpenPositions(ctx context.Context, followerID, operatorID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, countOpenQuery, followerID, operatorID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count open positions: %w", err)
	}
	return n, nil
}
