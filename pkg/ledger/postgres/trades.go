package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gregtusar/shadowtrade/pkg/ledger"
	"github.com/gregtusar/shadowtrade/pkg/models"
)

const tradeColumns = `id, COALESCE(signal_id, ''), operator_id, kind, confidence, entry, exit,
	status, failure_reason, created_at, updated_at, closed_at`

func scanTrade(row scanner) (*models.TradeIntent, error) {
	var (
		t                  models.TradeIntent
		kind, status       string
		entryJSON, exitRaw []byte
	)
	if err := row.Scan(
		&t.ID, &t.SignalID, &t.OperatorID, &kind, &t.Confidence, &entryJSON, &exitRaw,
		&status, &t.FailureReason, &t.CreatedAt, &t.UpdatedAt, &t.ClosedAt,
	); err != nil {
		return nil, err
	}
	t.Kind = models.TradeKind(kind)
	t.Status = models.TradeStatus(status)
	if err := json.Unmarshal(entryJSON, &t.Entry); err != nil {
		return nil, fmt.Errorf("decode entry parameters: %w", err)
	}
	if len(exitRaw) > 0 {
		var exit models.ExitParameters
		if err := json.Unmarshal(exitRaw, &exit); err != nil {
			return nil, fmt.Errorf("decode exit parameters: %w", err)
		}
		t.Exit = &exit
	}
	return &t, nil
}

func (s *Store) RegisterOperator(ctx context.Context, id, name string) (*models.Operator, error) {
	if id == "" {
		return nil, ledger.ErrInvalidOperator
	}

	query := `
		INSERT INTO operators (id, name, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET id = EXCLUDED.id
		RETURNING id, name, created_at
	`
	var op models.Operator
	if err := s.pool.QueryRow(ctx, query, id, name, s.now()).Scan(&op.ID, &op.Name, &op.CreatedAt); err != nil {
		return nil, fmt.Errorf("register operator: %w", err)
	}
	return &op, nil
}

func (s *Store) OperatorExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM operators WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check operator: %w", err)
	}
	return exists, nil
}

func (s *Store) CreateTrade(ctx context.Context, req ledger.CreateTradeRequest) (*models.TradeIntent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	exists, err := s.OperatorExists(ctx, req.OperatorID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ledger.ErrInvalidOperator
	}

	entry, err := json.Marshal(req.Entry)
	if err != nil {
		return nil, fmt.Errorf("encode entry parameters: %w", err)
	}

	now := s.now()
	query := `
		INSERT INTO trades (id, signal_id, operator_id, kind, confidence, entry, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $7)
		ON CONFLICT (signal_id) DO NOTHING
		RETURNING ` + tradeColumns

	trade, err := scanTrade(s.pool.QueryRow(ctx, query,
		uuid.NewString(), nullString(req.SignalID), req.OperatorID, string(req.Kind), req.Confidence, entry, now,
	))
	if err == nil {
		return trade, nil
	}
	if isForeignKeyError(err) {
		return nil, ledger.ErrInvalidOperator
	}
	if !isNotFoundError(err) {
		return nil, fmt.Errorf("insert trade: %w", err)
	}

	// Signal already recorded.
	trade, err = scanTrade(s.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE signal_id = $1`, req.SignalID))
	if err != nil {
		return nil, fmt.Errorf("load trade by signal: %w", err)
	}
	return trade, nil
}

func (s *Store) GetTrade(ctx context.Context, id string) (*models.TradeIntent, error) {
	trade, err := scanTrade(s.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, ledger.ErrNotFound
		}
		return nil, fmt.Errorf("get trade: %w", err)
	}
	return trade, nil
}

// transition runs a conditional update and classifies a zero-row result.
func (s *Store) transition(ctx context.Context, id string, to models.TradeStatus, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update trade status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := s.GetTrade(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == to && to == models.TradeStatusActive {
		return nil
	}
	return ledger.ErrInvalidTransition
}

func (s *Store) MarkActive(ctx context.Context, id string) error {
	return s.transition(ctx, id, models.TradeStatusActive, `
		UPDATE trades SET status = 'active', updated_at = $2
		WHERE id = $1 AND status = 'pending'
	`, id, s.now())
}

func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	return s.transition(ctx, id, models.TradeStatusFailed, `
		UPDATE trades SET status = 'failed', failure_reason = $2, updated_at = $3
		WHERE id = $1 AND status = 'pending'
	`, id, reason, s.now())
}

func (s *Store) CloseTrade(ctx context.Context, id string, exit models.ExitParameters) (*models.TradeIntent, error) {
	exitJSON, err := json.Marshal(exit)
	if err != nil {
		return nil, fmt.Errorf("encode exit parameters: %w", err)
	}

	now := s.now()
	query := `
		UPDATE trades SET status = 'closed', exit = $2, closed_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'active'
		RETURNING ` + tradeColumns

	trade, err := scanTrade(s.pool.QueryRow(ctx, query, id, exitJSON, now))
	if err == nil {
		return trade, nil
	}
	if !isNotFoundError(err) {
		return nil, fmt.Errorf("close trade: %w", err)
	}
	if _, err := s.GetTrade(ctx, id); err != nil {
		return nil, err
	}
	return nil, ledger.ErrInvalidTransition
}

func (s *Store) GetActiveTradesForOperator(ctx context.Context, operatorID string) ([]*models.TradeIntent, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades
		WHERE operator_id = $1 AND status = 'active'
		ORDER BY created_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, operatorID)
	if err != nil {
		return nil, fmt.Errorf("query active trades: %w", err)
	}
	defer rows.Close()

	return collectTrades(rows)
}

func collectTrades(rows pgx.Rows) ([]*models.TradeIntent, error) {
	var result []*models.TradeIntent
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trades: %w", err)
	}
	return result, nil
}
