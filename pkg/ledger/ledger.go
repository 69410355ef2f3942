// Package ledger defines the durable stores behind the fan-out pipeline:
// trades, operators, follower subscriptions and follower positions.
package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/gregtusar/shadowtrade/pkg/models"
)

type CreateTradeRequest struct {
	// SignalID is an optional upstream key. A repeated SignalID returns the
	// trade created by the first request.
	SignalID   string
	OperatorID string
	Kind       models.TradeKind
	Confidence int
	Entry      models.EntryParameters
}

// Validate checks the request shape. Operator existence is checked by the store.
func (r CreateTradeRequest) Validate() error {
	if r.OperatorID == "" {
		return ErrInvalidOperator
	}
	if !models.ValidConfidence(r.Confidence) {
		return fmt.Errorf("%w: confidence %d outside 0-100", ErrInvalidParameters, r.Confidence)
	}
	if err := r.Entry.Validate(r.Kind); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	return nil
}

// TradeLedger is the durable record of operator trade intents.
type TradeLedger interface {
	// CreateTrade validates and stores a pending trade. Returns ErrInvalidOperator
	// or ErrInvalidParameters.
	CreateTrade(ctx context.Context, req CreateTradeRequest) (*models.TradeIntent, error)

	// GetTrade returns ErrNotFound if the trade does not exist.
	GetTrade(ctx context.Context, id string) (*models.TradeIntent, error)

	// MarkActive moves pending -> active. Calling it on an active trade is a no-op.
	MarkActive(ctx context.Context, id string) error

	// MarkFailed moves pending -> failed.
	MarkFailed(ctx context.Context, id, reason string) error

	// CloseTrade moves active -> closed and stamps ClosedAt.
	CloseTrade(ctx context.Context, id string, exit models.ExitParameters) (*models.TradeIntent, error)

	// GetActiveTradesForOperator returns active trades ordered by CreatedAt.
	GetActiveTradesForOperator(ctx context.Context, operatorID string) ([]*models.TradeIntent, error)
}

// OperatorStore is the directory of known operators.
type OperatorStore interface {
	// RegisterOperator creates the operator or returns the existing one.
	RegisterOperator(ctx context.Context, id, name string) (*models.Operator, error)
	OperatorExists(ctx context.Context, id string) (bool, error)
}

// FollowerRegistry manages follower subscriptions.
type FollowerRegistry interface {
	// Subscribe returns ErrDuplicateSubscription when an active subscription
	// already exists for the pair.
	Subscribe(ctx context.Context, followerID, operatorID string, allocationPercentage, maxPositionSize decimal.Decimal) (*models.FollowerSubscription, error)

	// UpdateSettings changes allocation and cap on the active subscription.
	UpdateSettings(ctx context.Context, followerID, operatorID string, allocationPercentage, maxPositionSize decimal.Decimal) (*models.FollowerSubscription, error)

	// Unsubscribe deactivates the subscription. Returns ErrHasOpenPositions
	// while the follower holds pending or active positions from the operator.
	Unsubscribe(ctx context.Context, followerID, operatorID string) error

	// Delete removes every subscription row for the pair under the same guard.
	Delete(ctx context.Context, followerID, operatorID string) error

	// GetActiveFollowers returns active subscriptions ordered by follower id.
	GetActiveFollowers(ctx context.Context, operatorID string) ([]*models.FollowerSubscription, error)
}

// PendingPosition is the payload for creating a follower position.
type PendingPosition struct {
	TradeID         string
	FollowerID      string
	OperatorID      string
	SubscriptionID  string
	Kind            models.TradeKind
	AllocatedAmount decimal.Decimal
}

// PositionLedger is the durable record of follower positions.
type PositionLedger interface {
	// UpsertPending creates a pending position, or returns the existing one for
	// (TradeID, FollowerID) with created=false.
	UpsertPending(ctx context.Context, p PendingPosition) (pos *models.FollowerPosition, created bool, err error)

	GetPosition(ctx context.Context, id string) (*models.FollowerPosition, error)

	// UpdateStatus applies a transition. Returns ErrInvalidTransition for any
	// move the position state machine forbids.
	UpdateStatus(ctx context.Context, id string, to models.PositionStatus, u models.PositionUpdate) (*models.FollowerPosition, error)

	// GetPositionsForTrade returns positions ordered by follower id, optionally
	// filtered by status.
	GetPositionsForTrade(ctx context.Context, tradeID string, statuses ...models.PositionStatus) ([]*models.FollowerPosition, error)

	GetPositionsForFollower(ctx context.Context, followerID string, statuses ...models.PositionStatus) ([]*models.FollowerPosition, error)

	// CountOpenPositions counts pending and active positions of a follower
	// against one operator.
	CountOpenPositions(ctx context.Context, followerID, operatorID string) (int, error)
}

// Store bundles every ledger concern behind one backend.
type Store interface {
	TradeLedger
	OperatorStore
	FollowerRegistry
	PositionLedger
}
