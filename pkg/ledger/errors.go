package ledger

import "errors"

// Input errors are returned before anything is written.
var (
	ErrInvalidOperator       = errors.New("invalid operator")
	ErrInvalidParameters     = errors.New("invalid parameters")
	ErrDuplicateSubscription = errors.New("duplicate subscription")
)

// State errors describe a request that conflicts with stored state.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound          = errors.New("not found")
	ErrTradeNotFound     = errors.New("trade not found")
	ErrTradeNotPending   = errors.New("trade not pending")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrHasOpenPositions  = errors.New("follower has open positions")
)
