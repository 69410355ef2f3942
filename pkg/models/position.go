package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PositionStatus string

const (
	PositionStatusPending PositionStatus = "pending"
	PositionStatusActive  PositionStatus = "active"
	PositionStatusClosed  PositionStatus = "closed"
	PositionStatusFailed  PositionStatus = "failed"
)

// Open reports whether the position still holds or may still hold exposure.
func (s PositionStatus) Open() bool {
	return s == PositionStatusPending || s == PositionStatusActive
}

func (s PositionStatus) Valid() bool {
	switch s {
	case PositionStatusPending, PositionStatusActive, PositionStatusClosed, PositionStatusFailed:
		return true
	}
	return false
}

// CanTransition enforces the position state machine. active -> active records
// a failed close attempt; nothing returns to pending.
func (s PositionStatus) CanTransition(to PositionStatus) bool {
	switch s {
	case PositionStatusPending:
		return to == PositionStatusActive || to == PositionStatusFailed
	case PositionStatusActive:
		return to == PositionStatusActive || to == PositionStatusClosed || to == PositionStatusFailed
	}
	return false
}

type FailureReason string

const (
	FailureZeroAllocation        FailureReason = "zero_allocation"
	FailureVenueTimeout          FailureReason = "venue_timeout"
	FailureInsufficientLiquidity FailureReason = "insufficient_liquidity"
	FailureVenueRejected         FailureReason = "venue_rejected"
	FailureKeyNotFound           FailureReason = "key_not_found"
	FailureExecution             FailureReason = "execution_error"
)

// FollowerPosition is one follower's copy of one trade. Exactly one exists per
// (TradeID, FollowerID).
type FollowerPosition struct {
	ID               string           `json:"id"`
	TradeID          string           `json:"trade_id"`
	FollowerID       string           `json:"follower_id"`
	OperatorID       string           `json:"operator_id"`
	SubscriptionID   string           `json:"subscription_id"`
	Kind             TradeKind        `json:"kind"`
	Status           PositionStatus   `json:"status"`
	AllocatedAmount  decimal.Decimal  `json:"allocated_amount"`
	ActualAmount     decimal.Decimal  `json:"actual_amount"`
	ReceivedAmount   decimal.Decimal  `json:"received_amount"`
	EntryTxRef       string           `json:"entry_tx_ref,omitempty"`
	ExitTxRef        string           `json:"exit_tx_ref,omitempty"`
	VenuePositionRef string           `json:"venue_position_ref,omitempty"`
	RealizedPnL      *decimal.Decimal `json:"realized_pnl,omitempty"`
	FailureReason    FailureReason    `json:"failure_reason,omitempty"`
	LastError        string           `json:"last_error,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// PositionUpdate holds the fields written alongside a status transition. Nil
// or empty fields leave the stored value untouched.
type PositionUpdate struct {
	ActualAmount     *decimal.Decimal
	ReceivedAmount   *decimal.Decimal
	EntryTxRef       string
	ExitTxRef        string
	VenuePositionRef string
	RealizedPnL      *decimal.Decimal
	FailureReason    FailureReason
	LastError        string
	ClearError       bool
}

// Apply writes u onto p. Callers have already validated the transition.
func (u PositionUpdate) Apply(p *FollowerPosition, to PositionStatus, now time.Time) {
	p.Status = to
	p.UpdatedAt = now
	if u.ActualAmount != nil {
		p.ActualAmount = *u.ActualAmount
	}
	if u.ReceivedAmount != nil {
		p.ReceivedAmount = *u.ReceivedAmount
	}
	if u.EntryTxRef != "" {
		p.EntryTxRef = u.EntryTxRef
	}
	if u.ExitTxRef != "" {
		p.ExitTxRef = u.ExitTxRef
	}
	if u.VenuePositionRef != "" {
		p.VenuePositionRef = u.VenuePositionRef
	}
	if u.RealizedPnL != nil {
		v := *u.RealizedPnL
		p.RealizedPnL = &v
	}
	if u.ClearError {
		p.LastError = ""
	}
	if u.FailureReason != "" {
		p.FailureReason = u.FailureReason
	}
	if u.LastError != "" {
		p.LastError = u.LastError
	}
	if to == PositionStatusFailed {
		p.ActualAmount = decimal.Zero
	}
}
