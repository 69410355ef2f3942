package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type TradeKind string

const (
	TradeKindSpotSwap        TradeKind = "spot-swap"
	TradeKindAddLiquidity    TradeKind = "add-liquidity"
	TradeKindRemoveLiquidity TradeKind = "remove-liquidity"
	TradeKindLeveragedLong   TradeKind = "leveraged-long"
	TradeKindLeveragedShort  TradeKind = "leveraged-short"
)

func (k TradeKind) Valid() bool {
	switch k {
	case TradeKindSpotSwap, TradeKindAddLiquidity, TradeKindRemoveLiquidity,
		TradeKindLeveragedLong, TradeKindLeveragedShort:
		return true
	}
	return false
}

func (k TradeKind) Leveraged() bool {
	return k == TradeKindLeveragedLong || k == TradeKindLeveragedShort
}

type TradeStatus string

const (
	TradeStatusPending TradeStatus = "pending"
	TradeStatusActive  TradeStatus = "active"
	TradeStatusClosed  TradeStatus = "closed"
	TradeStatusFailed  TradeStatus = "failed"
)

const MaxLeverage = 100

// TradeIntent is a single operator trade signal. It is the parent of every
// follower position created for it.
type TradeIntent struct {
	ID            string          `json:"id"`
	SignalID      string          `json:"signal_id,omitempty"`
	OperatorID    string          `json:"operator_id"`
	Kind          TradeKind       `json:"kind"`
	Confidence    int             `json:"confidence"`
	Entry         EntryParameters `json:"entry"`
	Exit          *ExitParameters `json:"exit,omitempty"`
	Status        TradeStatus     `json:"status"`
	FailureReason string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty"`
}

// EntryParameters carries the venue payload for opening a trade. Which fields
// are required depends on the trade kind.
type EntryParameters struct {
	TokenIn      string          `json:"token_in,omitempty"`
	TokenOut     string          `json:"token_out,omitempty"`
	AmountIn     decimal.Decimal `json:"amount_in"`
	MinAmountOut decimal.Decimal `json:"min_amount_out"`
	Pool         string          `json:"pool,omitempty"`
	Asset        string          `json:"asset,omitempty"`
	Leverage     int             `json:"leverage,omitempty"`
}

type ExitParameters struct {
	Reason       string          `json:"reason,omitempty"`
	MinAmountOut decimal.Decimal `json:"min_amount_out"`
}

// Validate checks the parameters against the schema of kind.
func (p EntryParameters) Validate(kind TradeKind) error {
	switch kind {
	case TradeKindSpotSwap:
		if p.TokenIn == "" || p.TokenOut == "" {
			return errors.New("spot-swap requires token_in and token_out")
		}
		if p.TokenIn == p.TokenOut {
			return errors.New("token_in and token_out must differ")
		}
		if !p.AmountIn.IsPositive() {
			return errors.New("amount_in must be positive")
		}
		if p.MinAmountOut.IsNegative() {
			return errors.New("min_amount_out must not be negative")
		}
		if p.Pool != "" || p.Asset != "" || p.Leverage != 0 {
			return errors.New("spot-swap does not take pool, asset or leverage")
		}
	case TradeKindAddLiquidity:
		if p.Pool == "" || p.TokenIn == "" {
			return errors.New("add-liquidity requires pool and token_in")
		}
		if p.TokenOut != "" || p.Asset != "" || p.Leverage != 0 {
			return errors.New("add-liquidity does not take token_out, asset or leverage")
		}
	case TradeKindRemoveLiquidity:
		if p.Pool == "" {
			return errors.New("remove-liquidity requires pool")
		}
		if p.TokenIn != "" || p.TokenOut != "" || p.Asset != "" || p.Leverage != 0 {
			return errors.New("remove-liquidity only takes pool")
		}
	case TradeKindLeveragedLong, TradeKindLeveragedShort:
		if p.Asset == "" {
			return fmt.Errorf("%s requires asset", kind)
		}
		if p.Leverage < 1 || p.Leverage > MaxLeverage {
			return fmt.Errorf("leverage must be between 1 and %d", MaxLeverage)
		}
		if p.TokenIn != "" || p.TokenOut != "" || p.Pool != "" {
			return fmt.Errorf("%s does not take tokens or pool", kind)
		}
	default:
		return fmt.Errorf("unknown trade kind %q", kind)
	}
	return nil
}

func ValidConfidence(c int) bool {
	return c >= 0 && c <= 100
}

// CanTransition reports whether a trade may move from one status to another.
// MarkActive on an already active trade is handled by the caller as a no-op.
func (s TradeStatus) CanTransition(to TradeStatus) bool {
	switch s {
	case TradeStatusPending:
		return to == TradeStatusActive || to == TradeStatusFailed
	case TradeStatusActive:
		return to == TradeStatusClosed
	}
	return false
}
