// Package venue adapts the external execution surface: swaps, liquidity
// provision and leveraged positions.
package venue

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Signer is the follower identity a submission is made for.
type Signer interface {
	Address() string
	Sign(message []byte) ([]byte, error)
}

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Every request carries ClientRef, the venue-side idempotency key. Submitting
// the same ClientRef twice must not execute twice.

type SwapRequest struct {
	ClientRef    string          `json:"client_ref"`
	Signer       Signer          `json:"-"`
	TokenIn      string          `json:"token_in"`
	TokenOut     string          `json:"token_out"`
	AmountIn     decimal.Decimal `json:"amount_in"`
	MinAmountOut decimal.Decimal `json:"min_amount_out"`
}

type AddLiquidityRequest struct {
	ClientRef string          `json:"client_ref"`
	Signer    Signer          `json:"-"`
	Pool      string          `json:"pool"`
	Token     string          `json:"token"`
	Amount    decimal.Decimal `json:"amount"`
}

type RemoveLiquidityRequest struct {
	ClientRef   string          `json:"client_ref"`
	Signer      Signer          `json:"-"`
	Pool        string          `json:"pool"`
	PositionRef string          `json:"position_ref,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
}

type OpenLeveragedRequest struct {
	ClientRef  string          `json:"client_ref"`
	Signer     Signer          `json:"-"`
	Asset      string          `json:"asset"`
	Side       Side            `json:"side"`
	Leverage   int             `json:"leverage"`
	Collateral decimal.Decimal `json:"collateral"`
}

type CloseLeveragedRequest struct {
	ClientRef   string `json:"client_ref"`
	Signer      Signer `json:"-"`
	Asset       string `json:"asset"`
	PositionRef string `json:"position_ref"`
}

// Receipt is a confirmed venue execution.
type Receipt struct {
	TxRef       string          `json:"tx_ref"`
	AmountIn    decimal.Decimal `json:"amount_in"`
	AmountOut   decimal.Decimal `json:"amount_out"`
	PositionRef string          `json:"position_ref,omitempty"`
}

// Venue executes follower trades. Implementations return only after the
// venue has confirmed or rejected the submission.
type Venue interface {
	Swap(ctx context.Context, req SwapRequest) (*Receipt, error)
	AddLiquidity(ctx context.Context, req AddLiquidityRequest) (*Receipt, error)
	RemoveLiquidity(ctx context.Context, req RemoveLiquidityRequest) (*Receipt, error)
	OpenLeveragedPosition(ctx context.Context, req OpenLeveragedRequest) (*Receipt, error)
	CloseLeveragedPosition(ctx context.Context, req CloseLeveragedRequest) (*Receipt, error)
}

type ErrorKind string

const (
	KindTimeout               ErrorKind = "timeout"
	KindInsufficientLiquidity ErrorKind = "insufficient_liquidity"
	KindRejected              ErrorKind = "rejected"
)

// Error is a venue-reported failure.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("venue %s", e.Kind)
	}
	return fmt.Sprintf("venue %s: %s", e.Kind, e.Message)
}

func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf classifies err. Context deadlines count as timeouts.
func KindOf(err error) (ErrorKind, bool) {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, true
	}
	return "", false
}

func kindFromCode(code string) ErrorKind {
	switch ErrorKind(code) {
	case KindTimeout, KindInsufficientLiquidity:
		return ErrorKind(code)
	}
	return KindRejected
}
