package fanout

import (
	"github.com/shopspring/decimal"

	"github.com/gregtusar/shadowtrade/pkg/models"
	"github.com/gregtusar/shadowtrade/pkg/venue"
)

var hundred = decimal.NewFromInt(100)

// ComputeAllocation sizes a follower's copy of a trade:
// maxPositionSize * allocation% * confidence%, never above maxPositionSize.
func ComputeAllocation(sub *models.FollowerSubscription, confidence int) decimal.Decimal {
	if confidence <= 0 || !sub.MaxPositionSize.IsPositive() || !sub.AllocationPercentage.IsPositive() {
		return decimal.Zero
	}
	amount := sub.MaxPositionSize.
		Mul(sub.AllocationPercentage).Div(hundred).
		Mul(decimal.NewFromInt(int64(confidence))).Div(hundred)
	if amount.GreaterThan(sub.MaxPositionSize) {
		return sub.MaxPositionSize
	}
	return amount
}

// scaleMinOut scales the operator's slippage floor to a follower's size.
func scaleMinOut(minOut, followerIn, operatorIn decimal.Decimal) decimal.Decimal {
	if !minOut.IsPositive() || !operatorIn.IsPositive() {
		return decimal.Zero
	}
	return minOut.Mul(followerIn).Div(operatorIn)
}

func failureReason(kind venue.ErrorKind) models.FailureReason {
	switch kind {
	case venue.KindTimeout:
		return models.FailureVenueTimeout
	case venue.KindInsufficientLiquidity:
		return models.FailureInsufficientLiquidity
	case venue.KindRejected:
		return models.FailureVenueRejected
	}
	return models.FailureExecution
}
