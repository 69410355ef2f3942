package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Operator struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// FollowerSubscription is a follower's standing instruction to mirror one
// operator. At most one active subscription exists per follower/operator pair.
type FollowerSubscription struct {
	ID                   string          `json:"id"`
	FollowerID           string          `json:"follower_id"`
	OperatorID           string          `json:"operator_id"`
	AllocationPercentage decimal.Decimal `json:"allocation_percentage"`
	MaxPositionSize      decimal.Decimal `json:"max_position_size"`
	Active               bool            `json:"active"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

var hundred = decimal.NewFromInt(100)

// ValidSettings checks 0 < allocation <= 100 and maxPositionSize > 0.
func ValidSettings(allocationPercentage, maxPositionSize decimal.Decimal) bool {
	if !allocationPercentage.IsPositive() || allocationPercentage.GreaterThan(hundred) {
		return false
	}
	return maxPositionSize.IsPositive()
}
