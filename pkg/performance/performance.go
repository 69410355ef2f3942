// Package performance aggregates follower positions into P&L figures.
package performance

import (
	"github.com/shopspring/decimal"

	"github.com/gregtusar/shadowtrade/pkg/models"
)

// Summary is a follower's track record across the positions given to
// Summarize. Return figures only count closed positions.
type Summary struct {
	FollowerID string `json:"follower_id"`

	Positions int `json:"positions"`
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Closed    int `json:"closed"`
	Failed    int `json:"failed"`

	Wins   int `json:"wins"`
	Losses int `json:"losses"`

	// Committed is the capital that went into closed positions.
	Committed   decimal.Decimal `json:"committed"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	// TotalReturn is RealizedPnL / Committed.
	TotalReturn decimal.Decimal `json:"total_return"`
	WinRate     decimal.Decimal `json:"win_rate"`
	// OpenExposure is the capital still held in active positions.
	OpenExposure decimal.Decimal `json:"open_exposure"`
}

func Summarize(followerID string, positions []*models.FollowerPosition) Summary {
	s := Summary{
		FollowerID:   followerID,
		Committed:    decimal.Zero,
		RealizedPnL:  decimal.Zero,
		TotalReturn:  decimal.Zero,
		WinRate:      decimal.Zero,
		OpenExposure: decimal.Zero,
	}

	for _, p := range positions {
		if p.FollowerID != followerID {
			continue
		}
		s.Positions++

		switch p.Status {
		case models.PositionStatusPending:
			s.Pending++
		case models.PositionStatusActive:
			s.Active++
			s.OpenExposure = s.OpenExposure.Add(p.ActualAmount)
		case models.PositionStatusFailed:
			s.Failed++
		case models.PositionStatusClosed:
			s.Closed++
			s.Committed = s.Committed.Add(p.ActualAmount)
			if p.RealizedPnL == nil {
				continue
			}
			s.RealizedPnL = s.RealizedPnL.Add(*p.RealizedPnL)
			switch {
			case p.RealizedPnL.IsPositive():
				s.Wins++
			case p.RealizedPnL.IsNegative():
				s.Losses++
			}
		}
	}

	if s.Committed.IsPositive() {
		s.TotalReturn = s.RealizedPnL.DivRound(s.Committed, 8)
	}
	if s.Closed > 0 {
		s.WinRate = decimal.NewFromInt(int64(s.Wins)).DivRound(decimal.NewFromInt(int64(s.Closed)), 8)
	}
	return s
}
