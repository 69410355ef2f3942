package fanout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/shadowtrade/pkg/ledger"
	"github.com/gregtusar/shadowtrade/pkg/models"
	"github.com/gregtusar/shadowtrade/pkg/venue"
)

type CloseResult struct {
	TradeID string `json:"trade_id"`
	Closed  int    `json:"closed"`
	// Failed positions stay active and are retried by the next Close.
	Failed     int                 `json:"failed"`
	Incomplete bool                `json:"incomplete"`
	Trade      *models.TradeIntent `json:"trade,omitempty"`
	Outcomes   []Outcome           `json:"outcomes"`
}

// exitRef is the venue client reference for a position's exit leg.
func exitRef(positionID string) string {
	return positionID + ":exit"
}

// Close unwinds every active follower position of an active trade and closes
// the trade once none remain open. Positions that fail to close stay active
// with LastError set; calling Close again retries only those.
func (o *Orchestrator) Close(ctx context.Context, tradeID string, exit models.ExitParameters) (*CloseResult, error) {
	unlock, err := o.lockTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	trade, err := o.loadTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.Status != models.TradeStatusActive {
		return nil, fmt.Errorf("%w: cannot close trade %s in status %s", ledger.ErrInvalidTransition, trade.ID, trade.Status)
	}

	active, err := o.store.GetPositionsForTrade(ctx, trade.ID, models.PositionStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to load active positions: %w", err)
	}

	result := &CloseResult{TradeID: trade.ID}
	result.Outcomes = o.runPool(ctx, active, func(ctx context.Context, pos *models.FollowerPosition) Outcome {
		return o.exit(ctx, trade, exit, pos)
	})
	for _, out := range result.Outcomes {
		if out.Status == models.PositionStatusClosed {
			result.Closed++
		} else {
			result.Failed++
		}
	}

	open, err := o.store.GetPositionsForTrade(ctx, trade.ID, models.PositionStatusPending, models.PositionStatusActive)
	if err != nil {
		o.metrics.RecordClose("error")
		return nil, fmt.Errorf("failed to check open positions: %w", err)
	}
	if len(open) > 0 {
		result.Incomplete = true
		o.metrics.RecordClose("incomplete")
		o.logger.WithFields(logrus.Fields{
			"trade_id": trade.ID,
			"open":     len(open),
		}).Warn("Close incomplete, trade stays active")
		return result, nil
	}

	closed, err := o.store.CloseTrade(ctx, trade.ID, exit)
	if err != nil {
		o.metrics.RecordClose("error")
		return nil, fmt.Errorf("failed to close trade: %w", err)
	}
	result.Trade = closed
	o.metrics.RecordClose("complete")

	o.logger.WithFields(logrus.Fields{
		"trade_id": trade.ID,
		"closed":   result.Closed,
		"reason":   exit.Reason,
	}).Info("Trade closed")
	return result, nil
}

func (o *Orchestrator) exit(ctx context.Context, trade *models.TradeIntent, exit models.ExitParameters, pos *models.FollowerPosition) Outcome {
	logger := o.logger.WithFields(logrus.Fields{
		"trade_id":    trade.ID,
		"position_id": pos.ID,
		"follower_id": pos.FollowerID,
	})
	out := Outcome{FollowerID: pos.FollowerID, PositionID: pos.ID, Status: models.PositionStatusActive}

	var (
		exitTx string
		pnl    = decimal.Zero
	)
	// A remove-liquidity copy has nothing left at the venue to unwind.
	if trade.Kind != models.TradeKindRemoveLiquidity {
		signer, err := o.custodian.GetSigner(ctx, pos.FollowerID)
		if err != nil {
			return o.closeFailed(ctx, logger, pos, out, err)
		}

		vctx, cancel := context.WithTimeout(ctx, o.opts.VenueTimeout)
		receipt, err := o.unwind(vctx, trade, exit, pos, signer)
		cancel()
		if err != nil {
			return o.closeFailed(ctx, logger, pos, out, err)
		}
		exitTx = receipt.TxRef
		pnl = receipt.AmountOut.Sub(pos.ActualAmount)
	}

	updated, err := o.record(ctx, pos.ID, models.PositionStatusClosed, models.PositionUpdate{
		ExitTxRef:   exitTx,
		RealizedPnL: &pnl,
		ClearError:  true,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to record close")
		out.Error = err.Error()
		return out
	}

	o.metrics.RecordCloseOutcome(string(updated.Status))
	logger.WithFields(logrus.Fields{
		"realized_pnl": pnl.String(),
		"tx_ref":       exitTx,
	}).Info("Follower position closed")
	out.Status = updated.Status
	return out
}

// closeFailed keeps the position active and notes why the exit did not go
// through.
func (o *Orchestrator) closeFailed(ctx context.Context, logger *logrus.Entry, pos *models.FollowerPosition, out Outcome, cause error) Outcome {
	out.Error = cause.Error()
	if _, err := o.record(ctx, pos.ID, models.PositionStatusActive, models.PositionUpdate{LastError: cause.Error()}); err != nil {
		logger.WithError(err).Error("Failed to record close failure")
	}
	o.metrics.RecordCloseOutcome("failed")
	logger.WithError(cause).Warn("Follower position close failed, stays active")
	return out
}

func (o *Orchestrator) unwind(ctx context.Context, trade *models.TradeIntent, exit models.ExitParameters, pos *models.FollowerPosition, signer venue.Signer) (*venue.Receipt, error) {
	entry := trade.Entry
	ref := exitRef(pos.ID)
	start := time.Now()

	var (
		op      string
		receipt *venue.Receipt
		err     error
	)
	switch trade.Kind {
	case models.TradeKindSpotSwap:
		op = "swap"
		receipt, err = o.venue.Swap(ctx, venue.SwapRequest{
			ClientRef:    ref,
			Signer:       signer,
			TokenIn:      entry.TokenOut,
			TokenOut:     entry.TokenIn,
			AmountIn:     pos.ReceivedAmount,
			MinAmountOut: scaleMinOut(exit.MinAmountOut, pos.ActualAmount, entry.AmountIn),
		})
	case models.TradeKindAddLiquidity:
		op = "remove_liquidity"
		receipt, err = o.venue.RemoveLiquidity(ctx, venue.RemoveLiquidityRequest{
			ClientRef:   ref,
			Signer:      signer,
			Pool:        entry.Pool,
			PositionRef: pos.VenuePositionRef,
			Amount:      pos.ActualAmount,
		})
	case models.TradeKindLeveragedLong, models.TradeKindLeveragedShort:
		op = "close_leveraged"
		if pos.VenuePositionRef == "" {
			return nil, errors.New("position has no venue reference to close")
		}
		receipt, err = o.venue.CloseLeveragedPosition(ctx, venue.CloseLeveragedRequest{
			ClientRef:   ref,
			Signer:      signer,
			Asset:       entry.Asset,
			PositionRef: pos.VenuePositionRef,
		})
	default:
		return nil, venue.NewError(venue.KindRejected, "unsupported trade kind %q", trade.Kind)
	}

	o.observeVenue(op, start, err)
	return receipt, err
}
