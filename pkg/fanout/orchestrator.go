// Package fanout turns one operator trade into one position per subscribed
// follower, executes those positions against the venue and later closes them.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gregtusar/shadowtrade/pkg/custody"
	"github.com/gregtusar/shadowtrade/pkg/ledger"
	"github.com/gregtusar/shadowtrade/pkg/lock"
	"github.com/gregtusar/shadowtrade/pkg/models"
	"github.com/gregtusar/shadowtrade/pkg/observability"
	"github.com/gregtusar/shadowtrade/pkg/venue"
)

type Options struct {
	// Workers bounds concurrent follower executions per dispatch or close.
	Workers int
	// VenueTimeout bounds each individual venue call.
	VenueTimeout time.Duration
	// LedgerRetries is how often a result write is retried after a venue call
	// has already gone through.
	LedgerRetries int
	RetryDelay    time.Duration
}

func DefaultOptions() Options {
	return Options{
		Workers:       16,
		VenueTimeout:  30 * time.Second,
		LedgerRetries: 3,
		RetryDelay:    100 * time.Millisecond,
	}
}

type Orchestrator struct {
	store     ledger.Store
	venue     venue.Venue
	custodian custody.Custodian
	locker    lock.Locker
	metrics   *observability.Metrics
	logger    *logrus.Logger
	opts      Options
}

func New(store ledger.Store, v venue.Venue, custodian custody.Custodian, locker lock.Locker, metrics *observability.Metrics, logger *logrus.Logger, opts Options) *Orchestrator {
	defaults := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = defaults.Workers
	}
	if opts.VenueTimeout <= 0 {
		opts.VenueTimeout = defaults.VenueTimeout
	}
	if opts.LedgerRetries <= 0 {
		opts.LedgerRetries = defaults.LedgerRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaults.RetryDelay
	}
	if locker == nil {
		locker = lock.NewMemory()
	}
	return &Orchestrator{
		store:     store,
		venue:     v,
		custodian: custodian,
		locker:    locker,
		metrics:   metrics,
		logger:    logger,
		opts:      opts,
	}
}

// Outcome is what happened to one follower in a dispatch or close run.
type Outcome struct {
	FollowerID    string                `json:"follower_id"`
	PositionID    string                `json:"position_id"`
	Status        models.PositionStatus `json:"status"`
	FailureReason models.FailureReason  `json:"failure_reason,omitempty"`
	Error         string                `json:"error,omitempty"`
}

type DispatchResult struct {
	TradeID string `json:"trade_id"`
	// Created positions were inserted by this run, Resumed ones were left
	// pending by an earlier run and Skipped ones were already settled.
	Created int `json:"created"`
	Resumed int `json:"resumed"`
	Skipped int `json:"skipped"`
	// Excluded counts subscriptions made after the trade was created.
	Excluded  int  `json:"excluded"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
	Pending   int  `json:"pending"`
	// Incomplete means some positions are still pending and the trade was
	// not marked active. Dispatching again resumes them.
	Incomplete bool      `json:"incomplete"`
	Outcomes   []Outcome `json:"outcomes"`
}

func operatorLockKey(operatorID string) string {
	return "operator:" + operatorID
}

// tradeLockKey serialises dispatch, close and cancel of one trade.
func tradeLockKey(tradeID string) string {
	return "trade:" + tradeID
}

func (o *Orchestrator) lockTrade(ctx context.Context, tradeID string) (func(), error) {
	unlock, err := o.locker.Lock(ctx, tradeLockKey(tradeID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock trade %s: %w", tradeID, err)
	}
	return unlock, nil
}

func (o *Orchestrator) loadTrade(ctx context.Context, tradeID string) (*models.TradeIntent, error) {
	trade, err := o.store.GetTrade(ctx, tradeID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrTradeNotFound, tradeID)
	}
	return trade, err
}

// Dispatch creates and executes follower positions for a pending trade. It
// is safe to call repeatedly: positions already settled are skipped and
// pending ones are retried under the same venue client reference.
func (o *Orchestrator) Dispatch(ctx context.Context, tradeID string) (*DispatchResult, error) {
	start := time.Now()

	unlock, err := o.lockTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	trade, err := o.loadTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.Status != models.TradeStatusPending {
		return nil, fmt.Errorf("%w: trade %s is %s", ledger.ErrTradeNotPending, trade.ID, trade.Status)
	}

	logger := o.logger.WithFields(logrus.Fields{
		"trade_id":    trade.ID,
		"operator_id": trade.OperatorID,
		"kind":        trade.Kind,
	})

	result := &DispatchResult{TradeID: trade.ID}
	work, err := o.prepare(ctx, trade, result)
	if err != nil {
		o.metrics.RecordDispatch("error", time.Since(start))
		return nil, err
	}

	result.Outcomes = o.runPool(ctx, work, func(ctx context.Context, pos *models.FollowerPosition) Outcome {
		return o.enter(ctx, trade, pos)
	})
	for _, out := range result.Outcomes {
		switch out.Status {
		case models.PositionStatusActive:
			result.Succeeded++
		case models.PositionStatusFailed:
			result.Failed++
		default:
			result.Pending++
		}
	}

	pending, err := o.store.GetPositionsForTrade(ctx, trade.ID, models.PositionStatusPending)
	if err != nil {
		o.metrics.RecordDispatch("error", time.Since(start))
		return nil, fmt.Errorf("failed to check pending positions: %w", err)
	}
	if len(pending) > 0 {
		result.Incomplete = true
		o.metrics.RecordDispatch("incomplete", time.Since(start))
		logger.WithField("pending", len(pending)).Warn("Dispatch incomplete, trade stays pending")
		return result, nil
	}

	if err := o.store.MarkActive(ctx, trade.ID); err != nil {
		o.metrics.RecordDispatch("error", time.Since(start))
		return nil, fmt.Errorf("failed to activate trade: %w", err)
	}
	o.metrics.RecordDispatch("complete", time.Since(start))

	logger.WithFields(logrus.Fields{
		"created":   result.Created,
		"resumed":   result.Resumed,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"duration":  time.Since(start).String(),
	}).Info("Trade dispatched")
	return result, nil
}

// prepare fixes the follower set for trade and makes sure every member has a
// position row. It holds the operator lock so subscription changes cannot
// interleave with row creation.
func (o *Orchestrator) prepare(ctx context.Context, trade *models.TradeIntent, result *DispatchResult) ([]*models.FollowerPosition, error) {
	unlock, err := o.locker.Lock(ctx, operatorLockKey(trade.OperatorID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock operator %s: %w", trade.OperatorID, err)
	}
	defer unlock()

	subs, err := o.store.GetActiveFollowers(ctx, trade.OperatorID)
	if err != nil {
		return nil, fmt.Errorf("failed to load followers: %w", err)
	}
	existing, err := o.store.GetPositionsForTrade(ctx, trade.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load positions: %w", err)
	}
	byFollower := make(map[string]*models.FollowerPosition, len(existing))
	for _, p := range existing {
		byFollower[p.FollowerID] = p
	}

	var work []*models.FollowerPosition
	take := func(p *models.FollowerPosition) {
		if p.Status == models.PositionStatusPending {
			result.Resumed++
			work = append(work, p)
			return
		}
		result.Skipped++
	}

	for _, sub := range subs {
		if p, ok := byFollower[sub.FollowerID]; ok {
			delete(byFollower, sub.FollowerID)
			take(p)
			continue
		}
		if sub.CreatedAt.After(trade.CreatedAt) {
			result.Excluded++
			continue
		}

		pos, created, err := o.store.UpsertPending(ctx, ledger.PendingPosition{
			TradeID:         trade.ID,
			FollowerID:      sub.FollowerID,
			OperatorID:      trade.OperatorID,
			SubscriptionID:  sub.ID,
			Kind:            trade.Kind,
			AllocatedAmount: ComputeAllocation(sub, trade.Confidence),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create position for follower %s: %w", sub.FollowerID, err)
		}
		if !created {
			take(pos)
			continue
		}
		result.Created++
		work = append(work, pos)
	}

	// Rows whose subscription is no longer listed still belong to the trade.
	for _, p := range existing {
		if _, ok := byFollower[p.FollowerID]; ok {
			take(p)
		}
	}
	return work, nil
}

// runPool runs fn for each position on at most Workers goroutines. fn never
// fails the group; a panic is reported as that follower's outcome.
func (o *Orchestrator) runPool(ctx context.Context, positions []*models.FollowerPosition, fn func(context.Context, *models.FollowerPosition) Outcome) []Outcome {
	outcomes := make([]Outcome, len(positions))

	g := new(errgroup.Group)
	g.SetLimit(o.opts.Workers)
	for i, pos := range positions {
		i, pos := i, pos
		g.Go(func() error {
			o.metrics.WorkerStarted()
			defer o.metrics.WorkerDone()
			defer func() {
				if r := recover(); r != nil {
					o.logger.WithFields(logrus.Fields{
						"position_id": pos.ID,
						"follower_id": pos.FollowerID,
						"panic":       r,
					}).Error("Follower execution panicked")
					outcomes[i] = Outcome{
						FollowerID: pos.FollowerID,
						PositionID: pos.ID,
						Status:     pos.Status,
						Error:      fmt.Sprintf("panic: %v", r),
					}
				}
			}()
			outcomes[i] = fn(ctx, pos)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// enter executes one pending position and records the result.
func (o *Orchestrator) enter(ctx context.Context, trade *models.TradeIntent, pos *models.FollowerPosition) Outcome {
	logger := o.logger.WithFields(logrus.Fields{
		"trade_id":    trade.ID,
		"position_id": pos.ID,
		"follower_id": pos.FollowerID,
	})
	out := Outcome{FollowerID: pos.FollowerID, PositionID: pos.ID, Status: models.PositionStatusPending}

	if !pos.AllocatedAmount.IsPositive() {
		return o.fail(ctx, logger, pos, out, models.FailureZeroAllocation, "allocation is zero")
	}

	signer, err := o.custodian.GetSigner(ctx, pos.FollowerID)
	if err != nil {
		if errors.Is(err, custody.ErrKeyNotFound) {
			return o.fail(ctx, logger, pos, out, models.FailureKeyNotFound, err.Error())
		}
		logger.WithError(err).Error("Failed to load follower signer, position left pending")
		out.Error = err.Error()
		return out
	}

	vctx, cancel := context.WithTimeout(ctx, o.opts.VenueTimeout)
	receipt, err := o.open(vctx, trade, pos, signer)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			logger.WithError(err).Warn("Dispatch cancelled, position left pending")
			out.Error = err.Error()
			return out
		}
		reason := models.FailureExecution
		if kind, ok := venue.KindOf(err); ok {
			reason = failureReason(kind)
		}
		return o.fail(ctx, logger, pos, out, reason, err.Error())
	}

	actual := receipt.AmountIn
	if !actual.IsPositive() {
		actual = pos.AllocatedAmount
	}
	received := receipt.AmountOut
	updated, err := o.record(ctx, pos.ID, models.PositionStatusActive, models.PositionUpdate{
		ActualAmount:     &actual,
		ReceivedAmount:   &received,
		EntryTxRef:       receipt.TxRef,
		VenuePositionRef: receipt.PositionRef,
		ClearError:       true,
	})
	if err != nil {
		// The venue holds the fill under pos.ID; the next dispatch gets the
		// same receipt back and records it.
		logger.WithError(err).WithField("tx_ref", receipt.TxRef).Error("Failed to record fill, position left pending")
		out.Error = err.Error()
		return out
	}

	o.metrics.RecordFollowerOutcome(string(updated.Status), "")
	logger.WithFields(logrus.Fields{
		"allocated": pos.AllocatedAmount.String(),
		"actual":    actual.String(),
		"tx_ref":    receipt.TxRef,
	}).Info("Follower position opened")
	out.Status = updated.Status
	return out
}

func (o *Orchestrator) fail(ctx context.Context, logger *logrus.Entry, pos *models.FollowerPosition, out Outcome, reason models.FailureReason, msg string) Outcome {
	_, err := o.record(ctx, pos.ID, models.PositionStatusFailed, models.PositionUpdate{
		FailureReason: reason,
		LastError:     msg,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to record follower failure, position left pending")
		out.Error = err.Error()
		return out
	}

	o.metrics.RecordFollowerOutcome(string(models.PositionStatusFailed), string(reason))
	logger.WithFields(logrus.Fields{
		"reason": reason,
		"error":  msg,
	}).Warn("Follower position failed")
	out.Status = models.PositionStatusFailed
	out.FailureReason = reason
	out.Error = msg
	return out
}

// record writes a position transition, retrying transient ledger errors. It
// outlives ctx so a venue result is not lost to a cancelled caller.
func (o *Orchestrator) record(ctx context.Context, positionID string, to models.PositionStatus, u models.PositionUpdate) (*models.FollowerPosition, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < o.opts.LedgerRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-wctx.Done():
				return nil, lastErr
			case <-time.After(o.opts.RetryDelay * time.Duration(attempt)):
			}
		}
		p, err := o.store.UpdateStatus(wctx, positionID, to, u)
		if err == nil {
			return p, nil
		}
		if errors.Is(err, ledger.ErrInvalidTransition) || errors.Is(err, ledger.ErrNotFound) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// open submits the entry leg for pos. The position ID is the venue client
// reference.
func (o *Orchestrator) open(ctx context.Context, trade *models.TradeIntent, pos *models.FollowerPosition, signer venue.Signer) (*venue.Receipt, error) {
	entry := trade.Entry
	amount := pos.AllocatedAmount
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
			ClientRef:    pos.ID,
			Signer:       signer,
			TokenIn:      entry.TokenIn,
			TokenOut:     entry.TokenOut,
			AmountIn:     amount,
			MinAmountOut: scaleMinOut(entry.MinAmountOut, amount, entry.AmountIn),
		})
	case models.TradeKindAddLiquidity:
		op = "add_liquidity"
		receipt, err = o.venue.AddLiquidity(ctx, venue.AddLiquidityRequest{
			ClientRef: pos.ID,
			Signer:    signer,
			Pool:      entry.Pool,
			Token:     entry.TokenIn,
			Amount:    amount,
		})
	case models.TradeKindRemoveLiquidity:
		op = "remove_liquidity"
		receipt, err = o.venue.RemoveLiquidity(ctx, venue.RemoveLiquidityRequest{
			ClientRef: pos.ID,
			Signer:    signer,
			Pool:      entry.Pool,
			Amount:    amount,
		})
	case models.TradeKindLeveragedLong, models.TradeKindLeveragedShort:
		op = "open_leveraged"
		side := venue.SideLong
		if trade.Kind == models.TradeKindLeveragedShort {
			side = venue.SideShort
		}
		receipt, err = o.venue.OpenLeveragedPosition(ctx, venue.OpenLeveragedRequest{
			ClientRef:  pos.ID,
			Signer:     signer,
			Asset:      entry.Asset,
			Side:       side,
			Leverage:   entry.Leverage,
			Collateral: amount,
		})
	default:
		return nil, venue.NewError(venue.KindRejected, "unsupported trade kind %q", trade.Kind)
	}

	o.observeVenue(op, start, err)
	return receipt, err
}

func (o *Orchestrator) observeVenue(op string, start time.Time, err error) {
	kind := ""
	if err != nil {
		kind = "unknown"
		if k, ok := venue.KindOf(err); ok {
			kind = string(k)
		}
	}
	o.metrics.RecordVenueCall(op, time.Since(start), kind)
}

// Cancel fails a pending trade that has no live positions.
func (o *Orchestrator) Cancel(ctx context.Context, tradeID, reason string) error {
	unlockTrade, err := o.lockTrade(ctx, tradeID)
	if err != nil {
		return err
	}
	defer unlockTrade()

	trade, err := o.loadTrade(ctx, tradeID)
	if err != nil {
		return err
	}
	if trade.Status != models.TradeStatusPending {
		return fmt.Errorf("%w: trade %s is %s", ledger.ErrTradeNotPending, trade.ID, trade.Status)
	}

	unlock, err := o.locker.Lock(ctx, operatorLockKey(trade.OperatorID))
	if err != nil {
		return fmt.Errorf("failed to lock operator %s: %w", trade.OperatorID, err)
	}
	defer unlock()

	live, err := o.store.GetPositionsForTrade(ctx, trade.ID,
		models.PositionStatusPending, models.PositionStatusActive, models.PositionStatusClosed)
	if err != nil {
		return fmt.Errorf("failed to load positions: %w", err)
	}
	if len(live) > 0 {
		return fmt.Errorf("%w: trade %s has %d live positions", ledger.ErrHasOpenPositions, trade.ID, len(live))
	}
	if err := o.store.MarkFailed(ctx, trade.ID, reason); err != nil {
		return err
	}

	o.logger.WithFields(logrus.Fields{
		"trade_id": trade.ID,
		"reason":   reason,
	}).Info("Trade cancelled")
	return nil
}
