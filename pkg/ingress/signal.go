// Package ingress accepts operator signals from the outside world and turns
// them into trades, dispatches and closes.
package ingress

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/shadowtrade/pkg/fanout"
	"github.com/gregtusar/shadowtrade/pkg/ledger"
	"github.com/gregtusar/shadowtrade/pkg/models"
	"github.com/gregtusar/shadowtrade/pkg/observability"
)

type Action string

const (
	ActionOpen  Action = "open"
	ActionClose Action = "close"
)

// Signal is one operator instruction as delivered on the wire.
type Signal struct {
	// SignalID is the operator's idempotency key for an open. Redelivery of
	// the same id never creates a second trade.
	SignalID   string                  `json:"signal_id"`
	OperatorID string                  `json:"operator_id"`
	Action     Action                  `json:"action"`
	TradeID    string                  `json:"trade_id,omitempty"`
	Kind       models.TradeKind        `json:"kind,omitempty"`
	Confidence int                     `json:"confidence"`
	Entry      *models.EntryParameters `json:"entry,omitempty"`
	Exit       *models.ExitParameters  `json:"exit,omitempty"`
}

func (s Signal) Validate() error {
	if s.OperatorID == "" {
		return fmt.Errorf("%w: operator_id is required", ledger.ErrInvalidOperator)
	}
	switch s.Action {
	case ActionOpen:
		if s.Entry == nil {
			return fmt.Errorf("%w: open signal requires entry", ledger.ErrInvalidParameters)
		}
	case ActionClose:
		if s.TradeID == "" {
			return fmt.Errorf("%w: close signal requires trade_id", ledger.ErrInvalidParameters)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ledger.ErrInvalidParameters, s.Action)
	}
	return nil
}

// Fanout is the part of the orchestrator signals drive.
type Fanout interface {
	Dispatch(ctx context.Context, tradeID string) (*fanout.DispatchResult, error)
	Close(ctx context.Context, tradeID string, exit models.ExitParameters) (*fanout.CloseResult, error)
}

// Notifier receives the result of every handled signal.
type Notifier interface {
	Notify(ctx context.Context, r *Result) error
}

type Result struct {
	SignalID string                 `json:"signal_id,omitempty"`
	Action   Action                 `json:"action"`
	Trade    *models.TradeIntent    `json:"trade,omitempty"`
	Dispatch *fanout.DispatchResult `json:"dispatch,omitempty"`
	Close    *fanout.CloseResult    `json:"close,omitempty"`
}

type Handler struct {
	trades   ledger.TradeLedger
	fanout   Fanout
	notifier Notifier
	metrics  *observability.Metrics
	logger   *logrus.Logger
}

func NewHandler(trades ledger.TradeLedger, f Fanout, notifier Notifier, metrics *observability.Metrics, logger *logrus.Logger) *Handler {
	return &Handler{
		trades:   trades,
		fanout:   f,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
	}
}

// Handle applies sig. source labels metrics only.
func (h *Handler) Handle(ctx context.Context, source string, sig Signal) (*Result, error) {
	res, err := h.handle(ctx, sig)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if IsInputError(err) {
			outcome = "rejected"
		}
	}
	h.metrics.RecordSignal(source, string(sig.Action), outcome)
	if err != nil {
		return nil, err
	}

	if h.notifier != nil {
		if nerr := h.notifier.Notify(ctx, res); nerr != nil {
			h.logger.WithError(nerr).WithField("signal_id", sig.SignalID).Warn("Failed to publish signal result")
		}
	}
	return res, nil
}

func (h *Handler) handle(ctx context.Context, sig Signal) (*Result, error) {
	if err := sig.Validate(); err != nil {
		return nil, err
	}
	if sig.Action == ActionClose {
		return h.close(ctx, sig)
	}
	return h.open(ctx, sig)
}

func (h *Handler) open(ctx context.Context, sig Signal) (*Result, error) {
	trade, err := h.trades.CreateTrade(ctx, ledger.CreateTradeRequest{
		SignalID:   sig.SignalID,
		OperatorID: sig.OperatorID,
		Kind:       sig.Kind,
		Confidence: sig.Confidence,
		Entry:      *sig.Entry,
	})
	if err != nil {
		return nil, err
	}
	res := &Result{SignalID: sig.SignalID, Action: ActionOpen, Trade: trade}

	logger := h.logger.WithFields(logrus.Fields{
		"signal_id":   sig.SignalID,
		"trade_id":    trade.ID,
		"operator_id": trade.OperatorID,
	})

	// A redelivered signal whose trade already went out is a no-op.
	if trade.Status != models.TradeStatusPending {
		logger.WithField("status", trade.Status).Info("Signal already handled")
		return res, nil
	}

	dispatch, err := h.fanout.Dispatch(ctx, trade.ID)
	if err != nil {
		if errors.Is(err, ledger.ErrTradeNotPending) {
			return res, nil
		}
		return nil, fmt.Errorf("dispatch trade %s: %w", trade.ID, err)
	}
	res.Dispatch = dispatch

	if refreshed, err := h.trades.GetTrade(ctx, trade.ID); err == nil {
		res.Trade = refreshed
	}
	logger.WithField("incomplete", dispatch.Incomplete).Info("Signal opened trade")
	return res, nil
}

func (h *Handler) close(ctx context.Context, sig Signal) (*Result, error) {
	trade, err := h.trades.GetTrade(ctx, sig.TradeID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrTradeNotFound, sig.TradeID)
		}
		return nil, err
	}
	if trade.OperatorID != sig.OperatorID {
		return nil, fmt.Errorf("%w: trade %s belongs to another operator", ledger.ErrInvalidOperator, trade.ID)
	}

	exit := models.ExitParameters{}
	if sig.Exit != nil {
		exit = *sig.Exit
	}
	closeRes, err := h.fanout.Close(ctx, trade.ID, exit)
	if err != nil {
		return nil, err
	}

	res := &Result{SignalID: sig.SignalID, Action: ActionClose, Trade: closeRes.Trade, Close: closeRes}
	if res.Trade == nil {
		res.Trade = trade
	}
	h.logger.WithFields(logrus.Fields{
		"signal_id":  sig.SignalID,
		"trade_id":   trade.ID,
		"incomplete": closeRes.Incomplete,
	}).Info("Signal closed trade")
	return res, nil
}

// IsInputError reports whether err was caused by the signal itself rather
// than by the system handling it.
func IsInputError(err error) bool {
	return errors.Is(err, ledger.ErrInvalidOperator) ||
		errors.Is(err, ledger.ErrInvalidParameters) ||
		errors.Is(err, ledger.ErrTradeNotFound) ||
		errors.Is(err, ledger.ErrInvalidTransition)
}
