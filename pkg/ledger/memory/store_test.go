package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/shadowtrade/pkg/ledger"
	"github.com/gregtusar/shadowtrade/pkg/models"
)

func swapRequest(operatorID string) ledger.CreateTradeRequest {
	return ledger.CreateTradeRequest{
		OperatorID: operatorID,
		Kind:       models.TradeKindSpotSwap,
		Confidence: 80,
		Entry: models.EntryParameters{
			TokenIn:      "USDC",
			TokenOut:     "SOL",
			AmountIn:     decimal.NewFromInt(1000),
			MinAmountOut: decimal.NewFromInt(5),
		},
	}
}

func newStoreWithOperator(t *testing.T) *Store {
	t.Helper()
	s := NewStore()
	_, err := s.RegisterOperator(context.Background(), "kaiju-1", "Kaiju One")
	require.NoError(t, err)
	return s
}

func TestStore_CreateTrade(t *testing.T) {
	ctx := context.Background()
	s := newStoreWithOperator(t)

	trade, err := s.CreateTrade(ctx, swapRequest("kaiju-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, trade.ID)
	assert.Equal(t, models.TradeStatusPending, trade.Status)
	assert.Nil(t, trade.ClosedAt)

	got, err := s.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.ID, got.ID)
	assert.True(t, got.Entry.AmountIn.Equal(decimal.NewFromInt(1000)))
}

func TestStore_CreateTradeRejectsInput(t *testing.T) {
	ctx := context.Background()
	s := newStoreWithOperator(t)

	_, err := s.CreateTrade(ctx, swapRequest("unknown"))
	assert.ErrorIs(t, err, ledger.ErrInvalidOperator)

	req := swapRequest("kaiju-1")
	req.Kind = models.TradeKindLeveragedLong
	_, err = s.CreateTrade(ctx, req)
	assert.ErrorIs(t, err, ledger.ErrInvalidParameters)

	req = swapRequest("kaiju-1")
	req.Confidence = 101
	_, err = s.CreateTrade(ctx, req)
	assert.ErrorIs(t, err, ledger.ErrInvalidParameters)
}

func TestStore_CreateTradeSignalIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStoreWithOperator(t)

	req := swapRequest("kaiju-1")
	req.SignalID = "sig-1"
	first, err := s.CreateTrade(ctx, req)
	require.NoError(t, err)
	second, err := s.CreateTrade(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestStore_TradeStateMachine(t *testing.T) {
	ctx := context.Background()
	s := newStoreWithOperator(t)

	trade, err := s.CreateTrade(ctx, swapRequest("kaiju-1"))
	require.NoError(t, err)

	_, err = s.CloseTrade(ctx, trade.ID, models.ExitParameters{})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	require.NoError(t, s.MarkActive(ctx, trade.ID))
	require.NoError(t, s.MarkActive(ctx, trade.ID), "mark active is idempotent")

	active, err := s.GetActiveTradesForOperator(ctx, "kaiju-1")
	require.NoError(t, err)
	require.Len(t, active, 1)

	closed, err := s.CloseTrade(ctx, trade.ID, models.ExitParameters{Reason: "tp"})
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)

	assert.ErrorIs(t, s.MarkActive(ctx, trade.ID), ledger.ErrInvalidTransition)
	assert.ErrorIs(t, s.MarkFailed(ctx, trade.ID, "x"), ledger.ErrInvalidTransition)
	_, err = s.CloseTrade(ctx, trade.ID, models.ExitParameters{})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	assert.ErrorIs(t, s.MarkActive(ctx, "missing"), ledger.ErrNotFound)
}

func TestStore_Subscribe(t *testing.T) {
	ctx := context.Background()
	s := newStoreWithOperator(t)

	sub, err := s.Subscribe(ctx, "shadow-1", "kaiju-1", decimal.NewFromInt(20), decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.True(t, sub.Active)

	_, err = s.Subscribe(ctx, "shadow-1", "kaiju-1", decimal.NewFromInt(30), decimal.NewFromInt(1000))
	assert.ErrorIs(t, err, ledger.ErrDuplicateSubscription)

	_, err = s.Subscribe(ctx, "shadow-2", "kaiju-1", decimal.NewFromInt(150), decimal.NewFromInt(1000))
	assert.ErrorIs(t, err, ledger.ErrInvalidParameters)

	_, err = s.Subscribe(ctx, "shadow-2", "nobody", decimal.NewFromInt(10), decimal.NewFromInt(1000))
	assert.ErrorIs(t, err, ledger.ErrInvalidOperator)

	updated, err := s.UpdateSettings(ctx, "shadow-1", "kaiju-1", decimal.NewFromInt(40), decimal.NewFromInt(500))
	require.NoError(t, err)
	assert.True(t, updated.AllocationPercentage.Equal(decimal.NewFromInt(40)))

	followers, err := s.GetActiveFollowers(ctx, "kaiju-1")
	require.NoError(t, err)
	require.Len(t, followers, 1)
	assert.Equal(t, "shadow-1", followers[0].FollowerID)
}

func TestStore_UnsubscribeGuard(t *testing.T) {
	ctx := context.Background()
	s := newStoreWithOperator(t)

	sub, err := s.Subscribe(ctx, "shadow-1", "kaiju-1", decimal.NewFromInt(20), decimal.NewFromInt(1000))
	require.NoError(t, err)
	trade, err := s.CreateTrade(ctx, swapRequest("kaiju-1"))
	require.NoError(t, err)

	pos, created, err := s.UpsertPending(ctx, ledger.PendingPosition{
		TradeID:         trade.ID,
		FollowerID:      "shadow-1",
		OperatorID:      "kaiju-1",
		SubscriptionID:  sub.ID,
		Kind:            trade.Kind,
		AllocatedAmount: decimal.NewFromInt(160),
	})
	require.NoError(t, err)
	require.True(t, created)

	assert.ErrorIs(t, s.Unsubscribe(ctx, "shadow-1", "kaiju-1"), ledger.ErrHasOpenPositions)
	assert.ErrorIs(t, s.Delete(ctx, "shadow-1", "kaiju-1"), ledger.ErrHasOpenPositions)

	_, err = s.UpdateStatus(ctx, pos.ID, models.PositionStatusActive, models.PositionUpdate{})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Unsubscribe(ctx, "shadow-1", "kaiju-1"), ledger.ErrHasOpenPositions)

	_, err = s.UpdateStatus(ctx, pos.ID, models.PositionStatusClosed, models.PositionUpdate{})
	require.NoError(t, err)
	require.NoError(t, s.Unsubscribe(ctx, "shadow-1", "kaiju-1"))

	followers, err := s.GetActiveFollowers(ctx, "kaiju-1")
	require.NoError(t, err)
	assert.Empty(t, followers)

	assert.ErrorIs(t, s.Unsubscribe(ctx, "shadow-1", "kaiju-1"), ledger.ErrNotFound)
	require.NoError(t, s.Delete(ctx, "shadow-1", "kaiju-1"))
	assert.ErrorIs(t, s.Delete(ctx, "shadow-1", "kaiju-1"), ledger.ErrNotFound)
}

func TestStore_UpsertPendingIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStoreWithOperator(t)

	p := ledger.PendingPosition{
		TradeID:         "trade-1",
		FollowerID:      "shadow-1",
		OperatorID:      "kaiju-1",
		AllocatedAmount: decimal.NewFromInt(10),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	ids := make(map[string]int)
	createdCount := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pos, created, err := s.UpsertPending(ctx, p)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[pos.ID]++
			if created {
				createdCount++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, 1, createdCount)

	positions, err := s.GetPositionsForTrade(ctx, "trade-1")
	require.NoError(t, err)
	assert.Len(t, positions, 1)
}

func TestStore_UpdateStatusEnforcesTransitions(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	pos, _, err := s.UpsertPending(ctx, ledger.PendingPosition{TradeID: "t", FollowerID: "f", AllocatedAmount: decimal.NewFromInt(1)})
	require.NoError(t, err)

	_, err = s.UpdateStatus(ctx, pos.ID, models.PositionStatusClosed, models.PositionUpdate{})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	actual := decimal.NewFromInt(1)
	updated, err := s.UpdateStatus(ctx, pos.ID, models.PositionStatusActive, models.PositionUpdate{ActualAmount: &actual, EntryTxRef: "tx-1"})
	require.NoError(t, err)
	assert.Equal(t, "tx-1", updated.EntryTxRef)

	updated, err = s.UpdateStatus(ctx, pos.ID, models.PositionStatusActive, models.PositionUpdate{LastError: "close failed"})
	require.NoError(t, err)
	assert.Equal(t, "close failed", updated.LastError)

	_, err = s.UpdateStatus(ctx, pos.ID, models.PositionStatusPending, models.PositionUpdate{})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	pnl := decimal.NewFromInt(3)
	closed, err := s.UpdateStatus(ctx, pos.ID, models.PositionStatusClosed, models.PositionUpdate{RealizedPnL: &pnl, ClearError: true})
	require.NoError(t, err)
	require.NotNil(t, closed.RealizedPnL)
	assert.True(t, closed.RealizedPnL.Equal(pnl))
	assert.Empty(t, closed.LastError)

	for _, to := range []models.PositionStatus{models.PositionStatusPending, models.PositionStatusActive, models.PositionStatusClosed, models.PositionStatusFailed} {
		_, err = s.UpdateStatus(ctx, pos.ID, to, models.PositionUpdate{})
		assert.ErrorIs(t, err, ledger.ErrInvalidTransition, fmt.Sprintf("closed -> %s", to))
	}
}

func TestStore_GetPositionsForTradeFiltersStatus(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	for _, f := range []string{"a", "b", "c"} {
		_, _, err := s.UpsertPending(ctx, ledger.PendingPosition{TradeID: "t", FollowerID: f, AllocatedAmount: decimal.NewFromInt(1)})
		require.NoError(t, err)
	}
	all, err := s.GetPositionsForTrade(ctx, "t")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].FollowerID)

	_, err = s.UpdateStatus(ctx, all[1].ID, models.PositionStatusFailed, models.PositionUpdate{FailureReason: models.FailureVenueRejected})
	require.NoError(t, err)

	pending, err := s.GetPositionsForTrade(ctx, "t", models.PositionStatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	failed, err := s.GetPositionsForTrade(ctx, "t", models.PositionStatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].FollowerID)
}
