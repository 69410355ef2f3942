package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/shadowtrade/pkg/ledger"
	"github.com/gregtusar/shadowtrade/pkg/ledger/memory"
	"github.com/gregtusar/shadowtrade/pkg/models"
	"github.com/gregtusar/shadowtrade/pkg/venue"
)

func TestComputeAllocation(t *testing.T) {
	tests := []struct {
		name       string
		pct        string
		max        string
		confidence int
		want       string
	}{
		{"scaled by confidence", "20", "1000", 80, "160"},
		{"full confidence", "20", "1000", 100, "200"},
		{"whole cap", "100", "1000", 100, "1000"},
		{"zero confidence", "50", "1000", 0, "0"},
		{"fractional", "12.5", "333", 50, "20.8125"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &models.FollowerSubscription{
				AllocationPercentage: decimal.RequireFromString(tt.pct),
				MaxPositionSize:      decimal.RequireFromString(tt.max),
			}
			got := ComputeAllocation(sub, tt.confidence)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s want %s", got, tt.want)
			assert.True(t, got.LessThanOrEqual(sub.MaxPositionSize))
		})
	}
}

func TestScaleMinOut(t *testing.T) {
	got := scaleMinOut(decimal.NewFromInt(9), decimal.NewFromInt(160), decimal.NewFromInt(1000))
	assert.True(t, got.Equal(decimal.RequireFromString("1.44")), got.String())
	assert.True(t, scaleMinOut(decimal.NewFromInt(9), decimal.NewFromInt(160), decimal.Zero).IsZero())
}

func TestDispatch_FansOutToEveryFollower(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "alice", 20, 1000)
	f.subscribe(t, "bob", 50, 400)
	f.subscribe(t, "carol", 10, 5000)
	trade := f.createTrade(t, models.TradeKindSpotSwap, 80)

	res, err := f.orch.Dispatch(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Created)
	assert.Equal(t, 3, res.Succeeded)
	assert.False(t, res.Incomplete)
	assert.Equal(t, models.TradeStatusActive, f.tradeStatus(t, trade.ID))

	positions := f.positions(t, trade.ID)
	require.Len(t, positions, 3)

	alice := positions["alice"]
	assert.Equal(t, models.PositionStatusActive, alice.Status)
	assert.True(t, alice.AllocatedAmount.Equal(decimal.NewFromInt(160)))
	assert.True(t, alice.ActualAmount.Equal(decimal.NewFromInt(160)))
	assert.True(t, alice.ReceivedAmount.Equal(decimal.RequireFromString("1.6")))
	assert.Equal(t, "tx-"+alice.ID, alice.EntryTxRef)

	assert.True(t, positions["bob"].AllocatedAmount.Equal(decimal.NewFromInt(160)))
	assert.True(t, positions["carol"].AllocatedAmount.Equal(decimal.NewFromInt(400)))

	for _, p := range positions {
		assert.Equal(t, 1, f.venue.callsFor(p.ID), "venue client ref is the position id")
	}
}

func TestDispatch_ZeroConfidenceFailsWithoutVenueCall(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "alice", 20, 1000)
	trade := f.createTrade(t, models.TradeKindSpotSwap, 0)

	res, err := f.orch.Dispatch(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, f.venue.totalCalls())

	p := f.positions(t, trade.ID)["alice"]
	assert.Equal(t, models.PositionStatusFailed, p.Status)
	assert.Equal(t, models.FailureZeroAllocation, p.FailureReason)
	assert.True(t, p.ActualAmount.IsZero())
	assert.Equal(t, models.TradeStatusActive, f.tradeStatus(t, trade.ID))
}

func TestDispatch_IsolatesFollowerFailures(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "alice", 20, 1000)
	f.subscribe(t, "bob", 20, 1000)
	f.subscribe(t, "carol", 20, 1000)
	f.subscribe(t, "dave", 20, 1000)
	f.venue.setEntryErr("bob", venue.NewError(venue.KindInsufficientLiquidity, "pool too thin"))
	f.venue.setEntryErr("dave", venue.NewError(venue.KindRejected, "bad signature"))
	f.custodian.missing["carol"] = true
	trade := f.createTrade(t, models.TradeKindSpotSwap, 100)

	res, err := f.orch.Dispatch(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 3, res.Failed)
	assert.False(t, res.Incomplete)

	positions := f.positions(t, trade.ID)
	assert.Equal(t, models.PositionStatusActive, positions["alice"].Status)

	bob := positions["bob"]
	assert.Equal(t, models.PositionStatusFailed, bob.Status)
	assert.Equal(t, models.FailureInsufficientLiquidity, bob.FailureReason)
	assert.Contains(t, bob.LastError, "pool too thin")
	assert.True(t, bob.ActualAmount.IsZero())

	assert.Equal(t, models.FailureKeyNotFound, positions["carol"].FailureReason)
	assert.Equal(t, models.FailureVenueRejected, positions["dave"].FailureReason)

	assert.Equal(t, models.TradeStatusActive, f.tradeStatus(t, trade.ID))
}

func TestDispatch_UntypedVenueErrorFailsFollower(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "alice", 20, 1000)
	f.subscribe(t, "bob", 20, 1000)
	f.subscribe(t, "carol", 20, 1000)
	f.venue.setEntryErr("bob", errors.New("venue blew up"))
	trade := f.createTrade(t, models.TradeKindSpotSwap, 100)

	res, err := f.orch.Dispatch(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.False(t, res.Incomplete)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	positions := f.positions(t, trade.ID)
	bob := positions["bob"]
	assert.Equal(t, models.PositionStatusFailed, bob.Status)
	assert.Equal(t, models.FailureExecution, bob.FailureReason)
	assert.Contains(t, bob.LastError, "venue blew up")
	assert.Equal(t, models.PositionStatusActive, positions["alice"].Status)
	assert.Equal(t, models.PositionStatusActive, positions["carol"].Status)
	assert.Equal(t, models.TradeStatusActive, f.tradeStatus(t, trade.ID))
}

func TestDispatch_VenueTimeout(t *testing.T) {
	opts := testOptions()
	opts.VenueTimeout = 20 * time.Millisecond
	f := newFixtureWith(t, opts, nil)
	f.venue.delay = 500 * time.Millisecond
	f.subscribe(t, "alice", 20, 1000)
	trade := f.createTrade(t, models.TradeKindSpotSwap, 100)

	_, err := f.orch.Dispatch(context.Background(), trade.ID)
	require.NoError(t, err)

	p := f.positions(t, trade.ID)["alice"]
	assert.Equal(t, models.PositionStatusFailed, p.Status)
	assert.Equal(t, models.FailureVenueTimeout, p.FailureReason)
}

func TestDispatch_InfrastructureErrorLeavesPositionPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "alice", 20, 1000)
	f.subscribe(t, "bob", 20, 1000)
	f.subscribe(t, "carol", 20, 1000)
	f.custodian.setBroken("bob", true)
	trade := f.createTrade(t, models.TradeKindSpotSwap, 100)

	res, err := f.orch.Dispatch(ctx, trade.ID)
	require.NoError(t, err)
	assert.True(t, res.Incomplete)
	assert.Equal(t, 1, res.Pending)
	assert.Equal(t, models.TradeStatusPending, f.tradeStatus(t, trade.ID))
	assert.Equal(t, models.PositionStatusPending, f.positions(t, trade.ID)["bob"].Status)

	f.custodian.setBroken("bob", false)

	res, err = f.orch.Dispatch(ctx, trade.ID)
	require.NoError(t, err)
	assert.False(t, res.Incomplete)
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 1, res.Resumed)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, models.TradeStatusActive, f.tradeStatus(t, trade.ID))

	positions := f.positions(t, trade.ID)
	require.Len(t, positions, 3)
	for _, p := range positions {
		assert.Equal(t, models.PositionStatusActive, p.Status)
		assert.Equal(t, 1, f.venue.callsFor(p.ID), "follower %s executed once", p.FollowerID)
	}
}

func TestDispatch_RejectsUnknownAndSettledTrades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "alice", 20, 1000)
	trade := f.createTrade(t, models.TradeKindSpotSwap, 100)

	_, err := f.orch.Dispatch(ctx, "no-such-trade")
	assert.ErrorIs(t, err, ledger.ErrTradeNotFound)

	_, err = f.orch.Dispatch(ctx, trade.ID)
	require.NoError(t, err)

	_, err = f.orch.Dispatch(ctx, trade.ID)
	assert.ErrorIs(t, err, ledger.ErrTradeNotPending)
	assert.Len(t, f.positions(t, trade.ID), 1)
	assert.Equal(t, 1, f.venue.totalCalls())
}

func TestDispatch_ExcludesLateSubscribers(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "alice", 20, 1000)
	trade := f.createTrade(t, models.TradeKindSpotSwap, 100)
	f.subscribe(t, "late", 20, 1000)

	res, err := f.orch.Dispatch(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Excluded)

	positions := f.positions(t, trade.ID)
	assert.Contains(t, positions, "alice")
	assert.NotContains(t, positions, "late")
}

func TestDispatch_NoFollowersActivatesTrade(t *testing.T) {
	f := newFixture(t)
	trade := f.createTrade(t, models.TradeKindSpotSwap, 100)

	res, err := f.orch.Dispatch(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Outcomes)
	assert.Equal(t, models.TradeStatusActive, f.tradeStatus(t, trade.ID))
}

func TestDispatch_BoundedWorkerPool(t *testing.T) {
	opts := testOptions()
	opts.Workers = 3
	f := newFixtureWith(t, opts, nil)
	f.venue.delay = 10 * time.Millisecond
	for i := 0; i < 12; i++ {
		f.subscribe(t, fmt.Sprintf("follower-%02d", i), 10, 100)
	}
	trade := f.createTrade(t, models.TradeKindSpotSwap, 100)

	res, err := f.orch.Dispatch(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, res.Succeeded)

	maxSeen := atomic.LoadInt32(&f.venue.maxInFlight)
	assert.LessOrEqual(t, maxSeen, int32(3))
	assert.Greater(t, maxSeen, int32(1))
}

func TestDispatch_RecoversFromPanic(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "alice", 20, 1000)
	f.subscribe(t, "bob", 20, 1000)
	f.venue.panicFor["bob"] = true
	trade := f.createTrade(t, models.TradeKindSpotSwap, 100)

	res, err := f.orch.Dispatch(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.True(t, res.Incomplete)
	assert.Equal(t, 1, res.Succeeded)

	positions := f.positions(t, trade.ID)
	assert.Equal(t, models.PositionStatusActive, positions["alice"].Status)
	assert.Equal(t, models.PositionStatusPending, positions["bob"].Status)
}

func TestDispatch_RetriesLedgerWrites(t *testing.T) {
	var flaky *flakyStore
	f := newFixtureWith(t, testOptions(), func(s *memory.Store) ledger.Store {
		flaky = &flakyStore{Store: s}
		return flaky
	})
	f.subscribe(t, "alice", 20, 1000)
	trade := f.createTrade(t, models.TradeKindSpotSwap, 100)
	atomic.StoreInt32(&flaky.failures, 2)

	res, err := f.orch.Dispatch(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, models.PositionStatusActive, f.positions(t, trade.ID)["alice"].Status)
}

func TestDispatch_ConcurrentCallsExecuteOnce(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.subscribe(t, fmt.Sprintf("follower-%d", i), 20, 1000)
	}
	trade := f.createTrade(t, models.TradeKindSpotSwap, 100)

	var (
		wg        sync.WaitGroup
		succeeded int32
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.orch.Dispatch(context.Background(), trade.ID); err == nil {
				atomic.AddInt32(&succeeded, 1)
			} else {
				assert.ErrorIs(t, err, ledger.ErrTradeNotPending)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&succeeded))
	positions := f.positions(t, trade.ID)
	assert.Len(t, positions, 5)
	for _, p := range positions {
		assert.Equal(t, 1, f.venue.callsFor(p.ID))
	}
}

func TestDispatch_PerKindEntry(t *testing.T) {
	tests := []struct {
		kind   models.TradeKind
		op     string
		hasRef bool
	}{
		{models.TradeKindAddLiquidity, "add_liquidity", true},
		{models.TradeKindRemoveLiquidity, "remove_liquidity", false},
		{models.TradeKindLeveragedLong, "open_leveraged", true},
		{models.TradeKindLeveragedShort, "open_leveraged", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			f := newFixture(t)
			f.subscribe(t, "alice", 20, 1000)
			trade := f.createTrade(t, tt.kind, 100)

			_, err := f.orch.Dispatch(context.Background(), trade.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, f.venue.opCount(tt.op))

			p := f.positions(t, trade.ID)["alice"]
			assert.Equal(t, models.PositionStatusActive, p.Status)
			assert.Equal(t, tt.hasRef, p.VenuePositionRef != "")
		})
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	empty := f.createTrade(t, models.TradeKindSpotSwap, 100)
	require.NoError(t, f.orch.Cancel(ctx, empty.ID, "operator withdrew"))
	assert.Equal(t, models.TradeStatusFailed, f.tradeStatus(t, empty.ID))

	f.subscribe(t, "alice", 20, 1000)
	f.custodian.setBroken("alice", true)
	stuck := f.createTrade(t, models.TradeKindSpotSwap, 100)
	res, err := f.orch.Dispatch(ctx, stuck.ID)
	require.NoError(t, err)
	require.True(t, res.Incomplete)

	err = f.orch.Cancel(ctx, stuck.ID, "give up")
	assert.ErrorIs(t, err, ledger.ErrHasOpenPositions)

	err = f.orch.Cancel(ctx, empty.ID, "again")
	assert.ErrorIs(t, err, ledger.ErrTradeNotPending)
}

func TestUnsubscribe_BlockedWhilePositionsOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "alice", 20, 1000)
	trade := f.createTrade(t, models.TradeKindSpotSwap, 100)

	_, err := f.orch.Dispatch(ctx, trade.ID)
	require.NoError(t, err)

	err = f.orch.Unsubscribe(ctx, "alice", operatorID)
	assert.ErrorIs(t, err, ledger.ErrHasOpenPositions)

	_, err = f.orch.Close(ctx, trade.ID, models.ExitParameters{Reason: "take profit"})
	require.NoError(t, err)

	require.NoError(t, f.orch.Unsubscribe(ctx, "alice", operatorID))
	followers, err := f.store.GetActiveFollowers(ctx, operatorID)
	require.NoError(t, err)
	assert.Empty(t, followers)
}

func TestSubscribe_DuplicateRejected(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "alice", 20, 1000)

	_, err := f.orch.Subscribe(context.Background(), "alice", operatorID, decimal.NewFromInt(10), decimal.NewFromInt(10))
	assert.ErrorIs(t, err, ledger.ErrDuplicateSubscription)

	sub, err := f.orch.UpdateSettings(context.Background(), "alice", operatorID, decimal.NewFromInt(10), decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.True(t, sub.AllocationPercentage.Equal(decimal.NewFromInt(10)))
}
