package fanout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/shadowtrade/pkg/custody"
	"github.com/gregtusar/shadowtrade/pkg/ledger"
	"github.com/gregtusar/shadowtrade/pkg/ledger/memory"
	"github.com/gregtusar/shadowtrade/pkg/lock"
	"github.com/gregtusar/shadowtrade/pkg/models"
	"github.com/gregtusar/shadowtrade/pkg/venue"
)

const operatorID = "kaiju-1"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSigner struct{ followerID string }

func (s fakeSigner) FollowerID() string              { return s.followerID }
func (s fakeSigner) Address() string                 { return "addr-" + s.followerID }
func (s fakeSigner) Sign(msg []byte) ([]byte, error) { return msg, nil }

type fakeCustodian struct {
	mu      sync.Mutex
	missing map[string]bool
	broken  map[string]bool
}

func newFakeCustodian() *fakeCustodian {
	return &fakeCustodian{missing: map[string]bool{}, broken: map[string]bool{}}
}

func (c *fakeCustodian) GetSigner(_ context.Context, followerID string) (custody.Signer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.missing[followerID] {
		return nil, fmt.Errorf("follower %s: %w", followerID, custody.ErrKeyNotFound)
	}
	if c.broken[followerID] {
		return nil, errors.New("secret backend unavailable")
	}
	return fakeSigner{followerID: followerID}, nil
}

func (c *fakeCustodian) setBroken(followerID string, broken bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broken[followerID] = broken
}

// fakeVenue fills everything at fixed rates, remembers receipts per client
// ref and can be scripted to fail or stall for particular followers.
type fakeVenue struct {
	mu        sync.Mutex
	entryErr  map[string]error
	exitErr   map[string]error
	panicFor  map[string]bool
	receipts  map[string]*venue.Receipt
	calls     map[string]int
	ops       []string
	delay     time.Duration
	exitPrice decimal.Decimal

	inFlight    int32
	maxInFlight int32
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		entryErr:  map[string]error{},
		exitErr:   map[string]error{},
		panicFor:  map[string]bool{},
		receipts:  map[string]*venue.Receipt{},
		calls:     map[string]int{},
		exitPrice: decimal.NewFromInt(110),
	}
}

var _ venue.Venue = (*fakeVenue)(nil)

func (v *fakeVenue) setEntryErr(followerID string, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entryErr[followerID] = err
}

func (v *fakeVenue) setExitErr(followerID string, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.exitErr[followerID] = err
}

func (v *fakeVenue) callsFor(ref string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[ref]
}

func (v *fakeVenue) opCount(op string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, o := range v.ops {
		if o == op {
			n++
		}
	}
	return n
}

func (v *fakeVenue) totalCalls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.ops)
}

func (v *fakeVenue) do(ctx context.Context, op, ref string, signer venue.Signer, exit bool, fill func() *venue.Receipt) (*venue.Receipt, error) {
	n := atomic.AddInt32(&v.inFlight, 1)
	defer atomic.AddInt32(&v.inFlight, -1)
	for {
		m := atomic.LoadInt32(&v.maxInFlight)
		if n <= m || atomic.CompareAndSwapInt32(&v.maxInFlight, m, n) {
			break
		}
	}

	follower := ""
	if s, ok := signer.(fakeSigner); ok {
		follower = s.followerID
	}

	v.mu.Lock()
	v.calls[ref]++
	v.ops = append(v.ops, op)
	delay := v.delay
	err := v.entryErr[follower]
	if exit {
		err = v.exitErr[follower]
	}
	shouldPanic := !exit && v.panicFor[follower]
	cached := v.receipts[ref]
	v.mu.Unlock()

	if shouldPanic {
		panic("venue adapter bug")
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}
	if cached != nil {
		c := *cached
		return &c, nil
	}

	r := fill()
	r.TxRef = "tx-" + ref
	v.mu.Lock()
	v.receipts[ref] = r
	v.mu.Unlock()
	c := *r
	return &c, nil
}

func (v *fakeVenue) Swap(ctx context.Context, req venue.SwapRequest) (*venue.Receipt, error) {
	exit := req.TokenIn == "SOL"
	return v.do(ctx, "swap", req.ClientRef, req.Signer, exit, func() *venue.Receipt {
		out := req.AmountIn.Div(decimal.NewFromInt(100))
		if exit {
			out = req.AmountIn.Mul(v.exitPrice)
		}
		return &venue.Receipt{AmountIn: req.AmountIn, AmountOut: out}
	})
}

func (v *fakeVenue) AddLiquidity(ctx context.Context, req venue.AddLiquidityRequest) (*venue.Receipt, error) {
	return v.do(ctx, "add_liquidity", req.ClientRef, req.Signer, false, func() *venue.Receipt {
		return &venue.Receipt{AmountIn: req.Amount, AmountOut: req.Amount, PositionRef: "lp-" + req.ClientRef}
	})
}

func (v *fakeVenue) RemoveLiquidity(ctx context.Context, req venue.RemoveLiquidityRequest) (*venue.Receipt, error) {
	exit := req.PositionRef != ""
	return v.do(ctx, "remove_liquidity", req.ClientRef, req.Signer, exit, func() *venue.Receipt {
		return &venue.Receipt{AmountIn: req.Amount, AmountOut: req.Amount.Mul(decimal.RequireFromString("1.05"))}
	})
}

func (v *fakeVenue) OpenLeveragedPosition(ctx context.Context, req venue.OpenLeveragedRequest) (*venue.Receipt, error) {
	return v.do(ctx, "open_leveraged", req.ClientRef, req.Signer, false, func() *venue.Receipt {
		return &venue.Receipt{AmountIn: req.Collateral, AmountOut: req.Collateral, PositionRef: "perp-" + req.ClientRef}
	})
}

func (v *fakeVenue) CloseLeveragedPosition(ctx context.Context, req venue.CloseLeveragedRequest) (*venue.Receipt, error) {
	return v.do(ctx, "close_leveraged", req.ClientRef, req.Signer, true, func() *venue.Receipt {
		return &venue.Receipt{AmountOut: decimal.NewFromInt(90), PositionRef: req.PositionRef}
	})
}

// flakyStore fails the first n position updates.
type flakyStore struct {
	*memory.Store
	failures int32
}

func (s *flakyStore) UpdateStatus(ctx context.Context, id string, to models.PositionStatus, u models.PositionUpdate) (*models.FollowerPosition, error) {
	if atomic.AddInt32(&s.failures, -1) >= 0 {
		return nil, errors.New("connection reset by peer")
	}
	return s.Store.UpdateStatus(ctx, id, to, u)
}

type fixture struct {
	clock     *testClock
	store     *memory.Store
	venue     *fakeVenue
	custodian *fakeCustodian
	orch      *Orchestrator
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testOptions() Options {
	return Options{Workers: 4, VenueTimeout: time.Second, LedgerRetries: 3, RetryDelay: time.Millisecond}
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, testOptions(), nil)
}

// newFixtureWith builds a fixture; wrap, when set, replaces the store the
// orchestrator sees.
func newFixtureWith(t *testing.T, opts Options, wrap func(*memory.Store) ledger.Store) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.NewStore(memory.WithClock(clock.Now))
	_, err := store.RegisterOperator(context.Background(), operatorID, "Kaiju One")
	require.NoError(t, err)

	var orchStore ledger.Store = store
	if wrap != nil {
		orchStore = wrap(store)
	}

	v := newFakeVenue()
	c := newFakeCustodian()
	return &fixture{
		clock:     clock,
		store:     store,
		venue:     v,
		custodian: c,
		orch:      New(orchStore, v, c, lock.NewMemory(), nil, testLogger(), opts),
	}
}

func (f *fixture) subscribe(t *testing.T, followerID string, pct, max int64) {
	t.Helper()
	_, err := f.orch.Subscribe(context.Background(), followerID, operatorID, decimal.NewFromInt(pct), decimal.NewFromInt(max))
	require.NoError(t, err)
	f.clock.Advance(time.Second)
}

func (f *fixture) createTrade(t *testing.T, kind models.TradeKind, confidence int) *models.TradeIntent {
	t.Helper()
	entry := models.EntryParameters{}
	switch kind {
	case models.TradeKindSpotSwap:
		entry = models.EntryParameters{TokenIn: "USDC", TokenOut: "SOL", AmountIn: decimal.NewFromInt(1000), MinAmountOut: decimal.NewFromInt(9)}
	case models.TradeKindAddLiquidity:
		entry = models.EntryParameters{Pool: "SOL-USDC", TokenIn: "USDC", AmountIn: decimal.NewFromInt(1000)}
	case models.TradeKindRemoveLiquidity:
		entry = models.EntryParameters{Pool: "SOL-USDC"}
	case models.TradeKindLeveragedLong, models.TradeKindLeveragedShort:
		entry = models.EntryParameters{Asset: "BTC", Leverage: 5, AmountIn: decimal.NewFromInt(1000)}
	}
	trade, err := f.store.CreateTrade(context.Background(), ledger.CreateTradeRequest{
		OperatorID: operatorID,
		Kind:       kind,
		Confidence: confidence,
		Entry:      entry,
	})
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	return trade
}

func (f *fixture) positions(t *testing.T, tradeID string) map[string]*models.FollowerPosition {
	t.Helper()
	list, err := f.store.GetPositionsForTrade(context.Background(), tradeID)
	require.NoError(t, err)
	out := make(map[string]*models.FollowerPosition, len(list))
	for _, p := range list {
		out[p.FollowerID] = p
	}
	return out
}

func (f *fixture) tradeStatus(t *testing.T, tradeID string) models.TradeStatus {
	t.Helper()
	trade, err := f.store.GetTrade(context.Background(), tradeID)
	require.NoError(t, err)
	return trade.Status
}
