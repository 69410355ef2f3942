// Package memory provides an in-process implementation of ledger.Store.
package memory

import (
	"sync"
	"time"

	"github.com/gregtusar/shadowtrade/pkg/ledger"
	"github.com/gregtusar/shadowtrade/pkg/models"
)

// Store keeps every ledger table behind one lock so the unsubscribe guard
// and position creation observe the same state.
type Store struct {
	mu sync.RWMutex

	operators     map[string]*models.Operator
	trades        map[string]*models.TradeIntent
	signals       map[string]string // signal_id -> trade_id
	subscriptions map[string]*models.FollowerSubscription
	positions     map[string]*models.FollowerPosition
	positionKeys  map[positionKey]string

	now func() time.Time
}

type positionKey struct {
	tradeID    string
	followerID string
}

type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		operators:     make(map[string]*models.Operator),
		trades:        make(map[string]*models.TradeIntent),
		signals:       make(map[string]string),
		subscriptions: make(map[string]*models.FollowerSubscription),
		positions:     make(map[string]*models.FollowerPosition),
		positionKeys:  make(map[positionKey]string),
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Compile-time interface check.
var _ ledger.Store = (*Store)(nil)

func copyTrade(t *models.TradeIntent) *models.TradeIntent {
	c := *t
	if t.Exit != nil {
		exit := *t.Exit
		c.Exit = &exit
	}
	if t.ClosedAt != nil {
		closedAt := *t.ClosedAt
		c.ClosedAt = &closedAt
	}
	return &c
}

func copyPosition(p *models.FollowerPosition) *models.FollowerPosition {
	c := *p
	if p.RealizedPnL != nil {
		pnl := *p.RealizedPnL
		c.RealizedPnL = &pnl
	}
	return &c
}

func copySubscription(s *models.FollowerSubscription) *models.FollowerSubscription {
	c := *s
	return &c
}

func statusFilter(statuses []models.PositionStatus) func(models.PositionStatus) bool {
	if len(statuses) == 0 {
		return func(models.PositionStatus) bool { return true }
	}
	set := make(map[models.PositionStatus]struct{}, len(statuses))
	for _, s := range statuses {
		set[s] = struct{}{}
	}
	return func(s models.PositionStatus) bool {
		_, ok := set[s]
		return ok
	}
}
