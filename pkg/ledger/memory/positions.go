package memory

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gregtusar/shadowtrade/pkg/ledger"
	"github.com/gregtusar/shadowtrade/pkg/models"
)

func (s *Store) UpsertPending(_ context.Context, p ledger.PendingPosition) (*models.FollowerPosition, bool, error) {
	if p.TradeID == "" || p.FollowerID == "" || p.AllocatedAmount.IsNegative() {
		return nil, false, ledger.ErrInvalidParameters
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := positionKey{tradeID: p.TradeID, followerID: p.FollowerID}
	if id, ok := s.positionKeys[key]; ok {
		return copyPosition(s.positions[id]), false, nil
	}

	now := s.now()
	pos := &models.FollowerPosition{
		ID:              uuid.NewString(),
		TradeID:         p.TradeID,
		FollowerID:      p.FollowerID,
		OperatorID:      p.OperatorID,
		SubscriptionID:  p.SubscriptionID,
		Kind:            p.Kind,
		Status:          models.PositionStatusPending,
		AllocatedAmount: p.AllocatedAmount,
		ActualAmount:    decimal.Zero,
		ReceivedAmount:  decimal.Zero,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.positions[pos.ID] = pos
	s.positionKeys[key] = pos.ID
	return copyPosition(pos), true, nil
}

func (s *Store) GetPosition(_ context.Context, id string) (*models.FollowerPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return copyPosition(pos), nil
}

func (s *Store) UpdateStatus(_ context.Context, id string, to models.PositionStatus, u models.PositionUpdate) (*models.FollowerPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	if !pos.Status.CanTransition(to) {
		return nil, ledger.ErrInvalidTransition
	}
	u.Apply(pos, to, s.now())
	return copyPosition(pos), nil
}

func (s *Store) GetPositionsForTrade(_ context.Context, tradeID string, statuses ...models.PositionStatus) ([]*models.FollowerPosition, error) {
	match := statusFilter(statuses)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.FollowerPosition
	for _, pos := range s.positions {
		if pos.TradeID == tradeID && match(pos.Status) {
			result = append(result, copyPosition(pos))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].FollowerID < result[j].FollowerID
	})
	return result, nil
}

func (s *Store) GetPositionsForFollower(_ context.Context, followerID string, statuses ...models.PositionStatus) ([]*models.FollowerPosition, error) {
	match := statusFilter(statuses)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.FollowerPosition
	for _, pos := range s.positions {
		if pos.FollowerID == followerID && match(pos.Status) {
			result = append(result, copyPosition(pos))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) CountOpenPositions(_ context.Context, followerID, operatorID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countOpenLocked(followerID, operatorID), nil
}

func (s *Store) countOpenLocked(followerID, operatorID string) int {
	n := 0
	for _, pos := range s.positions {
		if pos.FollowerID == followerID && pos.OperatorID == operatorID && pos.Status.Open() {
			n++
		}
	}
	return n
}
