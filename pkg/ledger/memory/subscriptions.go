package memory

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gregtusar/shadowtrade/pkg/ledger"
	"github.com/gregtusar/shadowtrade/pkg/models"
)

func (s *Store) Subscribe(_ context.Context, followerID, operatorID string, allocationPercentage, maxPositionSize decimal.Decimal) (*models.FollowerSubscription, error) {
	if followerID == "" || !models.ValidSettings(allocationPercentage, maxPositionSize) {
		return nil, ledger.ErrInvalidParameters
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.operators[operatorID]; !ok {
		return nil, ledger.ErrInvalidOperator
	}
	if s.activeSubscriptionLocked(followerID, operatorID) != nil {
		return nil, ledger.ErrDuplicateSubscription
	}

	now := s.now()
	sub := &models.FollowerSubscription{
		ID:                   uuid.NewString(),
		FollowerID:           followerID,
		OperatorID:           operatorID,
		AllocationPercentage: allocationPercentage,
		MaxPositionSize:      maxPositionSize,
		Active:               true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	s.subscriptions[sub.ID] = sub
	return copySubscription(sub), nil
}

func (s *Store) UpdateSettings(_ context.Context, followerID, operatorID string, allocationPercentage, maxPositionSize decimal.Decimal) (*models.FollowerSubscription, error) {
	if !models.ValidSettings(allocationPercentage, maxPositionSize) {
		return nil, ledger.ErrInvalidParameters
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub := s.activeSubscriptionLocked(followerID, operatorID)
	if sub == nil {
		return nil, ledger.ErrNotFound
	}
	sub.AllocationPercentage = allocationPercentage
	sub.MaxPositionSize = maxPositionSize
	sub.UpdatedAt = s.now()
	return copySubscription(sub), nil
}

func (s *Store) Unsubscribe(_ context.Context, followerID, operatorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := s.activeSubscriptionLocked(followerID, operatorID)
	if sub == nil {
		return ledger.ErrNotFound
	}
	if s.countOpenLocked(followerID, operatorID) > 0 {
		return ledger.ErrHasOpenPositions
	}
	sub.Active = false
	sub.UpdatedAt = s.now()
	return nil
}

func (s *Store) Delete(_ context.Context, followerID, operatorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, sub := range s.subscriptions {
		if sub.FollowerID == followerID && sub.OperatorID == operatorID {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return ledger.ErrNotFound
	}
	if s.countOpenLocked(followerID, operatorID) > 0 {
		return ledger.ErrHasOpenPositions
	}
	for _, id := range ids {
		delete(s.subscriptions, id)
	}
	return nil
}

func (s *Store) GetActiveFollowers(_ context.Context, operatorID string) ([]*models.FollowerSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.FollowerSubscription
	for _, sub := range s.subscriptions {
		if sub.OperatorID == operatorID && sub.Active {
			result = append(result, copySubscription(sub))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].FollowerID < result[j].FollowerID
	})
	return result, nil
}

func (s *Store) activeSubscriptionLocked(followerID, operatorID string) *models.FollowerSubscription {
	for _, sub := range s.subscriptions {
		if sub.FollowerID == followerID && sub.OperatorID == operatorID && sub.Active {
			return sub
		}
	}
	return nil
}
