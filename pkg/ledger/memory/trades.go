package memory

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/gregtusar/shadowtrade/pkg/ledger"
	"github.com/gregtusar/shadowtrade/pkg/models"
)

func (s *Store) RegisterOperator(_ context.Context, id, name string) (*models.Operator, error) {
	if id == "" {
		return nil, ledger.ErrInvalidOperator
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if op, ok := s.operators[id]; ok {
		c := *op
		return &c, nil
	}
	op := &models.Operator{ID: id, Name: name, CreatedAt: s.now()}
	s.operators[id] = op
	c := *op
	return &c, nil
}

func (s *Store) OperatorExists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.operators[id]
	return ok, nil
}

func (s *Store) CreateTrade(_ context.Context, req ledger.CreateTradeRequest) (*models.TradeIntent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.operators[req.OperatorID]; !ok {
		return nil, ledger.ErrInvalidOperator
	}
	if req.SignalID != "" {
		if id, ok := s.signals[req.SignalID]; ok {
			return copyTrade(s.trades[id]), nil
		}
	}

	now := s.now()
	t := &models.TradeIntent{
		ID:         uuid.NewString(),
		SignalID:   req.SignalID,
		OperatorID: req.OperatorID,
		Kind:       req.Kind,
		Confidence: req.Confidence,
		Entry:      req.Entry,
		Status:     models.TradeStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.trades[t.ID] = t
	if req.SignalID != "" {
		s.signals[req.SignalID] = t.ID
	}
	return copyTrade(t), nil
}

func (s *Store) GetTrade(_ context.Context, id string) (*models.TradeIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return copyTrade(t), nil
}

func (s *Store) MarkActive(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return ledger.ErrNotFound
	}
	if t.Status == models.TradeStatusActive {
		return nil
	}
	if !t.Status.CanTransition(models.TradeStatusActive) {
		return ledger.ErrInvalidTransition
	}
	t.Status = models.TradeStatusActive
	t.UpdatedAt = s.now()
	return nil
}

func (s *Store) MarkFailed(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return ledger.ErrNotFound
	}
	if !t.Status.CanTransition(models.TradeStatusFailed) {
		return ledger.ErrInvalidTransition
	}
	t.Status = models.TradeStatusFailed
	t.FailureReason = reason
	t.UpdatedAt = s.now()
	return nil
}

func (s *Store) CloseTrade(_ context.Context, id string, exit models.ExitParameters) (*models.TradeIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	if !t.Status.CanTransition(models.TradeStatusClosed) {
		return nil, ledger.ErrInvalidTransition
	}
	now := s.now()
	t.Status = models.TradeStatusClosed
	t.Exit = &exit
	t.ClosedAt = &now
	t.UpdatedAt = now
	return copyTrade(t), nil
}

func (s *Store) GetActiveTradesForOperator(_ context.Context, operatorID string) ([]*models.TradeIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.TradeIntent
	for _, t := range s.trades {
		if t.OperatorID == operatorID && t.Status == models.TradeStatusActive {
			result = append(result, copyTrade(t))
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
