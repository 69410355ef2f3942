package fanout

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/shadowtrade/pkg/models"
)

// Subscription changes take the same operator lock as dispatch, so a
// follower either makes it into a trade's position set or leaves before it
// is drawn up.

func (o *Orchestrator) withOperatorLock(ctx context.Context, operatorID string, fn func() error) error {
	unlock, err := o.locker.Lock(ctx, operatorLockKey(operatorID))
	if err != nil {
		return fmt.Errorf("failed to lock operator %s: %w", operatorID, err)
	}
	defer unlock()
	return fn()
}

func (o *Orchestrator) Subscribe(ctx context.Context, followerID, operatorID string, allocationPercentage, maxPositionSize decimal.Decimal) (*models.FollowerSubscription, error) {
	var sub *models.FollowerSubscription
	err := o.withOperatorLock(ctx, operatorID, func() (err error) {
		sub, err = o.store.Subscribe(ctx, followerID, operatorID, allocationPercentage, maxPositionSize)
		return err
	})
	if err != nil {
		return nil, err
	}
	o.logger.WithFields(logrus.Fields{
		"follower_id": followerID,
		"operator_id": operatorID,
		"allocation":  allocationPercentage.String(),
		"max_size":    maxPositionSize.String(),
	}).Info("Follower subscribed")
	return sub, nil
}

func (o *Orchestrator) UpdateSettings(ctx context.Context, followerID, operatorID string, allocationPercentage, maxPositionSize decimal.Decimal) (*models.FollowerSubscription, error) {
	var sub *models.FollowerSubscription
	err := o.withOperatorLock(ctx, operatorID, func() (err error) {
		sub, err = o.store.UpdateSettings(ctx, followerID, operatorID, allocationPercentage, maxPositionSize)
		return err
	})
	return sub, err
}

func (o *Orchestrator) Unsubscribe(ctx context.Context, followerID, operatorID string) error {
	err := o.withOperatorLock(ctx, operatorID, func() error {
		return o.store.Unsubscribe(ctx, followerID, operatorID)
	})
	if err != nil {
		return err
	}
	o.logger.WithFields(logrus.Fields{
		"follower_id": followerID,
		"operator_id": operatorID,
	}).Info("Follower unsubscribed")
	return nil
}

func (o *Orchestrator) DeleteSubscription(ctx context.Context, followerID, operatorID string) error {
	return o.withOperatorLock(ctx, operatorID, func() error {
		return o.store.Delete(ctx, followerID, operatorID)
	})
}
