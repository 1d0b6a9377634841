package schedule

import (
	"context"
	"errors"

	"git.fleetops.dev/dispatch/golang/convoy/internal/database"
	"git.fleetops.dev/dispatch/golang/convoy/internal/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidScheduledCallResult = errors.New("invalid result type, it should be pointer to ScheduledCall struct")

type ScheduledCallRepository struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewScheduledCallRepository(dbConn *gorm.DB) *ScheduledCallRepository {
	cbSettings := database.GetCircuitBreakerSettings()

	return &ScheduledCallRepository{
		DBConn:         dbConn,
		CircuitBreaker: gobreaker.NewCircuitBreaker[any](cbSettings),
	}
}

// Create stores one pending retry entry.
func (scheduledCallRepository *ScheduledCallRepository) Create(
	ctx context.Context,
	scheduledCall *ScheduledCall,
) (*ScheduledCall, error) {
	result, err := scheduledCallRepository.CircuitBreaker.Execute(func() (any, error) {
		scheduledCall.Status = StatusPending

		err := scheduledCallRepository.DBConn.WithContext(ctx).Create(scheduledCall).Error
		if err != nil {
			logging.Logger.Error("[Create] Failed to create scheduled call",
				zap.String("parent_call_id", scheduledCall.ParentCallID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return scheduledCall, nil
	})
	if err != nil {
		return nil, err
	}

	created, ok := result.(*ScheduledCall)
	if !ok {
		return nil, ErrInvalidScheduledCallResult
	}

	return created, nil
}

// HasPendingForParent reports whether a pending retry already exists for the
// given parent call. The reconciliation sweep re-examines failed calls until
// their schedule fires, so without this guard every sweep would enqueue
// another retry.
func (scheduledCallRepository *ScheduledCallRepository) HasPendingForParent(
	ctx context.Context,
	parentCallID string,
) (bool, error) {
	result, err := scheduledCallRepository.CircuitBreaker.Execute(func() (any, error) {
		var count int64

		err := scheduledCallRepository.DBConn.WithContext(ctx).
			Model(&ScheduledCall{}).
			Where("parent_call_id = ? AND status = ?", parentCallID, StatusPending).
			Count(&count).Error
		if err != nil {
			logging.Logger.Error("[HasPendingForParent] Failed to count pending retries",
				zap.String("parent_call_id", parentCallID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return count > 0, nil
	})
	if err != nil {
		return false, err
	}

	pending, ok := result.(bool)
	if !ok {
		return false, ErrInvalidScheduledCallResult
	}

	return pending, nil
}
