package driver

import (
	"context"
	"errors"

	"git.fleetops.dev/dispatch/golang/convoy/internal/database"
	"git.fleetops.dev/dispatch/golang/convoy/internal/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidDriverResult = errors.New("invalid result type, it should be pointer to Driver struct")

type DriverRepository struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewDriverRepository(dbConn *gorm.DB) *DriverRepository {
	cbSettings := database.GetCircuitBreakerSettings()

	return &DriverRepository{
		DBConn:         dbConn,
		CircuitBreaker: gobreaker.NewCircuitBreaker[any](cbSettings),
	}
}

// GetByID returns the driver or nil when absent.
func (driverRepository *DriverRepository) GetByID(ctx context.Context, id int64) (*Driver, error) {
	result, err := driverRepository.CircuitBreaker.Execute(func() (any, error) {
		var found Driver

		err := driverRepository.DBConn.WithContext(ctx).
			Where("id = ?", id).
			First(&found).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return (*Driver)(nil), nil
		}

		if err != nil {
			logging.Logger.Error("[GetByID] Failed to fetch driver",
				zap.Int64("driver_id", id),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return &found, nil
	})
	if err != nil {
		return nil, err
	}

	found, ok := result.(*Driver)
	if !ok {
		return nil, ErrInvalidDriverResult
	}

	return found, nil
}
