package call

import (
	"context"
	"errors"
	"time"

	"git.fleetops.dev/dispatch/golang/convoy/internal/database"
	"git.fleetops.dev/dispatch/golang/convoy/internal/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrDuplicateCallID    = errors.New("call_id already exists")
	ErrCallNotFound       = errors.New("call not found")
	ErrExternalIDConflict = errors.New("external conversation id is attached to a different call")
	ErrInvalidCallResult  = errors.New("invalid result type, it should be pointer to Call struct")
	ErrInvalidCallsResult = errors.New("invalid result type, it should be slice of Call")
)

type CallRepository struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewCallRepository(dbConn *gorm.DB) *CallRepository {
	cbSettings := database.GetCircuitBreakerSettings()

	return &CallRepository{
		DBConn:         dbConn,
		CircuitBreaker: gobreaker.NewCircuitBreaker[any](cbSettings),
	}
}

// Create inserts a new call with status in_progress and no vendor conversation
// id yet. The row exists before the vendor is dialed so failures prior to the
// vendor acknowledging still leave an auditable record.
func (callRepository *CallRepository) Create(ctx context.Context, newCall *Call) (*Call, error) {
	result, err := callRepository.CircuitBreaker.Execute(func() (any, error) {
		var existing Call

		err := callRepository.DBConn.WithContext(ctx).
			Where("call_id = ?", newCall.CallID).
			First(&existing).Error
		if err == nil {
			return nil, ErrDuplicateCallID
		}

		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logging.Logger.Error("[Create] Failed to check existing call",
				zap.String("call_id", newCall.CallID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		newCall.Status = StatusInProgress
		newCall.ExternalConversationID = nil

		err = callRepository.DBConn.WithContext(ctx).Create(newCall).Error
		if err != nil {
			logging.Logger.Error("[Create] Failed to create call",
				zap.String("call_id", newCall.CallID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return newCall, nil
	})
	if err != nil {
		return nil, err
	}

	created, ok := result.(*Call)
	if !ok {
		return nil, ErrInvalidCallResult
	}

	return created, nil
}

// AttachExternalID records the vendor-assigned conversation id on an existing
// call. Fails with ErrExternalIDConflict when the id already belongs to a
// different call.
func (callRepository *CallRepository) AttachExternalID(
	ctx context.Context,
	callID, externalConversationID string,
) (*Call, error) {
	result, err := callRepository.CircuitBreaker.Execute(func() (any, error) {
		var owner Call

		err := callRepository.DBConn.WithContext(ctx).
			Where("external_conversation_id = ?", externalConversationID).
			First(&owner).Error
		if err == nil && owner.CallID != callID {
			return nil, ErrExternalIDConflict
		}

		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}

		var existing Call

		err = callRepository.DBConn.WithContext(ctx).
			Where("call_id = ?", callID).
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCallNotFound
		}

		if err != nil {
			return nil, err
		}

		err = callRepository.DBConn.WithContext(ctx).
			Model(&existing).
			Where("call_id = ?", callID).
			Update("external_conversation_id", externalConversationID).Error
		if err != nil {
			logging.Logger.Error("[AttachExternalID] Failed to attach external conversation id",
				zap.String("call_id", callID),
				zap.String("external_conversation_id", externalConversationID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		existing.ExternalConversationID = &externalConversationID

		return &existing, nil
	})
	if err != nil {
		return nil, err
	}

	updated, ok := result.(*Call)
	if !ok {
		return nil, ErrInvalidCallResult
	}

	return updated, nil
}

// GetByCallID returns the call or nil when absent.
func (callRepository *CallRepository) GetByCallID(ctx context.Context, callID string) (*Call, error) {
	return callRepository.getOne(ctx, "call_id = ?", callID)
}

// GetByExternalID returns the call or nil when absent.
func (callRepository *CallRepository) GetByExternalID(
	ctx context.Context,
	externalConversationID string,
) (*Call, error) {
	return callRepository.getOne(ctx, "external_conversation_id = ?", externalConversationID)
}

func (callRepository *CallRepository) getOne(ctx context.Context, query string, arg string) (*Call, error) {
	result, err := callRepository.CircuitBreaker.Execute(func() (any, error) {
		var found Call

		err := callRepository.DBConn.WithContext(ctx).
			Where(query, arg).
			First(&found).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return (*Call)(nil), nil
		}

		if err != nil {
			logging.Logger.Error("[getOne] Failed to fetch call - may cause circuit breaker trip",
				zap.String("query", query),
				zap.String("arg", arg),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return &found, nil
	})
	if err != nil {
		return nil, err
	}

	found, ok := result.(*Call)
	if !ok {
		return nil, ErrInvalidCallResult
	}

	return found, nil
}

// MarkFailed transitions the call identified by its local call_id to failed.
// Returns (nil, false, nil) when the call does not exist: absence is expected
// in races and the caller decides how to react. The second return reports
// whether the row actually changed, so re-applied terminal events stay no-ops.
func (callRepository *CallRepository) MarkFailed(
	ctx context.Context,
	callID string,
	update TerminalUpdate,
) (*Call, bool, error) {
	update.Status = StatusFailed

	return callRepository.markTerminal(ctx, "call_id = ?", callID, update)
}

// MarkCompleted transitions the call identified by the vendor conversation id
// to completed. This is the key the completion webhook carries.
func (callRepository *CallRepository) MarkCompleted(
	ctx context.Context,
	externalConversationID string,
	update TerminalUpdate,
) (*Call, bool, error) {
	update.Status = StatusCompleted

	return callRepository.markTerminal(ctx, "external_conversation_id = ?", externalConversationID, update)
}

func (callRepository *CallRepository) markTerminal(
	ctx context.Context,
	query, arg string,
	update TerminalUpdate,
) (*Call, bool, error) {
	changed := false

	result, err := callRepository.CircuitBreaker.Execute(func() (any, error) {
		var existing Call

		err := callRepository.DBConn.WithContext(ctx).
			Where(query, arg).
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return (*Call)(nil), nil
		}

		if err != nil {
			return nil, err
		}

		updates, apply := buildTerminalUpdates(&existing, update)
		if !apply {
			logging.Logger.Info("[markTerminal] Call already in terminal state, skipping",
				zap.String("call_id", existing.CallID),
				zap.String("status", existing.Status),
			)

			return &existing, nil
		}

		err = callRepository.DBConn.WithContext(ctx).
			Model(&existing).
			Where("call_id = ?", existing.CallID).
			Updates(updates).Error
		if err != nil {
			logging.Logger.Error("[markTerminal] Failed to update call status",
				zap.String("call_id", existing.CallID),
				zap.String("status", update.Status),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		applyTerminalUpdate(&existing, update)
		changed = true

		return &existing, nil
	})
	if err != nil {
		return nil, false, err
	}

	updated, ok := result.(*Call)
	if !ok {
		return nil, false, ErrInvalidCallResult
	}

	return updated, changed, nil
}

// ScheduleRetry increments retry_count and stamps next_retry_at. No-op
// returning nil when the retry budget is already spent.
func (callRepository *CallRepository) ScheduleRetry(
	ctx context.Context,
	callID string,
	nextRetryAt time.Time,
) (*Call, error) {
	result, err := callRepository.CircuitBreaker.Execute(func() (any, error) {
		var existing Call

		err := callRepository.DBConn.WithContext(ctx).
			Where("call_id = ?", callID).
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return (*Call)(nil), nil
		}

		if err != nil {
			return nil, err
		}

		if existing.RetryCount >= existing.MaxRetries {
			logging.Logger.Info("[ScheduleRetry] Retry budget exhausted, skipping",
				zap.String("call_id", callID),
				zap.Int("retry_count", existing.RetryCount),
				zap.Int("max_retries", existing.MaxRetries),
			)

			return (*Call)(nil), nil
		}

		updates := map[string]any{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"next_retry_at": nextRetryAt,
		}

		err = callRepository.DBConn.WithContext(ctx).
			Model(&existing).
			Where("call_id = ?", callID).
			Updates(updates).Error
		if err != nil {
			logging.Logger.Error("[ScheduleRetry] Failed to schedule retry",
				zap.String("call_id", callID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		existing.RetryCount++
		existing.NextRetryAt = &nextRetryAt

		return &existing, nil
	})
	if err != nil {
		return nil, err
	}

	updated, ok := result.(*Call)
	if !ok {
		return nil, ErrInvalidCallResult
	}

	return updated, nil
}

// ListStuckInProgress returns in_progress calls whose start time is older than
// the staleness threshold. Feeds the reconciliation sweep.
func (callRepository *CallRepository) ListStuckInProgress(
	ctx context.Context,
	olderThan time.Duration,
) ([]Call, error) {
	result, err := callRepository.CircuitBreaker.Execute(func() (any, error) {
		var stuck []Call

		err := callRepository.DBConn.WithContext(ctx).
			Where("status = ? AND call_start_time <= ?", StatusInProgress, time.Now().UTC().Add(-olderThan)).
			Order("call_start_time ASC").
			Find(&stuck).Error
		if err != nil {
			logging.Logger.Error("[ListStuckInProgress] Failed to fetch stuck calls",
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return stuck, nil
	})
	if err != nil {
		return nil, err
	}

	stuck, ok := result.([]Call)
	if !ok {
		return nil, ErrInvalidCallsResult
	}

	return stuck, nil
}
