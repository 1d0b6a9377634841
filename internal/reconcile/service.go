package reconcile

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"git.fleetops.dev/dispatch/golang/convoy/internal/call"
	"git.fleetops.dev/dispatch/golang/convoy/internal/config"
	"git.fleetops.dev/dispatch/golang/convoy/internal/driver"
	"git.fleetops.dev/dispatch/golang/convoy/internal/elevenlabs"
	"git.fleetops.dev/dispatch/golang/convoy/internal/logging"
	"git.fleetops.dev/dispatch/golang/convoy/internal/schedule"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type CallStore interface {
	ListStuckInProgress(ctx context.Context, olderThan time.Duration) ([]call.Call, error)
	MarkFailed(ctx context.Context, callID string, update call.TerminalUpdate) (*call.Call, bool, error)
	ScheduleRetry(ctx context.Context, callID string, nextRetryAt time.Time) (*call.Call, error)
}

type CompletionApplier interface {
	ApplyCompletion(ctx context.Context, event call.CompletionEvent) (*call.Call, bool, error)
}

type RetryStore interface {
	Create(ctx context.Context, scheduledCall *schedule.ScheduledCall) (*schedule.ScheduledCall, error)
	HasPendingForParent(ctx context.Context, parentCallID string) (bool, error)
}

type DriverLookup interface {
	GetByID(ctx context.Context, id int64) (*driver.Driver, error)
}

type Broadcaster interface {
	BroadcastCompletion(c *call.Call)
}

// ReconcileService resolves calls stuck in progress past the staleness
// threshold: their completion webhook never arrived, so vendor state is
// fetched directly and the call is finalized or retried.
type ReconcileService struct {
	Calls       CallStore
	Completions CompletionApplier
	Retries     RetryStore
	Drivers     DriverLookup
	Vendor      elevenlabs.Dialer
	Broadcaster Broadcaster
	Publisher   call.EventPublisher
}

func NewService(
	calls CallStore,
	completions CompletionApplier,
	retries RetryStore,
	drivers DriverLookup,
	vendor elevenlabs.Dialer,
	broadcaster Broadcaster,
	publisher call.EventPublisher,
) *ReconcileService {
	return &ReconcileService{
		Calls:       calls,
		Completions: completions,
		Retries:     retries,
		Drivers:     drivers,
		Vendor:      vendor,
		Broadcaster: broadcaster,
		Publisher:   publisher,
	}
}

func (reconcileService *ReconcileService) ListStuck(ctx context.Context) ([]call.Call, error) {
	olderThan := time.Duration(config.Conf.ReconcileStaleSeconds) * time.Second

	return reconcileService.Calls.ListStuckInProgress(ctx, olderThan)
}

// ReconcileOne settles a single stuck call. Transient vendor errors leave the
// call in progress for the next sweep rather than misclassifying it as
// failed.
func (reconcileService *ReconcileService) ReconcileOne(ctx context.Context, stuckCall call.Call) {
	if stuckCall.ExternalConversationID == nil {
		reconcileService.failUnacknowledged(ctx, stuckCall)
		return
	}

	vendorCtx, cancel := context.WithTimeout(
		ctx,
		time.Duration(config.Conf.ReconcileVendorTimeout)*time.Second,
	)
	defer cancel()

	state, err := reconcileService.Vendor.GetConversation(vendorCtx, *stuckCall.ExternalConversationID)
	if errors.Is(err, elevenlabs.ErrConversationNotFound) {
		logging.Logger.Warn("[ReconcileOne] Vendor has no record of conversation, failing call",
			zap.String("call_id", stuckCall.CallID),
			zap.String("external_conversation_id", *stuckCall.ExternalConversationID),
		)

		reconcileService.applyOutcome(ctx, stuckCall, call.CompletionEvent{
			ExternalConversationID: *stuckCall.ExternalConversationID,
			Failed:                 true,
			EndTime:                time.Now().UTC(),
		})

		return
	}

	if err != nil {
		logging.Logger.Warn("[ReconcileOne] Vendor fetch failed, leaving call for next sweep",
			zap.String("call_id", stuckCall.CallID),
			zap.String("error", err.Error()),
		)

		return
	}

	if state.IsActive() || state.Status == elevenlabs.ConversationStatusProcessing {
		logging.Logger.Debug("[ReconcileOne] Conversation still active on vendor side, skipping",
			zap.String("call_id", stuckCall.CallID),
			zap.String("vendor_status", state.Status),
		)

		return
	}

	reconcileService.applyOutcome(ctx, stuckCall, call.CompletionEvent{
		ExternalConversationID: *stuckCall.ExternalConversationID,
		Failed:                 classifyFailed(state),
		EndTime:                time.Now().UTC(),
		TranscriptSummary:      state.TranscriptSummary,
		CallDurationSeconds:    state.CallDurationSeconds,
		CallCost:               state.CallCost,
		CallSuccessful:         state.CallSuccessful,
		AnalysisData:           datatypes.JSON(state.Analysis),
		MetadataBlob:           datatypes.JSON(state.Metadata),
	})
}

// failUnacknowledged handles a call the vendor never acknowledged: there is
// no conversation id to fetch, so it fails immediately.
func (reconcileService *ReconcileService) failUnacknowledged(ctx context.Context, stuckCall call.Call) {
	logging.Logger.Info("[failUnacknowledged] Vendor never acknowledged call, failing",
		zap.String("call_id", stuckCall.CallID),
	)

	failed, changed, err := reconcileService.Calls.MarkFailed(ctx, stuckCall.CallID, call.TerminalUpdate{
		EndTime: time.Now().UTC(),
	})
	if err != nil || failed == nil {
		return
	}

	if changed {
		reconcileService.Broadcaster.BroadcastCompletion(failed)
		call.PublishEvent(reconcileService.Publisher, call.EventCallFailed, failed)
	}

	reconcileService.scheduleRetry(ctx, failed)
}

func (reconcileService *ReconcileService) applyOutcome(
	ctx context.Context,
	stuckCall call.Call,
	event call.CompletionEvent,
) {
	updated, changed, err := reconcileService.Completions.ApplyCompletion(ctx, event)
	if err != nil {
		logging.Logger.Error("[applyOutcome] Failed to apply reconciled outcome",
			zap.String("call_id", stuckCall.CallID),
			zap.String("error", err.Error()),
		)

		return
	}

	if changed {
		reconcileService.Broadcaster.BroadcastCompletion(updated)
	}

	if event.Failed {
		reconcileService.scheduleRetry(ctx, updated)
	}
}

// scheduleRetry stamps next_retry_at on the failed call and enqueues one
// pending retry entry carrying the dialing context forward. The pending-entry
// guard keeps repeated sweeps from enqueueing duplicates before the schedule
// fires.
func (reconcileService *ReconcileService) scheduleRetry(ctx context.Context, failedCall *call.Call) {
	if failedCall.RetryCount >= failedCall.MaxRetries {
		logging.Logger.Info("[scheduleRetry] Retry budget exhausted",
			zap.String("call_id", failedCall.CallID),
			zap.Int("retry_count", failedCall.RetryCount),
		)

		return
	}

	pending, err := reconcileService.Retries.HasPendingForParent(ctx, failedCall.CallID)
	if err != nil || pending {
		return
	}

	nextRetryAt := time.Now().UTC().Add(retryDelay(failedCall.RetryCount))

	updated, err := reconcileService.Calls.ScheduleRetry(ctx, failedCall.CallID, nextRetryAt)
	if err != nil || updated == nil {
		return
	}

	driverPhone := failedCall.DriverPhone
	driverName := failedCall.DriverName

	if driverPhone == "" && failedCall.DriverID != nil {
		found, err := reconcileService.Drivers.GetByID(ctx, *failedCall.DriverID)
		if err == nil && found != nil {
			driverPhone = found.Phone
			driverName = found.Name
		}
	}

	_, err = reconcileService.Retries.Create(ctx, &schedule.ScheduledCall{
		DriverID:      failedCall.DriverID,
		DriverName:    driverName,
		DriverPhone:   driverPhone,
		ViolationText: failedCall.ViolationText,
		ReminderText:  failedCall.ReminderText,
		CustomRule:    failedCall.CustomRule,
		ScheduledTime: nextRetryAt,
		RetryCount:    updated.RetryCount,
		ParentCallID:  failedCall.CallID,
	})
	if err != nil {
		logging.Logger.Error("[scheduleRetry] Failed to create scheduled call",
			zap.String("call_id", failedCall.CallID),
			zap.String("error", err.Error()),
		)

		return
	}

	call.PublishEvent(reconcileService.Publisher, call.EventCallRetryScheduled, updated)

	logging.Logger.Info("[scheduleRetry] Retry scheduled",
		zap.String("call_id", failedCall.CallID),
		zap.Int("retry_count", updated.RetryCount),
		zap.Time("next_retry_at", nextRetryAt),
	)
}

// classifyFailed decides whether a vendor-terminal conversation counts as a
// failed call: explicit failure, never answered, explicit unsuccessful flag,
// or voicemail pickup.
func classifyFailed(state *elevenlabs.ConversationState) bool {
	if state.Status == elevenlabs.ConversationStatusFailed {
		return true
	}

	if state.CallDurationSeconds != nil && *state.CallDurationSeconds < config.Conf.CallMinAnswerSeconds {
		return true
	}

	if state.CallSuccessful != nil && !*state.CallSuccessful {
		return true
	}

	return strings.Contains(strings.ToLower(state.TerminationReason), elevenlabs.TerminationReasonVoicemail)
}

// retryDelay returns the backoff before the next attempt. The schedule is a
// short increasing list of minutes; attempts beyond its length reuse the last
// entry.
func retryDelay(retryCount int) time.Duration {
	parts := strings.Split(config.Conf.CallRetryDelaysMinutes, ",")

	delays := make([]int, 0, len(parts))

	for _, part := range parts {
		minutes, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || minutes <= 0 {
			continue
		}

		delays = append(delays, minutes)
	}

	if len(delays) == 0 {
		return time.Minute
	}

	index := retryCount
	if index >= len(delays) {
		index = len(delays) - 1
	}

	return time.Duration(delays[index]) * time.Minute
}
