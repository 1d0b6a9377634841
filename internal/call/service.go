package call

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"git.fleetops.dev/dispatch/golang/convoy/internal/config"
	"git.fleetops.dev/dispatch/golang/convoy/internal/elevenlabs"
	"git.fleetops.dev/dispatch/golang/convoy/internal/logging"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// PayloadArchiver is satisfied by minio.MinioClient.
type PayloadArchiver interface {
	Upload(ctx context.Context, buffer *bytes.Buffer, objectKey string) (string, error)
}

type CallService struct {
	Repository *CallRepository
	Dialer     elevenlabs.Dialer
	Publisher  EventPublisher
	Archiver   PayloadArchiver
}

func NewService(
	repository *CallRepository,
	dialer elevenlabs.Dialer,
	publisher EventPublisher,
	archiver PayloadArchiver,
) *CallService {
	return &CallService{
		Repository: repository,
		Dialer:     dialer,
		Publisher:  publisher,
		Archiver:   archiver,
	}
}

type PlacementRequest struct {
	CallID        string
	DriverID      *int64
	DriverName    string
	DriverPhone   string
	ViolationText []string
	ReminderText  []string
	CustomRule    string
	MaxRetries    int
	ParentCallID  *string
}

// PlaceOutboundCall persists the call record, dials the driver through the
// vendor and attaches the vendor conversation id. The record is created before
// dialing so a vendor failure still leaves a failed row behind.
func (callService *CallService) PlaceOutboundCall(
	ctx context.Context,
	req PlacementRequest,
) (*Call, error) {
	callID := req.CallID
	if callID == "" {
		callID = newCallID(req.DriverID)
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = config.Conf.CallMaxRetries
	}

	newCall := &Call{
		CallID:        callID,
		DriverID:      req.DriverID,
		Status:        StatusInProgress,
		CallStartTime: time.Now().UTC(),
		MaxRetries:    maxRetries,
		ParentCallID:  req.ParentCallID,
		DriverName:    req.DriverName,
		DriverPhone:   req.DriverPhone,
		ViolationText: datatypes.NewJSONSlice(req.ViolationText),
		ReminderText:  datatypes.NewJSONSlice(req.ReminderText),
		CustomRule:    req.CustomRule,
	}

	created, err := callService.Repository.Create(ctx, newCall)
	if err != nil {
		return nil, err
	}

	PublishEvent(callService.Publisher, EventCallCreated, created)

	conversationID, err := callService.Dialer.CreateOutboundCall(ctx, elevenlabs.OutboundCallRequest{
		ToNumber: req.DriverPhone,
		CallID:   callID,
		DynamicVariables: map[string]string{
			"driver_name":    req.DriverName,
			"violation_text": strings.Join(req.ViolationText, "\n"),
			"reminder_text":  strings.Join(req.ReminderText, "\n"),
			"custom_rule":    req.CustomRule,
		},
	})
	if err != nil {
		logging.Logger.Error("[PlaceOutboundCall] Vendor dial failed, marking call failed",
			zap.String("call_id", callID),
			zap.String("error", err.Error()),
		)

		failed, _, markErr := callService.Repository.MarkFailed(ctx, callID, TerminalUpdate{
			EndTime: time.Now().UTC(),
		})
		if markErr != nil {
			logging.Logger.Error("[PlaceOutboundCall] Failed to mark call failed after dial error",
				zap.String("call_id", callID),
				zap.String("error", markErr.Error()),
			)
		}

		if failed != nil {
			PublishEvent(callService.Publisher, EventCallFailed, failed)
		}

		return nil, err
	}

	attached, err := callService.Repository.AttachExternalID(ctx, callID, conversationID)
	if err != nil {
		return nil, err
	}

	logging.Logger.Info("[PlaceOutboundCall] Outbound call placed",
		zap.String("call_id", callID),
		zap.String("external_conversation_id", conversationID),
	)

	return attached, nil
}

// CompletionEvent is the normalized terminal outcome of a call, built either
// from the completion webhook or from the reconciliation sweep.
type CompletionEvent struct {
	ExternalConversationID string
	Failed                 bool
	EndTime                time.Time
	TranscriptSummary      *string
	CallDurationSeconds    *int
	CallCost               *float64
	CallSuccessful         *bool
	AnalysisData           datatypes.JSON
	MetadataBlob           datatypes.JSON
	RawPayload             []byte
}

// ApplyCompletion applies a terminal outcome keyed by the vendor conversation
// id. Returns the updated call and whether the row actually changed: a
// redelivered completion finds the call already terminal and reports
// changed=false so side effects run exactly once.
func (callService *CallService) ApplyCompletion(
	ctx context.Context,
	event CompletionEvent,
) (*Call, bool, error) {
	existing, err := callService.Repository.GetByExternalID(ctx, event.ExternalConversationID)
	if err != nil {
		return nil, false, err
	}

	if existing == nil {
		return nil, false, ErrCallNotFound
	}

	update := TerminalUpdate{
		EndTime:             event.EndTime,
		TranscriptSummary:   event.TranscriptSummary,
		CallDurationSeconds: event.CallDurationSeconds,
		CallCost:            event.CallCost,
		CallSuccessful:      event.CallSuccessful,
		AnalysisData:        event.AnalysisData,
		MetadataBlob:        event.MetadataBlob,
	}

	var (
		updated *Call
		changed bool
	)

	if event.Failed {
		updated, changed, err = callService.Repository.MarkFailed(ctx, existing.CallID, update)
	} else {
		updated, changed, err = callService.Repository.MarkCompleted(ctx, event.ExternalConversationID, update)
	}

	if err != nil {
		return nil, false, err
	}

	if updated == nil {
		return nil, false, ErrCallNotFound
	}

	if !changed {
		return updated, false, nil
	}

	callService.archivePayload(ctx, updated.CallID, event.RawPayload)

	eventType := EventCallCompleted
	if event.Failed {
		eventType = EventCallFailed
	}

	PublishEvent(callService.Publisher, eventType, updated)

	return updated, true, nil
}

// archivePayload stores the raw completion payload for audit. Best effort.
func (callService *CallService) archivePayload(ctx context.Context, callID string, payload []byte) {
	if callService.Archiver == nil || len(payload) == 0 {
		return
	}

	objectKey := path.Join(callID, "completion.json")

	_, err := callService.Archiver.Upload(ctx, bytes.NewBuffer(payload), objectKey)
	if err != nil {
		logging.Logger.Warn("[archivePayload] Failed to archive completion payload",
			zap.String("call_id", callID),
			zap.String("error", err.Error()),
		)
	}
}

func newCallID(driverID *int64) string {
	var id int64
	if driverID != nil {
		id = *driverID
	}

	return fmt.Sprintf("EL_%d_%d", id, time.Now().Unix())
}
