package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"git.fleetops.dev/dispatch/golang/convoy/internal/call"
	"git.fleetops.dev/dispatch/golang/convoy/internal/logging"
	prometheusConvoy "git.fleetops.dev/dispatch/golang/convoy/internal/prometheus"
	"git.fleetops.dev/dispatch/golang/convoy/internal/transcription"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// Vendor completion envelope types.
const (
	EnvelopeTypePostCallTranscription = "post_call_transcription"
	EnvelopeTypeCallInitiationFailure = "call_initiation_failure"
)

type CallStore interface {
	GetByCallID(ctx context.Context, callID string) (*call.Call, error)
}

type TurnStore interface {
	Append(ctx context.Context, externalConversationID, speaker, messageText string) (*transcription.Transcription, error)
}

type Broadcaster interface {
	BroadcastTranscription(c *call.Call, turn *transcription.Transcription)
	BroadcastCompletion(c *call.Call)
}

type CompletionApplier interface {
	ApplyCompletion(ctx context.Context, event call.CompletionEvent) (*call.Call, bool, error)
}

type CallPlacer interface {
	PlaceOutboundCall(ctx context.Context, req call.PlacementRequest) (*call.Call, error)
}

type Handler struct {
	Calls       CallStore
	Turns       TurnStore
	Broadcaster Broadcaster
	Completions CompletionApplier
	Placer      CallPlacer
}

func NewHandler(
	calls CallStore,
	turns TurnStore,
	broadcaster Broadcaster,
	completions CompletionApplier,
	placer CallPlacer,
) *Handler {
	return &Handler{
		Calls:       calls,
		Turns:       turns,
		Broadcaster: broadcaster,
		Completions: completions,
		Placer:      placer,
	}
}

type errorEnvelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	err := json.NewEncoder(w).Encode(body)
	if err != nil {
		logging.Logger.Error("Failed to encode response body", zap.String("error", err.Error()))
	}
}

func writeError(w http.ResponseWriter, statusCode int, message string, details any) {
	writeJSON(w, statusCode, errorEnvelope{
		Status:  "error",
		Message: message,
		Details: details,
	})
}

type turnEventRequest struct {
	CallID  string `json:"call_id"`
	Speaker string `json:"speaker"`
	Message string `json:"message"`
}

type turnEventResponse struct {
	Status          string `json:"status"`
	Message         string `json:"message"`
	TranscriptionID uint   `json:"transcription_id"`
	SequenceNumber  int    `json:"sequence_number"`
}

// HandleTranscriptionEvent ingests one turn-level webhook: resolve the call,
// require the vendor conversation id to be attached already, append with the
// next sequence number and fan the new turn out to subscribers. Broadcast
// failure never fails the response: the vendor must see success so it does
// not retry and duplicate the turn.
func (handler *Handler) HandleTranscriptionEvent(w http.ResponseWriter, r *http.Request) {
	var req turnEventRequest

	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil || req.CallID == "" || req.Message == "" {
		prometheusConvoy.WebhookEventsTotal.WithLabelValues("transcription", "invalid").Inc()
		writeError(w, http.StatusBadRequest, "invalid request body", "call_id, speaker and message are required")

		return
	}

	resolved, err := handler.Calls.GetByCallID(r.Context(), req.CallID)
	if err != nil {
		prometheusConvoy.WebhookEventsTotal.WithLabelValues("transcription", "error").Inc()
		writeError(w, http.StatusInternalServerError, "failed to resolve call", nil)

		return
	}

	if resolved == nil {
		prometheusConvoy.WebhookEventsTotal.WithLabelValues("transcription", "not_found").Inc()
		writeError(w, http.StatusBadRequest, "call not found", req.CallID)

		return
	}

	if resolved.ExternalConversationID == nil {
		prometheusConvoy.WebhookEventsTotal.WithLabelValues("transcription", "not_ready").Inc()
		writeError(w, http.StatusBadRequest, "conversation not ready", "call has no external conversation id yet")

		return
	}

	speaker, err := transcription.MapSpeaker(req.Speaker)
	if err != nil {
		prometheusConvoy.WebhookEventsTotal.WithLabelValues("transcription", "invalid").Inc()
		writeError(w, http.StatusBadRequest, "invalid speaker", req.Speaker)

		return
	}

	turn, err := handler.Turns.Append(r.Context(), *resolved.ExternalConversationID, speaker, req.Message)
	if err != nil {
		prometheusConvoy.WebhookEventsTotal.WithLabelValues("transcription", "error").Inc()
		writeError(w, http.StatusInternalServerError, "failed to store transcription", nil)

		return
	}

	handler.Broadcaster.BroadcastTranscription(resolved, turn)

	prometheusConvoy.WebhookEventsTotal.WithLabelValues("transcription", "success").Inc()

	writeJSON(w, http.StatusCreated, turnEventResponse{
		Status:          "success",
		Message:         "transcription stored",
		TranscriptionID: turn.ID,
		SequenceNumber:  turn.SequenceNumber,
	})
}

type completionEnvelope struct {
	Type           string `json:"type"`
	EventTimestamp int64  `json:"event_timestamp"`
	Data           struct {
		ConversationID string          `json:"conversation_id"`
		Status         string          `json:"status"`
		Metadata       json.RawMessage `json:"metadata"`
		Analysis       json.RawMessage `json:"analysis"`
	} `json:"data"`
}

type completionMetadata struct {
	CallDurationSecs *int     `json:"call_duration_secs"`
	Cost             *float64 `json:"cost"`
}

type completionAnalysis struct {
	CallSuccessful    *bool   `json:"call_successful"`
	TranscriptSummary *string `json:"transcript_summary"`
}

type completionResponse struct {
	Status         string `json:"status"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
	CallID         string `json:"call_id"`
	CallStatus     string `json:"call_status"`
}

// HandleCompletionEvent ingests the terminal webhook. The transition is
// idempotent: a redelivered payload finds the call already terminal and the
// broadcast is not repeated.
func (handler *Handler) HandleCompletionEvent(w http.ResponseWriter, r *http.Request) {
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		prometheusConvoy.WebhookEventsTotal.WithLabelValues("completion", "invalid").Inc()
		writeError(w, http.StatusUnprocessableEntity, "failed to read request body", nil)

		return
	}

	var envelope completionEnvelope

	err = json.Unmarshal(rawBody, &envelope)
	if err != nil {
		prometheusConvoy.WebhookEventsTotal.WithLabelValues("completion", "invalid").Inc()
		writeError(w, http.StatusUnprocessableEntity, "malformed envelope", err.Error())

		return
	}

	if envelope.Type != EnvelopeTypePostCallTranscription && envelope.Type != EnvelopeTypeCallInitiationFailure {
		prometheusConvoy.WebhookEventsTotal.WithLabelValues("completion", "invalid").Inc()
		writeError(w, http.StatusUnprocessableEntity, "unknown envelope type", envelope.Type)

		return
	}

	if envelope.Data.ConversationID == "" || envelope.EventTimestamp <= 0 {
		prometheusConvoy.WebhookEventsTotal.WithLabelValues("completion", "invalid").Inc()
		writeError(w, http.StatusUnprocessableEntity, "malformed envelope", "conversation_id and event_timestamp are required")

		return
	}

	event := buildCompletionEvent(envelope, rawBody)

	updated, changed, err := handler.Completions.ApplyCompletion(r.Context(), event)
	if errors.Is(err, call.ErrCallNotFound) {
		prometheusConvoy.WebhookEventsTotal.WithLabelValues("completion", "not_found").Inc()
		writeError(w, http.StatusNotFound, "conversation not found", envelope.Data.ConversationID)

		return
	}

	if err != nil {
		prometheusConvoy.WebhookEventsTotal.WithLabelValues("completion", "error").Inc()
		writeError(w, http.StatusInternalServerError, "failed to apply completion", nil)

		return
	}

	if changed {
		handler.Broadcaster.BroadcastCompletion(updated)
	}

	prometheusConvoy.WebhookEventsTotal.WithLabelValues("completion", "success").Inc()

	writeJSON(w, http.StatusOK, completionResponse{
		Status:         "success",
		Message:        "completion applied",
		ConversationID: envelope.Data.ConversationID,
		CallID:         updated.CallID,
		CallStatus:     updated.Status,
	})
}

// buildCompletionEvent normalizes the vendor envelope. The vendor-supplied
// event timestamp is authoritative for the end time since the event is
// terminal and idempotent-safe.
func buildCompletionEvent(envelope completionEnvelope, rawBody []byte) call.CompletionEvent {
	failed := envelope.Type == EnvelopeTypeCallInitiationFailure ||
		envelope.Data.Status == "failed"

	event := call.CompletionEvent{
		ExternalConversationID: envelope.Data.ConversationID,
		Failed:                 failed,
		EndTime:                time.Unix(envelope.EventTimestamp, 0).UTC(),
		RawPayload:             rawBody,
	}

	if envelope.Data.Metadata != nil {
		event.MetadataBlob = datatypes.JSON(envelope.Data.Metadata)

		var metadata completionMetadata
		if json.Unmarshal(envelope.Data.Metadata, &metadata) == nil {
			event.CallDurationSeconds = metadata.CallDurationSecs
			event.CallCost = metadata.Cost
		}
	}

	if envelope.Data.Analysis != nil {
		event.AnalysisData = datatypes.JSON(envelope.Data.Analysis)

		var analysis completionAnalysis
		if json.Unmarshal(envelope.Data.Analysis, &analysis) == nil {
			event.CallSuccessful = analysis.CallSuccessful
			event.TranscriptSummary = analysis.TranscriptSummary
		}
	}

	return event
}

type placeCallRequest struct {
	CallID        string   `json:"call_id"`
	DriverID      *int64   `json:"driver_id"`
	DriverName    string   `json:"driver_name"`
	DriverPhone   string   `json:"driver_phone"`
	ViolationText []string `json:"violation_text"`
	ReminderText  []string `json:"reminder_text"`
	CustomRule    string   `json:"custom_rule"`
	MaxRetries    int      `json:"max_retries"`
}

type placeCallResponse struct {
	Status string     `json:"status"`
	Call   *call.Call `json:"call"`
}

// HandlePlaceCall creates a call record and dials the driver through the
// vendor.
func (handler *Handler) HandlePlaceCall(w http.ResponseWriter, r *http.Request) {
	var req placeCallRequest

	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil || req.DriverPhone == "" {
		writeError(w, http.StatusBadRequest, "invalid request body", "driver_phone is required")
		return
	}

	placed, err := handler.Placer.PlaceOutboundCall(r.Context(), call.PlacementRequest{
		CallID:        req.CallID,
		DriverID:      req.DriverID,
		DriverName:    req.DriverName,
		DriverPhone:   req.DriverPhone,
		ViolationText: req.ViolationText,
		ReminderText:  req.ReminderText,
		CustomRule:    req.CustomRule,
		MaxRetries:    req.MaxRetries,
	})
	if errors.Is(err, call.ErrDuplicateCallID) {
		writeError(w, http.StatusConflict, "call_id already exists", req.CallID)
		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to place call", nil)
		return
	}

	writeJSON(w, http.StatusCreated, placeCallResponse{
		Status: "success",
		Call:   placed,
	})
}
