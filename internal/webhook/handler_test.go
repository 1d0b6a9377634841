package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"git.fleetops.dev/dispatch/golang/convoy/internal/call"
	"git.fleetops.dev/dispatch/golang/convoy/internal/transcription"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

type fakeCallStore struct {
	calls map[string]*call.Call
	err   error
}

func (store *fakeCallStore) GetByCallID(ctx context.Context, callID string) (*call.Call, error) {
	if store.err != nil {
		return nil, store.err
	}

	return store.calls[callID], nil
}

type fakeTurnStore struct {
	nextSequence int
	err          error

	appended []transcription.Transcription
}

func (store *fakeTurnStore) Append(
	ctx context.Context,
	externalConversationID, speaker, messageText string,
) (*transcription.Transcription, error) {
	if store.err != nil {
		return nil, store.err
	}

	store.nextSequence++

	turn := transcription.Transcription{
		ID:                     uint(store.nextSequence),
		ExternalConversationID: externalConversationID,
		Speaker:                speaker,
		MessageText:            messageText,
		Timestamp:              time.Now().UTC(),
		SequenceNumber:         store.nextSequence,
	}

	store.appended = append(store.appended, turn)

	return &turn, nil
}

type fakeBroadcaster struct {
	transcriptions int
	completions    int
}

func (broadcaster *fakeBroadcaster) BroadcastTranscription(c *call.Call, turn *transcription.Transcription) {
	broadcaster.transcriptions++
}

func (broadcaster *fakeBroadcaster) BroadcastCompletion(c *call.Call) {
	broadcaster.completions++
}

type fakeCompletionApplier struct {
	result  *call.Call
	changed bool
	err     error

	events []call.CompletionEvent
}

func (applier *fakeCompletionApplier) ApplyCompletion(
	ctx context.Context,
	event call.CompletionEvent,
) (*call.Call, bool, error) {
	applier.events = append(applier.events, event)

	if applier.err != nil {
		return nil, false, applier.err
	}

	return applier.result, applier.changed, nil
}

type fakeCallPlacer struct {
	placed *call.Call
	err    error

	requests []call.PlacementRequest
}

func (placer *fakeCallPlacer) PlaceOutboundCall(
	ctx context.Context,
	req call.PlacementRequest,
) (*call.Call, error) {
	placer.requests = append(placer.requests, req)

	if placer.err != nil {
		return nil, placer.err
	}

	return placer.placed, nil
}

type handlerFixture struct {
	handler     *Handler
	calls       *fakeCallStore
	turns       *fakeTurnStore
	broadcaster *fakeBroadcaster
	completions *fakeCompletionApplier
	placer      *fakeCallPlacer
}

func newHandlerFixture() *handlerFixture {
	calls := &fakeCallStore{calls: make(map[string]*call.Call)}
	turns := &fakeTurnStore{}
	broadcaster := &fakeBroadcaster{}
	completions := &fakeCompletionApplier{}
	placer := &fakeCallPlacer{}

	return &handlerFixture{
		handler:     NewHandler(calls, turns, broadcaster, completions, placer),
		calls:       calls,
		turns:       turns,
		broadcaster: broadcaster,
		completions: completions,
		placer:      placer,
	}
}

func (fixture *handlerFixture) addCall(callID, externalConversationID string) *call.Call {
	added := &call.Call{
		CallID:        callID,
		Status:        call.StatusInProgress,
		CallStartTime: time.Now().UTC(),
	}

	if externalConversationID != "" {
		added.ExternalConversationID = &externalConversationID
	}

	fixture.calls.calls[callID] = added

	return added
}

func postJSON(t *testing.T, handlerFunc http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()

	request := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	recorder := httptest.NewRecorder()

	handlerFunc(recorder, request)

	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))

	return body
}

func TestHandleTranscriptionEventSuccess(t *testing.T) {
	fixture := newHandlerFixture()
	fixture.addCall("EL_1_400", "conv_400")

	recorder := postJSON(t, fixture.handler.HandleTranscriptionEvent,
		`{"call_id":"EL_1_400","speaker":"agent","message":"hello driver"}`)

	require.Equal(t, http.StatusCreated, recorder.Code)

	body := decodeBody(t, recorder)
	require.Equal(t, "success", body["status"])
	require.Equal(t, float64(1), body["sequence_number"])

	require.Len(t, fixture.turns.appended, 1)
	require.Equal(t, "conv_400", fixture.turns.appended[0].ExternalConversationID)
	require.Equal(t, transcription.SpeakerAgent, fixture.turns.appended[0].Speaker)
	require.Equal(t, 1, fixture.broadcaster.transcriptions)
}

func TestHandleTranscriptionEventSequenceAdvances(t *testing.T) {
	fixture := newHandlerFixture()
	fixture.addCall("EL_1_401", "conv_401")

	postJSON(t, fixture.handler.HandleTranscriptionEvent,
		`{"call_id":"EL_1_401","speaker":"agent","message":"hello"}`)
	recorder := postJSON(t, fixture.handler.HandleTranscriptionEvent,
		`{"call_id":"EL_1_401","speaker":"user","message":"hi"}`)

	require.Equal(t, http.StatusCreated, recorder.Code)

	body := decodeBody(t, recorder)
	require.Equal(t, float64(2), body["sequence_number"])
	require.Equal(t, transcription.SpeakerDriver, fixture.turns.appended[1].Speaker)
}

func TestHandleTranscriptionEventUnknownCall(t *testing.T) {
	fixture := newHandlerFixture()

	recorder := postJSON(t, fixture.handler.HandleTranscriptionEvent,
		`{"call_id":"missing","speaker":"agent","message":"hello"}`)

	require.Equal(t, http.StatusBadRequest, recorder.Code)
	require.Equal(t, "error", decodeBody(t, recorder)["status"])
	require.Empty(t, fixture.turns.appended)
	require.Zero(t, fixture.broadcaster.transcriptions)
}

func TestHandleTranscriptionEventConversationNotReady(t *testing.T) {
	fixture := newHandlerFixture()
	fixture.addCall("EL_1_402", "")

	recorder := postJSON(t, fixture.handler.HandleTranscriptionEvent,
		`{"call_id":"EL_1_402","speaker":"agent","message":"hello"}`)

	require.Equal(t, http.StatusBadRequest, recorder.Code)
	require.Empty(t, fixture.turns.appended)
}

func TestHandleTranscriptionEventInvalidSpeaker(t *testing.T) {
	fixture := newHandlerFixture()
	fixture.addCall("EL_1_403", "conv_403")

	recorder := postJSON(t, fixture.handler.HandleTranscriptionEvent,
		`{"call_id":"EL_1_403","speaker":"narrator","message":"hello"}`)

	require.Equal(t, http.StatusBadRequest, recorder.Code)
	require.Empty(t, fixture.turns.appended)
}

func TestHandleTranscriptionEventInvalidBody(t *testing.T) {
	fixture := newHandlerFixture()

	for _, body := range []string{
		`not json`,
		`{}`,
		`{"call_id":"EL_1_404"}`,
	} {
		recorder := postJSON(t, fixture.handler.HandleTranscriptionEvent, body)
		require.Equal(t, http.StatusBadRequest, recorder.Code, "body=%q", body)
	}
}

func TestHandleTranscriptionEventStoreFailure(t *testing.T) {
	fixture := newHandlerFixture()
	fixture.addCall("EL_1_405", "conv_405")
	fixture.turns.err = errors.New("connection refused")

	recorder := postJSON(t, fixture.handler.HandleTranscriptionEvent,
		`{"call_id":"EL_1_405","speaker":"agent","message":"hello"}`)

	require.Equal(t, http.StatusInternalServerError, recorder.Code)
	require.Zero(t, fixture.broadcaster.transcriptions)
}

func completionPayload(envelopeType, conversationID string, eventTimestamp int64) string {
	return fmt.Sprintf(`{
		"type": %q,
		"event_timestamp": %d,
		"data": {
			"conversation_id": %q,
			"status": "done",
			"metadata": {"call_duration_secs": 42, "cost": 0.5},
			"analysis": {"call_successful": true, "transcript_summary": "driver agreed"}
		}
	}`, envelopeType, eventTimestamp, conversationID)
}

func TestHandleCompletionEventSuccess(t *testing.T) {
	fixture := newHandlerFixture()
	fixture.completions.result = &call.Call{CallID: "EL_1_410", Status: call.StatusCompleted}
	fixture.completions.changed = true

	recorder := postJSON(t, fixture.handler.HandleCompletionEvent,
		completionPayload(EnvelopeTypePostCallTranscription, "conv_410", 1700000000))

	require.Equal(t, http.StatusOK, recorder.Code)

	body := decodeBody(t, recorder)
	require.Equal(t, "success", body["status"])
	require.Equal(t, "conv_410", body["conversation_id"])
	require.Equal(t, "EL_1_410", body["call_id"])
	require.Equal(t, call.StatusCompleted, body["call_status"])

	require.Len(t, fixture.completions.events, 1)

	event := fixture.completions.events[0]
	require.Equal(t, "conv_410", event.ExternalConversationID)
	require.False(t, event.Failed)
	require.Equal(t, time.Unix(1700000000, 0).UTC(), event.EndTime)
	require.NotNil(t, event.CallDurationSeconds)
	require.Equal(t, 42, *event.CallDurationSeconds)
	require.NotNil(t, event.CallCost)
	require.Equal(t, 0.5, *event.CallCost)
	require.NotNil(t, event.CallSuccessful)
	require.True(t, *event.CallSuccessful)
	require.NotNil(t, event.TranscriptSummary)
	require.Equal(t, "driver agreed", *event.TranscriptSummary)
	require.NotEmpty(t, event.RawPayload)

	require.Equal(t, 1, fixture.broadcaster.completions)
}

func TestHandleCompletionEventRedeliveryDoesNotRebroadcast(t *testing.T) {
	fixture := newHandlerFixture()
	fixture.completions.result = &call.Call{CallID: "EL_1_411", Status: call.StatusCompleted}
	fixture.completions.changed = false

	recorder := postJSON(t, fixture.handler.HandleCompletionEvent,
		completionPayload(EnvelopeTypePostCallTranscription, "conv_411", 1700000000))

	require.Equal(t, http.StatusOK, recorder.Code)
	require.Zero(t, fixture.broadcaster.completions)
}

func TestHandleCompletionEventInitiationFailureMarksFailed(t *testing.T) {
	fixture := newHandlerFixture()
	fixture.completions.result = &call.Call{CallID: "EL_1_412", Status: call.StatusFailed}
	fixture.completions.changed = true

	recorder := postJSON(t, fixture.handler.HandleCompletionEvent,
		completionPayload(EnvelopeTypeCallInitiationFailure, "conv_412", 1700000000))

	require.Equal(t, http.StatusOK, recorder.Code)
	require.Len(t, fixture.completions.events, 1)
	require.True(t, fixture.completions.events[0].Failed)
}

func TestHandleCompletionEventFailedStatusMarksFailed(t *testing.T) {
	fixture := newHandlerFixture()
	fixture.completions.result = &call.Call{CallID: "EL_1_413", Status: call.StatusFailed}
	fixture.completions.changed = true

	recorder := postJSON(t, fixture.handler.HandleCompletionEvent, `{
		"type": "post_call_transcription",
		"event_timestamp": 1700000000,
		"data": {"conversation_id": "conv_413", "status": "failed"}
	}`)

	require.Equal(t, http.StatusOK, recorder.Code)
	require.Len(t, fixture.completions.events, 1)
	require.True(t, fixture.completions.events[0].Failed)
}

func TestHandleCompletionEventUnknownConversation(t *testing.T) {
	fixture := newHandlerFixture()
	fixture.completions.err = call.ErrCallNotFound

	recorder := postJSON(t, fixture.handler.HandleCompletionEvent,
		completionPayload(EnvelopeTypePostCallTranscription, "conv_unknown", 1700000000))

	require.Equal(t, http.StatusNotFound, recorder.Code)
	require.Zero(t, fixture.broadcaster.completions)
}

func TestHandleCompletionEventMalformedEnvelope(t *testing.T) {
	fixture := newHandlerFixture()

	for _, body := range []string{
		`not json`,
		`{"type":"unexpected_type","event_timestamp":1700000000,"data":{"conversation_id":"conv_1"}}`,
		`{"type":"post_call_transcription","event_timestamp":1700000000,"data":{}}`,
		`{"type":"post_call_transcription","data":{"conversation_id":"conv_1"}}`,
	} {
		recorder := postJSON(t, fixture.handler.HandleCompletionEvent, body)
		require.Equal(t, http.StatusUnprocessableEntity, recorder.Code, "body=%q", body)
	}

	require.Empty(t, fixture.completions.events)
}

func TestHandleCompletionEventApplyFailure(t *testing.T) {
	fixture := newHandlerFixture()
	fixture.completions.err = errors.New("connection refused")

	recorder := postJSON(t, fixture.handler.HandleCompletionEvent,
		completionPayload(EnvelopeTypePostCallTranscription, "conv_414", 1700000000))

	require.Equal(t, http.StatusInternalServerError, recorder.Code)
}

func TestHandlePlaceCallSuccess(t *testing.T) {
	fixture := newHandlerFixture()
	fixture.placer.placed = &call.Call{CallID: "EL_1_420", Status: call.StatusInProgress}

	recorder := postJSON(t, fixture.handler.HandlePlaceCall, `{
		"driver_id": 7,
		"driver_name": "Sam",
		"driver_phone": "+15550001111",
		"violation_text": ["speeding"],
		"custom_rule": "confirm delivery window"
	}`)

	require.Equal(t, http.StatusCreated, recorder.Code)
	require.Len(t, fixture.placer.requests, 1)

	placed := fixture.placer.requests[0]
	require.Equal(t, "+15550001111", placed.DriverPhone)
	require.NotNil(t, placed.DriverID)
	require.Equal(t, int64(7), *placed.DriverID)
	require.Equal(t, []string{"speeding"}, placed.ViolationText)
}

func TestHandlePlaceCallMissingPhone(t *testing.T) {
	fixture := newHandlerFixture()

	recorder := postJSON(t, fixture.handler.HandlePlaceCall, `{"driver_name":"Sam"}`)

	require.Equal(t, http.StatusBadRequest, recorder.Code)
	require.Empty(t, fixture.placer.requests)
}

func TestHandlePlaceCallDuplicate(t *testing.T) {
	fixture := newHandlerFixture()
	fixture.placer.err = call.ErrDuplicateCallID

	recorder := postJSON(t, fixture.handler.HandlePlaceCall,
		`{"call_id":"EL_1_421","driver_phone":"+15550001111"}`)

	require.Equal(t, http.StatusConflict, recorder.Code)
}
