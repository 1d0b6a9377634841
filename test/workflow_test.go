package test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"git.fleetops.dev/dispatch/golang/convoy/internal/call"
	"git.fleetops.dev/dispatch/golang/convoy/internal/realtime"
	"git.fleetops.dev/dispatch/golang/convoy/internal/transcription"
	"git.fleetops.dev/dispatch/golang/convoy/internal/webhook"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestCallWorkflow(t *testing.T) {
	tc := setupWorkflow(t, func(dialer *fakeDialer) {})
	defer tc.cleanup()

	// Place the outbound call.
	response := tc.placeCall(t, `{
		"call_id": "EL_1_100",
		"driver_id": 7,
		"driver_name": "Sam",
		"driver_phone": "+15550001111",
		"violation_text": ["speeding"],
		"custom_rule": "confirm delivery window"
	}`)
	require.Equal(t, http.StatusCreated, response.StatusCode)

	body := decodeResponse(t, response)
	require.Equal(t, "success", body["status"])

	placed, err := tc.calls.GetByCallID(context.Background(), "EL_1_100")
	require.NoError(t, err)
	require.NotNil(t, placed)
	require.Equal(t, call.StatusInProgress, placed.Status)
	require.NotNil(t, placed.ExternalConversationID)
	require.Equal(t, testConversationID, *placed.ExternalConversationID)

	require.Len(t, tc.dialer.requests, 1)
	require.Equal(t, "+15550001111", tc.dialer.requests[0].ToNumber)
	require.Equal(t, "EL_1_100", tc.dialer.requests[0].CallID)

	// Stream two conversation turns through the turn webhook.
	response = tc.postSigned(t, "/webhooks/transcription",
		`{"call_id":"EL_1_100","speaker":"agent","message":"hello, this is dispatch"}`)
	require.Equal(t, http.StatusCreated, response.StatusCode)

	body = decodeResponse(t, response)
	require.Equal(t, float64(1), body["sequence_number"])

	response = tc.postSigned(t, "/webhooks/transcription",
		`{"call_id":"EL_1_100","speaker":"user","message":"hi"}`)
	require.Equal(t, http.StatusCreated, response.StatusCode)

	body = decodeResponse(t, response)
	require.Equal(t, float64(2), body["sequence_number"])

	// A late subscriber gets the confirmed subscription plus the full replay.
	conn := tc.dialWebsocket(t)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"subscribe": "EL_1_100"}))

	frame := readFrame(t, conn)
	require.Equal(t, "subscription_confirmed", frame["type"])
	require.Equal(t, "EL_1_100", frame["call_id"])

	frame = readFrame(t, conn)
	require.Equal(t, "transcription", frame["type"])
	require.Equal(t, float64(1), frame["sequence_number"])
	require.Equal(t, transcription.SpeakerAgent, frame["speaker_type"])

	frame = readFrame(t, conn)
	require.Equal(t, "transcription", frame["type"])
	require.Equal(t, float64(2), frame["sequence_number"])
	require.Equal(t, transcription.SpeakerDriver, frame["speaker_type"])

	// Live turns arrive as they are ingested.
	response = tc.postSigned(t, "/webhooks/transcription",
		`{"call_id":"EL_1_100","speaker":"agent","message":"you have one open violation"}`)
	require.Equal(t, http.StatusCreated, response.StatusCode)
	require.NoError(t, response.Body.Close())

	frame = readFrame(t, conn)
	require.Equal(t, "transcription", frame["type"])
	require.Equal(t, float64(3), frame["sequence_number"])

	// Completion finalizes the call and notifies the subscriber with the
	// status frame first, then the full record.
	completion := fmt.Sprintf(`{
		"type": "post_call_transcription",
		"event_timestamp": 1700000000,
		"data": {
			"conversation_id": %q,
			"status": "done",
			"metadata": {"call_duration_secs": 42, "cost": 0.5},
			"analysis": {"call_successful": true, "transcript_summary": "driver agreed"}
		}
	}`, testConversationID)

	response = tc.postSigned(t, "/webhooks/call-completion", completion)
	require.Equal(t, http.StatusOK, response.StatusCode)

	body = decodeResponse(t, response)
	require.Equal(t, "EL_1_100", body["call_id"])
	require.Equal(t, call.StatusCompleted, body["call_status"])

	frame = readFrame(t, conn)
	require.Equal(t, "call_status", frame["type"])
	require.Equal(t, call.StatusCompleted, frame["status"])

	frame = readFrame(t, conn)
	require.Equal(t, "call_completed", frame["type"])
	require.NotNil(t, frame["call_data"])

	completed, err := tc.calls.GetByExternalID(context.Background(), testConversationID)
	require.NoError(t, err)
	require.NotNil(t, completed)
	require.Equal(t, call.StatusCompleted, completed.Status)
	require.NotNil(t, completed.CallEndTime)
	require.Equal(t, time.Unix(1700000000, 0).UTC(), completed.CallEndTime.UTC())
	require.NotNil(t, completed.CallDurationSeconds)
	require.Equal(t, 42, *completed.CallDurationSeconds)
	require.NotNil(t, completed.TranscriptSummary)
	require.Equal(t, "driver agreed", *completed.TranscriptSummary)

	// The raw completion payload was archived once under the call id.
	require.Len(t, tc.archiver.objects, 1)
	require.Contains(t, tc.archiver.objects, "EL_1_100/completion.json")

	// Lifecycle events were published for creation and completion.
	eventTypes := tc.publisher.eventTypes(t)
	require.Contains(t, eventTypes, call.EventCallCreated)
	require.Contains(t, eventTypes, call.EventCallCompleted)

	eventsBefore := len(tc.publisher.messages)

	// Redelivered completion is acknowledged but applies nothing.
	response = tc.postSigned(t, "/webhooks/call-completion", completion)
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.NoError(t, response.Body.Close())

	require.Len(t, tc.archiver.objects, 1)
	require.Len(t, tc.publisher.messages, eventsBefore)

	redelivered, err := tc.calls.GetByExternalID(context.Background(), testConversationID)
	require.NoError(t, err)
	require.Equal(t, call.StatusCompleted, redelivered.Status)
}

func TestCompletionForUnknownConversation(t *testing.T) {
	tc := setupWorkflow(t, func(dialer *fakeDialer) {})
	defer tc.cleanup()

	response := tc.postSigned(t, "/webhooks/call-completion", `{
		"type": "post_call_transcription",
		"event_timestamp": 1700000000,
		"data": {"conversation_id": "conv_unknown", "status": "done"}
	}`)

	require.Equal(t, http.StatusNotFound, response.StatusCode)
	require.NoError(t, response.Body.Close())
}

func TestTurnWebhookBeforeVendorAck(t *testing.T) {
	tc := setupWorkflow(t, func(dialer *fakeDialer) {})
	defer tc.cleanup()

	// Create the row directly so no conversation id is attached yet.
	_, err := tc.calls.Create(context.Background(), &call.Call{
		CallID:        "EL_1_101",
		Status:        call.StatusInProgress,
		CallStartTime: time.Now().UTC(),
		MaxRetries:    3,
	})
	require.NoError(t, err)

	response := tc.postSigned(t, "/webhooks/transcription",
		`{"call_id":"EL_1_101","speaker":"agent","message":"hello"}`)

	require.Equal(t, http.StatusBadRequest, response.StatusCode)
	require.NoError(t, response.Body.Close())
}

func TestWebhookSignatureRejected(t *testing.T) {
	tc := setupWorkflow(t, func(dialer *fakeDialer) {})
	defer tc.cleanup()

	body := `{"call_id":"EL_1_100","speaker":"agent","message":"hello"}`

	request, err := http.NewRequest(
		http.MethodPost,
		tc.httpServer.URL+"/webhooks/transcription",
		strings.NewReader(body),
	)
	require.NoError(t, err)

	request.Header.Set("ElevenLabs-Signature",
		webhook.SignBody("wrong-secret", time.Now().Unix(), []byte(body)))

	response, err := tc.httpServer.Client().Do(request)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, response.StatusCode)
	require.NoError(t, response.Body.Close())
}

func TestPlaceCallRequiresAPIKey(t *testing.T) {
	tc := setupWorkflow(t, func(dialer *fakeDialer) {})
	defer tc.cleanup()

	response, err := tc.httpServer.Client().Post(
		tc.httpServer.URL+"/api/calls",
		"application/json",
		strings.NewReader(`{"driver_phone":"+15550001111"}`),
	)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, response.StatusCode)
	require.NoError(t, response.Body.Close())
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	tc := setupWorkflow(t, func(dialer *fakeDialer) {})
	defer tc.cleanup()

	wsURL := "ws" + strings.TrimPrefix(tc.httpServer.URL, "http") + "/ws?token=bogus"

	_, response, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, response)
	require.Equal(t, http.StatusUnauthorized, response.StatusCode)
}

func TestDialFailureLeavesFailedRecord(t *testing.T) {
	tc := setupWorkflow(t, func(dialer *fakeDialer) {
		dialer.dialErr = errors.New("vendor unreachable: connection refused")
	})
	defer tc.cleanup()

	response := tc.placeCall(t, `{"call_id":"EL_1_102","driver_phone":"+15550001111"}`)
	require.Equal(t, http.StatusInternalServerError, response.StatusCode)
	require.NoError(t, response.Body.Close())

	failed, err := tc.calls.GetByCallID(context.Background(), "EL_1_102")
	require.NoError(t, err)
	require.NotNil(t, failed)
	require.Equal(t, call.StatusFailed, failed.Status)

	eventTypes := tc.publisher.eventTypes(t)
	require.Contains(t, eventTypes, call.EventCallCreated)
	require.Contains(t, eventTypes, call.EventCallFailed)
}

func TestWebsocketSubscribeUnknownCall(t *testing.T) {
	tc := setupWorkflow(t, func(dialer *fakeDialer) {})
	defer tc.cleanup()

	conn := tc.dialWebsocket(t)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"subscribe": "no-such-call"}))

	frame := readFrame(t, conn)
	require.Equal(t, "error", frame["type"])
	require.Equal(t, realtime.ErrorCodeCallNotFound, frame["code"])
}
