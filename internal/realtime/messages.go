package realtime

import (
	"time"

	"git.fleetops.dev/dispatch/golang/convoy/internal/call"
	"git.fleetops.dev/dispatch/golang/convoy/internal/transcription"
)

// Server to client frame types.
const (
	FrameTypeTranscription        = "transcription"
	FrameTypeCallStatus           = "call_status"
	FrameTypeCallCompleted        = "call_completed"
	FrameTypeSubscribeConfirmed   = "subscription_confirmed"
	FrameTypeUnsubscribeConfirmed = "unsubscribe_confirmed"
	FrameTypeError                = "error"
)

// Error frame codes.
const (
	ErrorCodeCallNotFound         = "CALL_NOT_FOUND"
	ErrorCodeInvalidMessageFormat = "INVALID_MESSAGE_FORMAT"
)

// ClientFrame is what a subscriber may send: exactly one of the fields set.
type ClientFrame struct {
	Subscribe   string `json:"subscribe,omitempty"`
	Unsubscribe string `json:"unsubscribe,omitempty"`
}

type TranscriptionFrame struct {
	Type           string    `json:"type"`
	CallID         string    `json:"call_id"`
	SequenceNumber int       `json:"sequence_number"`
	SpeakerType    string    `json:"speaker_type"`
	MessageText    string    `json:"message_text"`
	Timestamp      time.Time `json:"timestamp"`
}

type CallStatusFrame struct {
	Type        string     `json:"type"`
	CallID      string     `json:"call_id"`
	Status      string     `json:"status"`
	CallEndTime *time.Time `json:"call_end_time"`
}

type CallCompletedFrame struct {
	Type     string     `json:"type"`
	CallID   string     `json:"call_id"`
	CallData *call.Call `json:"call_data"`
}

type SubscribeConfirmedFrame struct {
	Type                   string  `json:"type"`
	CallID                 string  `json:"call_id"`
	ExternalConversationID *string `json:"external_conversation_id"`
	Status                 string  `json:"status"`
}

type UnsubscribeConfirmedFrame struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newTranscriptionFrame(c *call.Call, turn *transcription.Transcription) TranscriptionFrame {
	return TranscriptionFrame{
		Type:           FrameTypeTranscription,
		CallID:         c.CallID,
		SequenceNumber: turn.SequenceNumber,
		SpeakerType:    turn.Speaker,
		MessageText:    turn.MessageText,
		Timestamp:      turn.Timestamp,
	}
}
