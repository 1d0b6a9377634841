package transcription

import (
	"errors"
	"time"
)

type Transcription struct {
	ID                     uint      `gorm:"column:id;primaryKey;autoIncrement"                                                       json:"id"`
	ExternalConversationID string    `gorm:"column:external_conversation_id;type:varchar(255);not null;uniqueIndex:idx_conv_seq"      json:"external_conversation_id"`
	Speaker                string    `gorm:"column:speaker;type:varchar(10);not null"                                                 json:"speaker"`
	MessageText            string    `gorm:"column:message_text;type:text;not null"                                                   json:"message_text"`
	Timestamp              time.Time `gorm:"column:timestamp;not null"                                                                json:"timestamp"`
	SequenceNumber         int       `gorm:"column:sequence_number;not null;uniqueIndex:idx_conv_seq"                                 json:"sequence_number"`
	CreatedAt              time.Time `gorm:"column:created_at;autoCreateTime"                                                         json:"created_at"`
}

func (Transcription) TableName() string {
	return "transcriptions"
}

// Canonical speaker labels. Vendor payloads say "agent" and "user"; storage
// and broadcast frames use these.
const (
	SpeakerAgent  = "AGENT"
	SpeakerDriver = "DRIVER"
)

var ErrInvalidSpeaker = errors.New("speaker must be agent or user")

// MapSpeaker maps the vendor speaker vocabulary to the canonical form. Any
// other label is rejected rather than guessed at.
func MapSpeaker(raw string) (string, error) {
	switch raw {
	case "agent", SpeakerAgent:
		return SpeakerAgent, nil
	case "user", SpeakerDriver:
		return SpeakerDriver, nil
	default:
		return "", ErrInvalidSpeaker
	}
}
