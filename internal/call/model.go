package call

import (
	"time"

	"gorm.io/datatypes"
)

type Call struct {
	CallID                 string                      `gorm:"column:call_id;type:varchar(255);primaryKey;not null"           json:"call_id"`
	DriverID               *int64                      `gorm:"column:driver_id"                                               json:"driver_id"`
	ExternalConversationID *string                     `gorm:"column:external_conversation_id;type:varchar(255);uniqueIndex"  json:"external_conversation_id"`
	Status                 string                      `gorm:"column:status;type:varchar(20);default:'in_progress';not null"  json:"status"`
	CallStartTime          time.Time                   `gorm:"column:call_start_time;not null"                                json:"call_start_time"`
	CallEndTime            *time.Time                  `gorm:"column:call_end_time"                                           json:"call_end_time"`
	RetryCount             int                         `gorm:"column:retry_count;default:0;not null"                          json:"retry_count"`
	MaxRetries             int                         `gorm:"column:max_retries;default:3;not null"                          json:"max_retries"`
	NextRetryAt            *time.Time                  `gorm:"column:next_retry_at"                                           json:"next_retry_at"`
	ParentCallID           *string                     `gorm:"column:parent_call_id;type:varchar(255)"                        json:"parent_call_id"`
	DriverName             string                      `gorm:"column:driver_name"                                             json:"driver_name"`
	DriverPhone            string                      `gorm:"column:driver_phone"                                            json:"driver_phone"`
	ViolationText          datatypes.JSONSlice[string] `gorm:"column:violation_text;type:jsonb"                               json:"violation_text"`
	ReminderText           datatypes.JSONSlice[string] `gorm:"column:reminder_text;type:jsonb"                                json:"reminder_text"`
	CustomRule             string                      `gorm:"column:custom_rule"                                             json:"custom_rule"`
	TranscriptSummary      *string                     `gorm:"column:transcript_summary"                                      json:"transcript_summary"`
	CallDurationSeconds    *int                        `gorm:"column:call_duration_seconds"                                   json:"call_duration_seconds"`
	CallCost               *float64                    `gorm:"column:call_cost"                                               json:"call_cost"`
	CallSuccessful         *bool                       `gorm:"column:call_successful"                                         json:"call_successful"`
	AnalysisData           datatypes.JSON              `gorm:"column:analysis_data;type:jsonb"                                json:"analysis_data"`
	MetadataBlob           datatypes.JSON              `gorm:"column:metadata_blob;type:jsonb"                                json:"metadata_blob"`
	CreatedAt              time.Time                   `gorm:"column:created_at;autoCreateTime"                               json:"created_at"`
	UpdatedAt              time.Time                   `gorm:"column:updated_at;autoUpdateTime"                               json:"updated_at"`
}

func (Call) TableName() string {
	return "calls"
}

const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

func (c *Call) IsTerminal() bool {
	return c.Status == StatusCompleted || c.Status == StatusFailed
}
