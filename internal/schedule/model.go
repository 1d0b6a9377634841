package schedule

import (
	"time"

	"gorm.io/datatypes"
)

// ScheduledCall is a retry handed off to the downstream dialing loop. It
// carries the full dialing context forward so the retry can be reconstructed
// without re-querying upstream systems.
type ScheduledCall struct {
	ID            uint                        `gorm:"column:id;primaryKey;autoIncrement"                         json:"id"`
	DriverID      *int64                      `gorm:"column:driver_id"                                           json:"driver_id"`
	DriverName    string                      `gorm:"column:driver_name"                                         json:"driver_name"`
	DriverPhone   string                      `gorm:"column:driver_phone"                                        json:"driver_phone"`
	ViolationText datatypes.JSONSlice[string] `gorm:"column:violation_text;type:jsonb"                           json:"violation_text"`
	ReminderText  datatypes.JSONSlice[string] `gorm:"column:reminder_text;type:jsonb"                            json:"reminder_text"`
	CustomRule    string                      `gorm:"column:custom_rule"                                         json:"custom_rule"`
	ScheduledTime time.Time                   `gorm:"column:scheduled_time;not null"                             json:"scheduled_time"`
	RetryCount    int                         `gorm:"column:retry_count;default:0;not null"                      json:"retry_count"`
	ParentCallID  string                      `gorm:"column:parent_call_id;type:varchar(255);index;not null"     json:"parent_call_id"`
	Status        string                      `gorm:"column:status;type:varchar(20);default:'pending';not null"  json:"status"`
	CreatedAt     time.Time                   `gorm:"column:created_at;autoCreateTime"                           json:"created_at"`
	UpdatedAt     time.Time                   `gorm:"column:updated_at;autoUpdateTime"                           json:"updated_at"`
}

func (ScheduledCall) TableName() string {
	return "scheduled_calls"
}

const (
	StatusPending    = "pending"
	StatusDispatched = "dispatched"
)
