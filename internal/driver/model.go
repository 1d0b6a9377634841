package driver

import "time"

type Driver struct {
	ID        int64     `gorm:"column:id;primaryKey"                       json:"id"`
	Name      string    `gorm:"column:name;type:varchar(255);not null"    json:"name"`
	Phone     string    `gorm:"column:phone;type:varchar(32);not null"    json:"phone"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"          json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"          json:"updated_at"`
}

func (Driver) TableName() string {
	return "drivers"
}
