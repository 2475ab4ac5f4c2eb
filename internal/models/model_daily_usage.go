package models

import "time"

// DailyUsage is a per-user, per-day usage counter. IsPremium is a snapshot of
// the user's entitlement, patched only for today and future dates.
type DailyUsage struct {
	ID           string    `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID       string    `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex:idx_daily_usage_user_date,priority:1" json:"user_id"`
	Date         string    `gorm:"column:date;type:varchar(10);not null;uniqueIndex:idx_daily_usage_user_date,priority:2" json:"date"`
	RequestCount int64     `gorm:"column:request_count;not null;default:0" json:"request_count"`
	IsPremium    bool      `gorm:"column:is_premium;not null;default:false" json:"is_premium"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (DailyUsage) TableName() string {
	return "daily_usage"
}
