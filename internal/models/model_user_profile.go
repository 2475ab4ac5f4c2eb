package models

import "time"

// UserProfile is the denormalized premium view of a user. It is written only
// by the projection updater.
type UserProfile struct {
	UserID    string    `gorm:"column:user_id;type:varchar(64);primaryKey" json:"user_id"`
	IsPremium bool      `gorm:"column:is_premium;not null;default:false" json:"is_premium"`
	Plan      *string   `gorm:"column:plan;type:varchar(64)" json:"plan"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (UserProfile) TableName() string {
	return "user_profile"
}
