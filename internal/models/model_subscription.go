package models

import (
	"time"

	"github.com/fatflowers/subsync/pkg/types"
)

// Subscription mirrors one billing-provider subscription. Rows are never
// hard-deleted; a canceled subscription keeps its history.
type Subscription struct {
	ID                     string                   `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID                 string                   `gorm:"column:user_id;type:varchar(64);not null;index:idx_subscription_user_created,priority:1" json:"user_id"`
	ProviderSubscriptionID string                   `gorm:"column:provider_subscription_id;type:varchar(128);not null;uniqueIndex" json:"provider_subscription_id"`
	ProviderCustomerID     string                   `gorm:"column:provider_customer_id;type:varchar(128)" json:"provider_customer_id"`
	Plan                   string                   `gorm:"column:plan;type:varchar(64)" json:"plan"`
	PriceID                string                   `gorm:"column:price_id;type:varchar(128)" json:"price_id"`
	Status                 types.SubscriptionStatus `gorm:"column:status;type:varchar(32);not null;index" json:"status"`
	CurrentPeriodEnd       *time.Time               `gorm:"column:current_period_end;default:null" json:"current_period_end"`
	NextBilledAt           *time.Time               `gorm:"column:next_billed_at;default:null" json:"next_billed_at"`
	CancelAtPeriodEnd      bool                     `gorm:"column:cancel_at_period_end;not null;default:false" json:"cancel_at_period_end"`
	CancelAt               *time.Time               `gorm:"column:cancel_at;default:null" json:"cancel_at"`
	CanceledAt             *time.Time               `gorm:"column:canceled_at;default:null" json:"canceled_at"`
	// PriceAmount is in minor currency units.
	PriceAmount       int64      `gorm:"column:price_amount;type:bigint;not null;default:0" json:"price_amount"`
	Currency          string     `gorm:"column:currency;type:varchar(8)" json:"currency"`
	ProviderCreatedAt time.Time  `gorm:"column:provider_created_at;index:idx_subscription_user_created,priority:2,sort:desc" json:"provider_created_at"`
	ProviderUpdatedAt *time.Time `gorm:"column:provider_updated_at;default:null" json:"provider_updated_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscription"
}

// Premium reports whether the subscription currently grants premium access.
func (s *Subscription) Premium() bool {
	return s != nil && s.Status.Entitled()
}
