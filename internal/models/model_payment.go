package models

import (
	"time"

	"gorm.io/datatypes"
)

type PaymentStatus string

const (
	PaymentStatusCompleted     PaymentStatus = "completed"
	PaymentStatusPaymentFailed PaymentStatus = "payment_failed"
)

// Payment is an append-only record of a provider transaction. Only the
// refund fields are ever updated after insert.
type Payment struct {
	ID                     string        `gorm:"column:id;primary_key;type:uuid" json:"id"`
	ProviderTransactionID  string        `gorm:"column:provider_transaction_id;type:varchar(128);not null;uniqueIndex" json:"provider_transaction_id"`
	UserID                 string        `gorm:"column:user_id;type:varchar(64);not null;index" json:"user_id"`
	ProviderSubscriptionID string        `gorm:"column:provider_subscription_id;type:varchar(128)" json:"provider_subscription_id"`
	Status                 PaymentStatus `gorm:"column:status;type:varchar(32);not null" json:"status"`
	// Amount is in minor currency units.
	Amount   int64      `gorm:"column:amount;type:bigint;not null" json:"amount"`
	Currency string     `gorm:"column:currency;type:varchar(8);not null" json:"currency"`
	BilledAt *time.Time `gorm:"column:billed_at;default:null" json:"billed_at"`
	// RefundedAt is set when an approved refund adjustment arrives.
	RefundedAt   *time.Time     `gorm:"column:refunded_at;default:null" json:"refunded_at"`
	RefundAmount int64          `gorm:"column:refund_amount;type:bigint;not null;default:0" json:"refund_amount"`
	Raw          datatypes.JSON `gorm:"column:raw;type:jsonb" json:"-"`
	CreatedAt    time.Time      `json:"created_at"`
}

func (Payment) TableName() string {
	return "payment"
}

func (p *Payment) Refunded() bool {
	return p != nil && p.RefundedAt != nil
}
