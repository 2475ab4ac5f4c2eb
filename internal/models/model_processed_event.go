package models

import "time"

type ProcessedEventStatus string

const (
	ProcessedEventStatusProcessing ProcessedEventStatus = "processing"
	ProcessedEventStatusProcessed  ProcessedEventStatus = "processed"
)

// ProcessedEvent is the webhook idempotency ledger. EventID is the primary key,
// so concurrent inserts for the same event collapse to one row.
type ProcessedEvent struct {
	EventID     string               `gorm:"column:event_id;type:varchar(128);primaryKey" json:"event_id"`
	EventType   string               `gorm:"column:event_type;type:varchar(64)" json:"event_type"`
	Status      ProcessedEventStatus `gorm:"column:status;type:varchar(32);not null" json:"status"`
	ClaimedAt   time.Time            `gorm:"column:claimed_at;not null" json:"claimed_at"`
	ProcessedAt *time.Time           `gorm:"column:processed_at" json:"processed_at"`
	ExpiresAt   time.Time            `gorm:"column:expires_at;not null;index" json:"expires_at"`
}

func (ProcessedEvent) TableName() string {
	return "processed_event"
}
