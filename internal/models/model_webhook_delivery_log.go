package models

import (
	"time"

	"gorm.io/datatypes"
)

type WebhookDeliveryStatus string

const (
	WebhookDeliveryStatusReceived  WebhookDeliveryStatus = "received"
	WebhookDeliveryStatusHandled   WebhookDeliveryStatus = "handled"
	WebhookDeliveryStatusDuplicate WebhookDeliveryStatus = "duplicate"
	WebhookDeliveryStatusIgnored   WebhookDeliveryStatus = "ignored"
	WebhookDeliveryStatusRejected  WebhookDeliveryStatus = "rejected"
	WebhookDeliveryStatusFailed    WebhookDeliveryStatus = "failed"
)

// WebhookDeliveryLog records every inbound webhook delivery and its outcome.
type WebhookDeliveryLog struct {
	ID         string                `gorm:"column:id;type:uuid;primary_key" json:"id"`
	EventID    string                `gorm:"column:event_id;type:varchar(128);index" json:"event_id"`
	EventType  string                `gorm:"column:event_type;type:varchar(64)" json:"event_type"`
	TraceID    string                `gorm:"column:trace_id;type:varchar(128)" json:"trace_id"`
	OccurredAt *time.Time            `gorm:"column:occurred_at" json:"occurred_at"`
	Data       datatypes.JSON        `gorm:"column:data;type:jsonb" json:"data"`
	Error      *string               `gorm:"column:error;type:text" json:"error"`
	Status     WebhookDeliveryStatus `gorm:"column:status;type:varchar(32);not null" json:"status"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

func (WebhookDeliveryLog) TableName() string { return "webhook_delivery_log" }
