package models

import (
	"time"

	"gorm.io/datatypes"
)

type IdempotencyKeyStatus string

const (
	IdempotencyKeyStatusPending   IdempotencyKeyStatus = "pending"
	IdempotencyKeyStatusCompleted IdempotencyKeyStatus = "completed"
)

// IdempotencyKey guards user-triggered outbound mutations. The stored
// response is replayed for duplicate requests with the same key.
type IdempotencyKey struct {
	ID        string               `gorm:"column:id;type:uuid;primary_key" json:"id"`
	Key       string               `gorm:"column:idempotency_key;type:varchar(255);not null;uniqueIndex:idx_idempotency_key_scope,priority:1" json:"key"`
	UserID    string               `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex:idx_idempotency_key_scope,priority:2" json:"user_id"`
	Operation string               `gorm:"column:operation;type:varchar(64);not null;uniqueIndex:idx_idempotency_key_scope,priority:3" json:"operation"`
	Status    IdempotencyKeyStatus `gorm:"column:status;type:varchar(32);not null" json:"status"`
	Response  datatypes.JSON       `gorm:"column:response;type:jsonb" json:"response"`
	ExpiresAt time.Time            `gorm:"column:expires_at;not null;index" json:"expires_at"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

func (IdempotencyKey) TableName() string {
	return "idempotency_key"
}
