package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is an immutable economic fact once created. Only Status,
// Terminal, FailureReason, SyncedAt and UpdatedAt may change afterwards, and
// only through the queue's status update path.
type Transaction struct {
	ID              string          `gorm:"primaryKey;size:36" json:"id"`
	SenderID        string          `gorm:"size:64;not null;index" json:"sender_id"`
	ReceiverID      string          `gorm:"size:64;not null" json:"receiver_id"`
	Amount          decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"amount"`
	Description     string          `gorm:"size:255" json:"description,omitempty"`
	DeviceID        string          `gorm:"size:64;not null" json:"device_id"`
	IsOffline       bool            `gorm:"not null" json:"is_offline"`
	TransactionHash string          `gorm:"size:64;not null;uniqueIndex" json:"transaction_hash"`
	Status          Status          `gorm:"size:16;not null;index" json:"status"`
	Terminal        bool            `gorm:"not null;default:false" json:"terminal"`
	FailureReason   string          `gorm:"size:255" json:"failure_reason,omitempty"`
	SyncedAt        *time.Time      `json:"synced_at,omitempty"`
	CreatedAt       time.Time       `gorm:"not null;index" json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (Transaction) TableName() string { return "transaction" }

// Retryable reports whether the transaction is still eligible for a sync
// attempt: pending, or failed without a terminal rejection.
func (t *Transaction) Retryable() bool {
	if t.Status == StatusPending {
		return true
	}
	return t.Status == StatusFailed && !t.Terminal
}
