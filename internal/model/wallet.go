package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// WalletOfflineUsage is the slice of wallet state the offline-limit guard
// needs. It lives in the same store as the queue so a transaction append and
// its usage update commit as one unit. Version is an optimistic lock.
type WalletOfflineUsage struct {
	WalletID          string          `gorm:"primaryKey;size:64;column:wallet_id"`
	OfflineDailyLimit decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	OfflineUsedToday  decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	LastOfflineReset  time.Time       `gorm:"not null"`
	Version           uint64          `gorm:"not null;default:0"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime"`
}

func (WalletOfflineUsage) TableName() string { return "wallet_offline_usage" }

// Remaining returns how much offline spend is still allowed today.
func (u WalletOfflineUsage) Remaining() decimal.Decimal {
	return u.OfflineDailyLimit.Sub(u.OfflineUsedToday)
}
