package models

import "time"

type CreditEventKind string

const (
	CreditEventGrant             CreditEventKind = "grant"
	CreditEventConsume           CreditEventKind = "consume"
	CreditEventPurchase          CreditEventKind = "purchase"
	CreditEventFirstSummaryBonus CreditEventKind = "first_summary_bonus"
)

// CreditAccount is the per-user balance row. Balance never goes below zero:
// debits run as a conditional update that fails instead of overdrawing.
type CreditAccount struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    string    `gorm:"uniqueIndex;not null" json:"user_id"`
	Balance   int       `gorm:"not null;default:0" json:"balance"`
	TotalUsed int       `gorm:"not null;default:0" json:"total_used"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

// CreditEvent is the append-only ledger entry. Every balance change writes
// exactly one event in the same transaction.
type CreditEvent struct {
	ID        uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    string          `gorm:"index;not null" json:"user_id"`
	Kind      CreditEventKind `gorm:"index;not null" json:"kind"`
	Cost      int             `gorm:"not null" json:"cost"`
	OrderID   string          `gorm:"index" json:"order_id,omitzero"`
	CreatedAt time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}
