package models

import "time"

type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// NotificationItem is one queued delivery for one method. A new-video event
// with two configured methods enqueues two rows.
type NotificationItem struct {
	ID        string             `gorm:"primaryKey" json:"id"`
	UserID    string             `gorm:"index;not null" json:"user_id"`
	Kind      string             `gorm:"not null" json:"kind"`
	Title     string             `gorm:"not null" json:"title"`
	Body      string             `json:"body"`
	Payload   string             `json:"payload,omitzero"`
	Method    string             `gorm:"not null" json:"method"`
	Status    NotificationStatus `gorm:"index;not null;default:pending" json:"status"`
	CreatedAt time.Time          `gorm:"autoCreateTime;index" json:"created_at"`
	SentAt    *time.Time         `json:"sent_at,omitzero"`
}

// FailureLog records every permanent failure for offline diagnosis.
type FailureLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    string    `gorm:"index" json:"user_id"`
	Code      string    `gorm:"index;not null" json:"code"`
	Stage     string    `gorm:"not null" json:"stage"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
