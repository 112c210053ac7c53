package models

import "time"

// CreatorSubscription is a user's standing request to be told when a tracked
// creator publishes a new video. Unique per (user, creator). LastVideoID
// empty means the poller has not observed the creator yet; the first
// observation is recorded silently so a fresh subscribe does not flood the
// notification queue with old uploads.
type CreatorSubscription struct {
	ID            string     `gorm:"primaryKey" json:"id"`
	UserID        string     `gorm:"index:idx_user_creator,unique;not null" json:"user_id"`
	CreatorID     string     `gorm:"index:idx_user_creator,unique;not null" json:"creator_id"`
	CreatorName   string     `json:"creator_name"`
	LastVideoID   string     `json:"last_video_id,omitzero"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitzero"`
	NotifyMethods string     `gorm:"not null;default:browser" json:"notify_methods"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// CreatorVideo is the most recent upload reported by the platform client.
type CreatorVideo struct {
	VideoID     string `json:"video_id"`
	Title       string `json:"title"`
	Cover       string `json:"cover"`
	URL         string `json:"url"`
	PublishedAt int64  `json:"published_at"`
}
