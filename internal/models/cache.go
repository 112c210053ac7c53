package models

import "time"

// CacheEntry stores one finished summarize result keyed by fingerprint
// (stable hash of normalized video id, mode and focus). Writes are upserts;
// reads bump LastAccessed so the TTL sweep keeps hot entries alive.
type CacheEntry struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Fingerprint  string    `gorm:"uniqueIndex;not null" json:"fingerprint"`
	VideoID      string    `gorm:"index;not null" json:"video_id"`
	OriginURL    string    `gorm:"not null" json:"origin_url"`
	Mode         string    `gorm:"not null" json:"mode"`
	Focus        string    `gorm:"not null" json:"focus"`
	Summary      string    `json:"summary"`
	Transcript   string    `json:"transcript"`
	UsageData    string    `json:"usage_data,omitzero"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	LastAccessed time.Time `gorm:"index;not null" json:"last_accessed"`
}

// TokenUsage carries the AI token counts surfaced to the client.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CachedResult is what the cache layer hands back on a hit.
type CachedResult struct {
	Summary    string     `json:"summary"`
	Transcript string     `json:"transcript"`
	Usage      TokenUsage `json:"usage"`
	Cached     bool       `json:"cached"`
	CachedAt   time.Time  `json:"cached_at"`
}
