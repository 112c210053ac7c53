package cache

import (
	"context"
	"testing"
	"time"

	"github.com/vidsum/vidsum-api/internal/models"
	"github.com/vidsum/vidsum-api/internal/services/database"
)

func setupCache(t *testing.T) *Service {
	t.Helper()

	db, err := database.New(models.DatabaseConfig{
		Type:         models.SQLite,
		FilePath:     ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	svc, err := NewService(db, nil)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc
}

func TestVideoID(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://www.bilibili.com/video/BV1xx411c7mD", "BV1xx411c7mD"},
		{"https://b23.tv/BV1xx411c7mD?share_source=copy", "BV1xx411c7mD"},
		{"https://example.com/watch?v=abc123", "https://example.com/watch?v=abc123"},
	}
	for _, tt := range tests {
		if got := VideoID(tt.url); got != tt.want {
			t.Errorf("VideoID(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestFingerprintStability(t *testing.T) {
	a := Fingerprint("https://www.bilibili.com/video/BV1xx411c7mD", "summary", "tech")
	b := Fingerprint("https://b23.tv/BV1xx411c7mD", "summary", "tech")
	if a != b {
		t.Errorf("fingerprints for the same video differ: %s vs %s", a, b)
	}

	c := Fingerprint("https://b23.tv/BV1xx411c7mD", "summary", "finance")
	if a == c {
		t.Error("fingerprints for different focus collide")
	}
}

func TestGetMiss(t *testing.T) {
	svc := setupCache(t)

	result, err := svc.Get(context.Background(), "no-such-fingerprint")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if result != nil {
		t.Errorf("Get() on miss = %+v, want nil", result)
	}
}

func TestPutThenGet(t *testing.T) {
	svc := setupCache(t)
	ctx := context.Background()
	url := "https://www.bilibili.com/video/BV1xx411c7mD"

	err := svc.Put(ctx, url, "summary", "tech", &models.CachedResult{
		Summary:    "a summary",
		Transcript: "a transcript",
		Usage:      models.TokenUsage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	result, err := svc.Get(ctx, Fingerprint(url, "summary", "tech"))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if result == nil {
		t.Fatal("Get() after Put = nil, want hit")
	}
	if result.Summary != "a summary" {
		t.Errorf("Summary = %q, want %q", result.Summary, "a summary")
	}
	if !result.Cached {
		t.Error("Cached flag not set on hit")
	}
	if result.Usage.TotalTokens != 150 {
		t.Errorf("Usage.TotalTokens = %d, want 150", result.Usage.TotalTokens)
	}
}

func TestPutOverwrites(t *testing.T) {
	svc := setupCache(t)
	ctx := context.Background()
	url := "https://www.bilibili.com/video/BV1xx411c7mD"

	svc.Put(ctx, url, "summary", "", &models.CachedResult{Summary: "v1"})
	if err := svc.Put(ctx, url, "summary", "", &models.CachedResult{Summary: "v2"}); err != nil {
		t.Fatalf("Put() #2 error = %v", err)
	}

	result, err := svc.Get(ctx, Fingerprint(url, "summary", ""))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if result.Summary != "v2" {
		t.Errorf("Summary after upsert = %q, want v2", result.Summary)
	}
}

func TestSweepKeepsRecentlyRead(t *testing.T) {
	svc := setupCache(t)
	ctx := context.Background()

	svc.Put(ctx, "https://b23.tv/BV1old", "summary", "", &models.CachedResult{Summary: "old"})
	svc.Put(ctx, "https://b23.tv/BV1hot", "summary", "", &models.CachedResult{Summary: "hot"})

	// Age both entries past the cutoff, then read one to refresh it.
	stale := time.Now().Add(-48 * time.Hour)
	if err := svc.db.Model(&models.CacheEntry{}).Where("1 = 1").
		Update("last_accessed", stale).Error; err != nil {
		t.Fatalf("failed to age entries: %v", err)
	}
	if _, err := svc.Get(ctx, Fingerprint("https://b23.tv/BV1hot", "summary", "")); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	removed, err := svc.Sweep(24 * time.Hour)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("Sweep() removed %d entries, want 1", removed)
	}

	result, _ := svc.Get(ctx, Fingerprint("https://b23.tv/BV1hot", "summary", ""))
	if result == nil {
		t.Error("recently read entry was swept")
	}
}
