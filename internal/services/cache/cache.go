package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vidsum/vidsum-api/internal/models"
	"github.com/vidsum/vidsum-api/internal/services/database"
)

// bvPattern matches Bilibili video ids embedded in share URLs.
var bvPattern = regexp.MustCompile(`BV[a-zA-Z0-9]+`)

const (
	redisKeyPrefix = "summary:"
	redisTTL       = 24 * time.Hour
)

// Service is the summary result cache. SQL is the durable tier; Redis, when
// configured, is a read-through hot tier in front of it.
type Service struct {
	db    *database.DB
	redis *redis.Client
}

func NewService(db *database.DB, redisClient *redis.Client) (*Service, error) {
	if err := db.AutoMigrate(&models.CacheEntry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate cache table: %w", err)
	}
	return &Service{db: db, redis: redisClient}, nil
}

// VideoID extracts the platform video id from a URL. Falls back to the URL
// itself so unrecognized links still get stable fingerprints.
func VideoID(url string) string {
	if id := bvPattern.FindString(url); id != "" {
		return id
	}
	return url
}

// Fingerprint derives the cache key for one (video, mode, focus) request.
func Fingerprint(url, mode, focus string) string {
	sum := md5.Sum([]byte(VideoID(url) + ":" + mode + ":" + focus))
	return hex.EncodeToString(sum[:])
}

// Get looks up a cached result by fingerprint and bumps its last-access time
// on a hit. Returns (nil, nil) on a miss.
func (s *Service) Get(ctx context.Context, fingerprint string) (*models.CachedResult, error) {
	if result := s.getRedis(ctx, fingerprint); result != nil {
		// Keep the durable tier's access clock moving too.
		s.touch(fingerprint)
		return result, nil
	}

	var entry models.CacheEntry
	err := s.db.WithContext(ctx).Where("fingerprint = ?", fingerprint).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	s.touch(fingerprint)

	result := &models.CachedResult{
		Summary:    entry.Summary,
		Transcript: entry.Transcript,
		Cached:     true,
		CachedAt:   entry.CreatedAt,
	}
	if entry.UsageData != "" {
		if err := json.Unmarshal([]byte(entry.UsageData), &result.Usage); err != nil {
			fiberlog.Warnf("cache entry %s has bad usage data: %v", fingerprint, err)
		}
	}

	s.putRedis(ctx, fingerprint, result)
	return result, nil
}

// Put stores a finished result. Upsert: a repeat of the same fingerprint
// overwrites the old row and refreshes its clocks.
func (s *Service) Put(ctx context.Context, url, mode, focus string, result *models.CachedResult) error {
	usage, err := json.Marshal(result.Usage)
	if err != nil {
		return fmt.Errorf("failed to encode usage data: %w", err)
	}

	now := time.Now()
	entry := models.CacheEntry{
		Fingerprint:  Fingerprint(url, mode, focus),
		VideoID:      VideoID(url),
		OriginURL:    url,
		Mode:         mode,
		Focus:        focus,
		Summary:      result.Summary,
		Transcript:   result.Transcript,
		UsageData:    string(usage),
		CreatedAt:    now,
		LastAccessed: now,
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "fingerprint"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"summary", "transcript", "usage_data", "created_at", "last_accessed",
		}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}

	s.putRedis(ctx, entry.Fingerprint, result)
	return nil
}

// Sweep deletes entries not read within maxAge. Returns the number removed.
func (s *Service) Sweep(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge)
	result := s.db.Where("last_accessed < ?", cutoff).Delete(&models.CacheEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to sweep cache: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		fiberlog.Infof("cache sweep removed %d entries older than %v", result.RowsAffected, maxAge)
	}
	return result.RowsAffected, nil
}

func (s *Service) touch(fingerprint string) {
	err := s.db.Model(&models.CacheEntry{}).
		Where("fingerprint = ?", fingerprint).
		Update("last_accessed", time.Now()).Error
	if err != nil {
		fiberlog.Warnf("failed to touch cache entry %s: %v", fingerprint, err)
	}
}

func (s *Service) getRedis(ctx context.Context, fingerprint string) *models.CachedResult {
	if s.redis == nil {
		return nil
	}

	data, err := s.redis.Get(ctx, redisKeyPrefix+fingerprint).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			fiberlog.Warnf("redis cache read failed: %v", err)
		}
		return nil
	}

	var result models.CachedResult
	if err := json.Unmarshal(data, &result); err != nil {
		fiberlog.Warnf("redis cache entry %s is corrupt: %v", fingerprint, err)
		return nil
	}
	result.Cached = true
	return &result
}

func (s *Service) putRedis(ctx context.Context, fingerprint string, result *models.CachedResult) {
	if s.redis == nil {
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, redisKeyPrefix+fingerprint, data, redisTTL).Err(); err != nil {
		fiberlog.Warnf("redis cache write failed: %v", err)
	}
}
