package payment

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/vidsum/vidsum-api/internal/models"
	"github.com/vidsum/vidsum-api/internal/services/database"
)

// IdempotencyManager deduplicates provider callbacks. The first caller for a
// key inserts a processing row, which acts as the lock; replays see the row
// and get the recorded result back.
type IdempotencyManager struct {
	db *database.DB
}

func NewIdempotencyManager(db *database.DB) (*IdempotencyManager, error) {
	if err := db.AutoMigrate(&models.IdempotencyKey{}); err != nil {
		return nil, fmt.Errorf("failed to migrate idempotency table: %w", err)
	}
	return &IdempotencyManager{db: db}, nil
}

// IdempotencyKey derives the dedup key for one provider transaction.
func IdempotencyKey(provider, txnID string) string {
	sum := sha256.Sum256([]byte(provider + ":" + txnID))
	return hex.EncodeToString(sum[:])
}

// CheckAndLock claims the key for this caller. Returns (true, "") when the
// caller won and should process the callback; (false, result) when the key
// was already claimed.
func (m *IdempotencyManager) CheckAndLock(key string) (bool, string, error) {
	row := models.IdempotencyKey{Key: key, Status: models.IdempotencyProcessing}
	err := m.db.Create(&row).Error
	if err == nil {
		return true, "", nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) && !isUniqueViolation(err) {
		return false, "", fmt.Errorf("failed to claim idempotency key: %w", err)
	}

	var existing models.IdempotencyKey
	if err := m.db.Where("key = ?", key).First(&existing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Row deleted between insert and read: the earlier attempt
			// failed and released the key, so retry the claim.
			return m.CheckAndLock(key)
		}
		return false, "", fmt.Errorf("failed to read idempotency key: %w", err)
	}
	return false, existing.Result, nil
}

// MarkCompleted records the callback result so replays return it verbatim.
func (m *IdempotencyManager) MarkCompleted(key, result string) error {
	err := m.db.Model(&models.IdempotencyKey{}).
		Where("key = ?", key).
		Updates(map[string]any{
			"status": models.IdempotencyCompleted,
			"result": result,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	return nil
}

// MarkFailed releases the key so the provider's redelivery can retry.
func (m *IdempotencyManager) MarkFailed(key string) error {
	if err := m.db.Where("key = ?", key).Delete(&models.IdempotencyKey{}).Error; err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

// isUniqueViolation matches duplicate-key errors across the supported
// drivers without enabling gorm error translation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "Duplicate entry")
}
