package subscription

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/vidsum/vidsum-api/internal/models"
	"github.com/vidsum/vidsum-api/internal/services/database"
)

var (
	ErrAlreadySubscribed    = errors.New("already subscribed to this creator")
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// Service manages creator subscriptions.
type Service struct {
	db *database.DB
}

func NewService(db *database.DB) (*Service, error) {
	if err := db.AutoMigrate(&models.CreatorSubscription{}); err != nil {
		return nil, fmt.Errorf("failed to migrate creator subscriptions: %w", err)
	}
	return &Service{db: db}, nil
}

// Subscribe creates a track for (user, creator). Methods defaults to browser.
func (s *Service) Subscribe(userID, creatorID, creatorName string, methods []string) (*models.CreatorSubscription, error) {
	if len(methods) == 0 {
		methods = []string{"browser"}
	}

	sub := &models.CreatorSubscription{
		ID:            uuid.NewString(),
		UserID:        userID,
		CreatorID:     creatorID,
		CreatorName:   creatorName,
		NotifyMethods: strings.Join(methods, ","),
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var existing models.CreatorSubscription
		err := tx.Where("user_id = ? AND creator_id = ?", userID, creatorID).First(&existing).Error
		if err == nil {
			return ErrAlreadySubscribed
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(sub).Error
	})
	if err != nil {
		if errors.Is(err, ErrAlreadySubscribed) {
			return nil, ErrAlreadySubscribed
		}
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return sub, nil
}

// Unsubscribe removes a subscription owned by the user.
func (s *Service) Unsubscribe(userID, subscriptionID string) error {
	result := s.db.Where("id = ? AND user_id = ?", subscriptionID, userID).
		Delete(&models.CreatorSubscription{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete subscription: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// List returns the user's subscriptions, newest first.
func (s *Service) List(userID string) ([]models.CreatorSubscription, error) {
	var subs []models.CreatorSubscription
	if err := s.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

// All returns every subscription, for the poller.
func (s *Service) All() ([]models.CreatorSubscription, error) {
	var subs []models.CreatorSubscription
	if err := s.db.Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("failed to load subscriptions: %w", err)
	}
	return subs, nil
}

// recordCheck stores the newest observed video id and the check time.
func (s *Service) recordCheck(subscriptionID, videoID string) error {
	now := time.Now()
	return s.db.Model(&models.CreatorSubscription{}).
		Where("id = ?", subscriptionID).
		Updates(map[string]any{
			"last_video_id":   videoID,
			"last_checked_at": &now,
		}).Error
}

// Methods splits the stored comma-joined notify methods.
func Methods(sub *models.CreatorSubscription) []string {
	if sub.NotifyMethods == "" {
		return []string{"browser"}
	}
	return strings.Split(sub.NotifyMethods, ",")
}
