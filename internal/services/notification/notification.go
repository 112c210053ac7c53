package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/vidsum/vidsum-api/internal/models"
	"github.com/vidsum/vidsum-api/internal/services/database"
)

// drainBatch caps how many pending items one drain cycle takes on.
const drainBatch = 100

// Sink delivers one notification over one method.
type Sink interface {
	Send(ctx context.Context, item *models.NotificationItem) error
}

// Service queues notifications and drains them through registered sinks.
type Service struct {
	db    *database.DB
	sinks map[string]Sink
}

func NewService(db *database.DB) (*Service, error) {
	if err := db.AutoMigrate(&models.NotificationItem{}); err != nil {
		return nil, fmt.Errorf("failed to migrate notification queue: %w", err)
	}
	return &Service{db: db, sinks: make(map[string]Sink)}, nil
}

// RegisterSink binds a delivery method name to its sink.
func (s *Service) RegisterSink(method string, sink Sink) {
	s.sinks[method] = sink
}

// Enqueue inserts one pending item per method.
func (s *Service) Enqueue(userID, kind, title, body string, payload map[string]any, methods []string) error {
	if len(methods) == 0 {
		methods = []string{"browser"}
	}

	encoded := ""
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode notification payload: %w", err)
		}
		encoded = string(raw)
	}

	for _, method := range methods {
		item := &models.NotificationItem{
			ID:      uuid.NewString(),
			UserID:  userID,
			Kind:    kind,
			Title:   title,
			Body:    body,
			Payload: encoded,
			Method:  method,
			Status:  models.NotificationPending,
		}
		if err := s.db.Create(item).Error; err != nil {
			return fmt.Errorf("failed to queue notification: %w", err)
		}
	}
	return nil
}

// Drain sends pending items oldest first, up to the batch cap. An item whose
// method has no sink, or whose sink errors, is marked failed; delivery is
// not retried.
func (s *Service) Drain(ctx context.Context) (sent, failed int, err error) {
	var items []models.NotificationItem
	if err := s.db.Where("status = ?", models.NotificationPending).
		Order("created_at ASC").
		Limit(drainBatch).
		Find(&items).Error; err != nil {
		return 0, 0, fmt.Errorf("failed to load pending notifications: %w", err)
	}

	for i := range items {
		item := &items[i]
		sink, ok := s.sinks[item.Method]
		if !ok {
			fiberlog.Warnf("no sink registered for method %s, failing notification %s", item.Method, item.ID)
			s.mark(item.ID, models.NotificationFailed, nil)
			failed++
			continue
		}
		if err := sink.Send(ctx, item); err != nil {
			fiberlog.Errorf("failed to send notification %s: %v", item.ID, err)
			s.mark(item.ID, models.NotificationFailed, nil)
			failed++
			continue
		}
		now := time.Now()
		s.mark(item.ID, models.NotificationSent, &now)
		sent++
	}
	return sent, failed, nil
}

// List returns the user's notifications, newest first.
func (s *Service) List(userID string, limit int) ([]models.NotificationItem, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var items []models.NotificationItem
	if err := s.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return items, nil
}

func (s *Service) mark(id string, status models.NotificationStatus, sentAt *time.Time) {
	updates := map[string]any{"status": status}
	if sentAt != nil {
		updates["sent_at"] = sentAt
	}
	if err := s.db.Model(&models.NotificationItem{}).
		Where("id = ?", id).
		Updates(updates).Error; err != nil {
		fiberlog.Errorf("failed to mark notification %s as %s: %v", id, status, err)
	}
}
