package notification

import (
	"context"

	fiberlog "github.com/gofiber/fiber/v2/log"

	"github.com/vidsum/vidsum-api/internal/models"
)

// EmailSink records the delivery in the log. A mail provider integration
// can replace the body without touching the queue.
type EmailSink struct{}

func (EmailSink) Send(ctx context.Context, item *models.NotificationItem) error {
	fiberlog.Infof("email to %s: %s", item.UserID, item.Title)
	return nil
}

// BrowserSink records the delivery in the log. Real web push needs a VAPID
// key pair and per-user push endpoints, which the frontend does not collect
// yet.
type BrowserSink struct{}

func (BrowserSink) Send(ctx context.Context, item *models.NotificationItem) error {
	fiberlog.Infof("browser push to %s: %s", item.UserID, item.Title)
	return nil
}
