package api

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/vidsum/vidsum-api/internal/models"
	"github.com/vidsum/vidsum-api/internal/services/auth"
	"github.com/vidsum/vidsum-api/internal/services/notification"
)

type NotificationsHandler struct {
	service *notification.Service
}

func NewNotificationsHandler(service *notification.Service) *NotificationsHandler {
	return &NotificationsHandler{service: service}
}

// List handles GET /api/notifications.
func (h *NotificationsHandler) List(c *fiber.Ctx) error {
	identity, ok := auth.GetIdentity(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	limit := 0
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil {
			limit = l
		}
	}

	items, err := h.service.List(identity.UserID, limit)
	if err != nil {
		return respondError(c, models.NewInternalError("failed to list notifications", err))
	}
	return c.JSON(fiber.Map{"notifications": items, "total": len(items)})
}
