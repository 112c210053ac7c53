package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"

	"github.com/vidsum/vidsum-api/internal/models"
	"github.com/vidsum/vidsum-api/internal/services/auth"
	"github.com/vidsum/vidsum-api/internal/services/subscription"
)

type SubscriptionsHandler struct {
	service  *subscription.Service
	bilibili *subscription.BilibiliClient
}

func NewSubscriptionsHandler(service *subscription.Service, bilibili *subscription.BilibiliClient) *SubscriptionsHandler {
	return &SubscriptionsHandler{service: service, bilibili: bilibili}
}

type subscribeRequest struct {
	CreatorID     string   `json:"creator_id"`
	CreatorName   string   `json:"creator_name"`
	NotifyMethods []string `json:"notify_methods"`
}

// Subscribe handles POST /api/subscriptions.
func (h *SubscriptionsHandler) Subscribe(c *fiber.Ctx) error {
	identity, ok := auth.GetIdentity(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	var req subscribeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if req.CreatorID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "creator_id is required"})
	}

	sub, err := h.service.Subscribe(identity.UserID, req.CreatorID, req.CreatorName, req.NotifyMethods)
	if err != nil {
		if errors.Is(err, subscription.ErrAlreadySubscribed) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "already subscribed"})
		}
		fiberlog.Errorf("[%s] subscribe failed: %v", identity.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to create subscription",
		})
	}
	return c.Status(fiber.StatusCreated).JSON(sub)
}

// Unsubscribe handles DELETE /api/subscriptions/:id.
func (h *SubscriptionsHandler) Unsubscribe(c *fiber.Ctx) error {
	identity, ok := auth.GetIdentity(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	if err := h.service.Unsubscribe(identity.UserID, c.Params("id")); err != nil {
		if errors.Is(err, subscription.ErrSubscriptionNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "subscription not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to delete subscription",
		})
	}
	return c.JSON(fiber.Map{"deleted": true})
}

// List handles GET /api/subscriptions.
func (h *SubscriptionsHandler) List(c *fiber.Ctx) error {
	identity, ok := auth.GetIdentity(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	subs, err := h.service.List(identity.UserID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to list subscriptions",
		})
	}
	return c.JSON(fiber.Map{"subscriptions": subs, "total": len(subs)})
}

// SearchCreators handles GET /api/subscriptions/search?keyword=.
func (h *SubscriptionsHandler) SearchCreators(c *fiber.Ctx) error {
	if _, ok := auth.GetIdentity(c); !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	keyword := c.Query("keyword")
	if keyword == "" {
		return respondError(c, models.NewValidationError("keyword is required", nil))
	}
	limit := 10
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 30 {
			limit = l
		}
	}

	creators, err := h.bilibili.SearchCreators(c.Context(), keyword, limit)
	if err != nil {
		fiberlog.Errorf("creator search for %q failed: %v", keyword, err)
		return respondError(c, models.NewProviderError("bilibili", "creator search failed", err))
	}
	return c.JSON(fiber.Map{"creators": creators})
}
