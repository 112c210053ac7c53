package api

import (
	"encoding/json"
	"fmt"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	svix "github.com/svix/svix-webhooks/go"

	"github.com/vidsum/vidsum-api/internal/services/credits"
)

// ClerkWebhookHandler provisions credit accounts when Clerk reports a new
// user. Signatures are checked with svix, which Clerk uses for webhooks.
type ClerkWebhookHandler struct {
	webhookSecret string
	ledger        *credits.LedgerService
}

func NewClerkWebhookHandler(webhookSecret string, ledger *credits.LedgerService) *ClerkWebhookHandler {
	return &ClerkWebhookHandler{
		webhookSecret: webhookSecret,
		ledger:        ledger,
	}
}

type clerkWebhookEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type clerkUserData struct {
	ID             string `json:"id"`
	EmailAddresses []struct {
		EmailAddress string `json:"email_address"`
	} `json:"email_addresses"`
}

func (h *ClerkWebhookHandler) HandleWebhook(c *fiber.Ctx) error {
	payload := c.Body()

	headers := make(map[string][]string)
	c.Request().Header.VisitAll(func(key, value []byte) {
		headers[string(key)] = []string{string(value)}
	})

	wh, err := svix.NewWebhook(h.webhookSecret)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to initialize webhook verifier",
		})
	}
	if err := wh.Verify(payload, headers); err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "invalid webhook signature",
		})
	}

	var event clerkWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid JSON payload",
		})
	}

	switch event.Type {
	case "user.created":
		if err := h.handleUserCreated(event.Data); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": fmt.Sprintf("failed to process user.created event: %v", err),
			})
		}
	}

	return c.JSON(fiber.Map{"received": true})
}

func (h *ClerkWebhookHandler) handleUserCreated(data json.RawMessage) error {
	var user clerkUserData
	if err := json.Unmarshal(data, &user); err != nil {
		return fmt.Errorf("failed to unmarshal user data: %w", err)
	}
	if user.ID == "" {
		return fmt.Errorf("user.created event without user id")
	}

	account, err := h.ledger.Ensure(user.ID)
	if err != nil {
		return fmt.Errorf("failed to provision credit account: %w", err)
	}
	fiberlog.Infof("[%s] credit account provisioned with balance %d", user.ID, account.Balance)
	return nil
}
