package api

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"

	"github.com/vidsum/vidsum-api/internal/models"
	"github.com/vidsum/vidsum-api/internal/services/auth"
	"github.com/vidsum/vidsum-api/internal/services/credits"
)

type CreditsHandler struct {
	ledger *credits.LedgerService
}

func NewCreditsHandler(ledger *credits.LedgerService) *CreditsHandler {
	return &CreditsHandler{ledger: ledger}
}

// GetBalance handles GET /api/credits/balance. The account is created with
// the signup grant on first sight.
func (h *CreditsHandler) GetBalance(c *fiber.Ctx) error {
	identity, ok := auth.GetIdentity(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	account, err := h.ledger.Balance(identity.UserID)
	if err != nil {
		fiberlog.Errorf("[%s] balance lookup failed: %v", identity.UserID, err)
		return respondError(c, models.NewInternalError("failed to load credit balance", err))
	}

	return c.JSON(fiber.Map{
		"user_id":    account.UserID,
		"balance":    account.Balance,
		"total_used": account.TotalUsed,
	})
}

// GetHistory handles GET /api/credits/history.
func (h *CreditsHandler) GetHistory(c *fiber.Ctx) error {
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

	events, err := h.ledger.History(identity.UserID, limit)
	if err != nil {
		fiberlog.Errorf("[%s] history lookup failed: %v", identity.UserID, err)
		return respondError(c, models.NewInternalError("failed to load credit history", err))
	}
	return c.JSON(fiber.Map{"events": events, "total": len(events)})
}
