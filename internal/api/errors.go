package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/vidsum/vidsum-api/internal/models"
)

// respondError renders err with the HTTP status its type implies. Untyped
// errors come back as a generic 500.
func respondError(c *fiber.Ctx, err error) error {
	appErr := models.AsAppError(err)
	return c.Status(appErr.GetStatusCode()).JSON(fiber.Map{"error": appErr.Message})
}
