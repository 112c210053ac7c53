package middleware

import (
	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"

	"github.com/vidsum/vidsum-api/internal/services/auth"
)

// RequireAuth verifies the bearer token and stores the caller identity for
// downstream handlers. Requests without a valid token get a 401.
func RequireAuth(verifier auth.Verifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := auth.TokenFromRequest(c)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "authentication token is required",
			})
		}

		identity, err := verifier.Verify(c.Context(), token)
		if err != nil {
			fiberlog.Debugf("token verification failed: %v", err)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid authentication token",
			})
		}

		auth.SetIdentity(c, identity)
		return c.Next()
	}
}
