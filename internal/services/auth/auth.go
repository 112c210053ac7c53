package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// ErrInvalidToken is returned by verifiers for tokens that fail validation.
var ErrInvalidToken = errors.New("invalid token")

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Email  string
}

// Verifier validates a bearer token and resolves the caller's identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// Chain tries each verifier in order and returns the first success.
type Chain []Verifier

func (c Chain) Verify(ctx context.Context, token string) (*Identity, error) {
	var lastErr error = ErrInvalidToken
	for _, v := range c {
		identity, err := v.Verify(ctx, token)
		if err == nil {
			return identity, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

const identityLocalKey = "auth_identity"

// SetIdentity stores the caller identity on the request context.
func SetIdentity(c *fiber.Ctx, identity *Identity) {
	c.Locals(identityLocalKey, identity)
}

// GetIdentity returns the identity set by the auth middleware.
func GetIdentity(c *fiber.Ctx) (*Identity, bool) {
	identity, ok := c.Locals(identityLocalKey).(*Identity)
	return identity, ok && identity != nil && identity.UserID != ""
}

// TokenFromRequest pulls the bearer token from the Authorization header, or
// from the token query parameter for EventSource clients that cannot set
// headers.
func TokenFromRequest(c *fiber.Ctx) string {
	header := c.Get(fiber.HeaderAuthorization)
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return c.Query("token")
}
