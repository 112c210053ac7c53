package auth

import (
	"context"
	"fmt"

	"github.com/clerk/clerk-sdk-go/v2"
	"github.com/clerk/clerk-sdk-go/v2/jwt"
	"github.com/clerk/clerk-sdk-go/v2/user"

	"github.com/vidsum/vidsum-api/internal/utils/clientcache"
)

// ClerkVerifier validates Clerk session tokens. Email lookups go through the
// Clerk API once per user and are cached after that.
type ClerkVerifier struct {
	emails *clientcache.Cache[string]
}

func NewClerkVerifier(secretKey string) *ClerkVerifier {
	clerk.SetKey(secretKey)
	return &ClerkVerifier{
		emails: clientcache.NewCache[string](),
	}
}

func (v *ClerkVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	claims, err := jwt.Verify(ctx, &jwt.VerifyParams{
		Token: token,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	email, err := v.primaryEmail(ctx, claims.Subject)
	if err != nil {
		// Identity still stands without an email; only admin checks need it.
		email = ""
	}

	return &Identity{UserID: claims.Subject, Email: email}, nil
}

func (v *ClerkVerifier) primaryEmail(ctx context.Context, userID string) (string, error) {
	return v.emails.GetOrCreate(userID, func() (string, error) {
		u, err := user.Get(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("failed to load clerk user %s: %w", userID, err)
		}
		for _, addr := range u.EmailAddresses {
			if u.PrimaryEmailAddressID != nil && addr.ID == *u.PrimaryEmailAddressID {
				return addr.EmailAddress, nil
			}
		}
		if len(u.EmailAddresses) > 0 {
			return u.EmailAddresses[0].EmailAddress, nil
		}
		return "", nil
	})
}
