package auth

import (
	"context"
	"errors"
	"testing"
)

func TestHS256VerifyRoundTrip(t *testing.T) {
	token, err := SignHS256("test-secret", "user-1", "a@example.com")
	if err != nil {
		t.Fatalf("SignHS256() error = %v", err)
	}

	identity, err := NewHS256Verifier("test-secret").Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if identity.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", identity.UserID)
	}
	if identity.Email != "a@example.com" {
		t.Errorf("Email = %q, want a@example.com", identity.Email)
	}
}

func TestHS256VerifyWrongSecret(t *testing.T) {
	token, _ := SignHS256("secret-a", "user-1", "")

	if _, err := NewHS256Verifier("secret-b").Verify(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() with wrong secret error = %v, want ErrInvalidToken", err)
	}
}

func TestHS256VerifyMissingSubject(t *testing.T) {
	token, _ := SignHS256("secret", "", "")

	if _, err := NewHS256Verifier("secret").Verify(context.Background(), token); err == nil {
		t.Error("Verify() with empty subject succeeded, want error")
	}
}

func TestChainFallsThrough(t *testing.T) {
	token, _ := SignHS256("secret", "user-1", "")

	chain := Chain{
		NewHS256Verifier("wrong"),
		NewHS256Verifier("secret"),
	}
	identity, err := chain.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Chain.Verify() error = %v", err)
	}
	if identity.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", identity.UserID)
	}
}

func TestChainAllFail(t *testing.T) {
	chain := Chain{NewHS256Verifier("a"), NewHS256Verifier("b")}
	if _, err := chain.Verify(context.Background(), "garbage"); err == nil {
		t.Error("Chain.Verify() on garbage token succeeded, want error")
	}
}
