package internal

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAuthRoundTrip(t *testing.T) {
	fix := newFixture(t)
	ctx := context.Background()
	gateway := NewAuthGateway(fix.store, []byte("test-secret"), time.Hour, 24*time.Hour)

	token, expiresAt, err := gateway.Issue("alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !expiresAt.After(time.Now()) {
		t.Fatalf("expiry should be in the future")
	}

	identity, err := gateway.Verify(ctx, token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if identity.UserID != fix.aliceID || identity.Username != "alice" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestAuthRejectsForgedToken(t *testing.T) {
	fix := newFixture(t)
	ctx := context.Background()
	gateway := NewAuthGateway(fix.store, []byte("test-secret"), time.Hour, 24*time.Hour)
	forger := NewAuthGateway(fix.store, []byte("other-secret"), time.Hour, 24*time.Hour)

	forged, _, err := forger.Issue("alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := gateway.Verify(ctx, forged); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for forged token, got %v", err)
	}
	if _, err := gateway.Verify(ctx, "not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
	}
}

func TestAuthRejectsExpiredToken(t *testing.T) {
	fix := newFixture(t)
	gateway := NewAuthGateway(fix.store, []byte("test-secret"), -time.Minute, 24*time.Hour)

	token, _, err := gateway.Issue("alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := gateway.Verify(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestAuthRejectsUnknownSubject(t *testing.T) {
	fix := newFixture(t)
	gateway := NewAuthGateway(fix.store, []byte("test-secret"), time.Hour, 24*time.Hour)

	token, _, err := gateway.Issue("ghost")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := gateway.Verify(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for unknown user, got %v", err)
	}
}

func TestRefreshTokenRoundTrip(t *testing.T) {
	fix := newFixture(t)
	ctx := context.Background()
	gateway := NewAuthGateway(fix.store, []byte("test-secret"), time.Hour, 24*time.Hour)

	refresh, err := gateway.IssueRefresh(ctx, fix.aliceID)
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}
	user, err := fix.store.GetUserByRefreshToken(ctx, refresh)
	if err != nil {
		t.Fatalf("GetUserByRefreshToken: %v", err)
	}
	if user == nil || user.ID != fix.aliceID {
		t.Fatalf("refresh token did not resolve: %+v", user)
	}

	// A second issue replaces the first.
	replacement, err := gateway.IssueRefresh(ctx, fix.aliceID)
	if err != nil {
		t.Fatalf("IssueRefresh replacement: %v", err)
	}
	if replacement == refresh {
		t.Fatalf("refresh tokens must be unique")
	}
	user, err = fix.store.GetUserByRefreshToken(ctx, refresh)
	if err != nil {
		t.Fatalf("GetUserByRefreshToken old: %v", err)
	}
	if user != nil {
		t.Fatalf("old refresh token should be dead")
	}
}
