package authchain

import (
	"errors"
	"testing"
	"time"
)

func TestCompletionTokenRoundTrip(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	issuer := newCompletionIssuer(CompletionConfig{Secret: secret, TTL: 2 * time.Minute, Issuer: "authchain"})

	token, err := issuer.Issue(User{ID: "u1"}, "run-1", time.Now())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := ParseCompletionToken(secret, token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != "u1" || claims.RunID != "run-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestCompletionTokenWrongSecret(t *testing.T) {
	issuer := newCompletionIssuer(CompletionConfig{
		Secret: []byte("0123456789abcdef0123456789abcdef"),
		TTL:    2 * time.Minute,
		Issuer: "authchain",
	})
	token, err := issuer.Issue(User{ID: "u1"}, "run-1", time.Now())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	_, err = ParseCompletionToken([]byte("another-secret-another-secret-ab"), token)
	if !errors.Is(err, ErrCompletionTokenInvalid) {
		t.Fatalf("expected ErrCompletionTokenInvalid, got %v", err)
	}
}

func TestCompletionTokenExpired(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	issuer := newCompletionIssuer(CompletionConfig{Secret: secret, TTL: time.Minute, Issuer: "authchain"})

	token, err := issuer.Issue(User{ID: "u1"}, "run-1", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := ParseCompletionToken(secret, token); !errors.Is(err, ErrCompletionTokenInvalid) {
		t.Fatalf("expected ErrCompletionTokenInvalid, got %v", err)
	}
}

func TestCompletionTokenGarbage(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	if _, err := ParseCompletionToken(secret, "not.a.token"); !errors.Is(err, ErrCompletionTokenInvalid) {
		t.Fatalf("expected ErrCompletionTokenInvalid, got %v", err)
	}
}
