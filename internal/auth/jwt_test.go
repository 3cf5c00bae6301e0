package auth

import (
	"strings"
	"testing"
	"time"
)

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier("0123456789abcdef0123", "content-repurposer")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return v
}

func TestVerifierRoundTrip(t *testing.T) {
	v := newTestVerifier(t)

	token, err := v.Issue(Identity{UserID: "user-1", Email: "u@example.com"}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	id, err := v.Parse(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id.UserID != "user-1" || id.Email != "u@example.com" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestVerifierRejectsTampering(t *testing.T) {
	v := newTestVerifier(t)
	token, _ := v.Issue(Identity{UserID: "user-1"}, time.Hour)

	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]
	if _, err := v.Parse(tampered); err == nil {
		t.Fatal("tampered payload should be rejected")
	}

	other, _ := NewVerifier("another-secret-key-123", "content-repurposer")
	foreign, _ := other.Issue(Identity{UserID: "user-1"}, time.Hour)
	if _, err := v.Parse(foreign); err == nil {
		t.Fatal("token signed with another key should be rejected")
	}
}

func TestVerifierRejectsExpired(t *testing.T) {
	v := newTestVerifier(t)

	issued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	v.nowFunc = func() time.Time { return issued }
	token, _ := v.Issue(Identity{UserID: "user-1"}, time.Minute)

	v.nowFunc = func() time.Time { return issued.Add(2 * time.Minute) }
	if _, err := v.Parse(token); err != ErrTokenExpired {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestVerifierRejectsWrongIssuer(t *testing.T) {
	v := newTestVerifier(t)
	other, _ := NewVerifier("0123456789abcdef0123", "someone-else")
	token, _ := other.Issue(Identity{UserID: "user-1"}, time.Hour)

	if _, err := v.Parse(token); err == nil {
		t.Fatal("token with wrong issuer should be rejected")
	}
}
