package auth

import (
	"context"
	"strings"
	"testing"
	"time"
)

func withSecret(t *testing.T, value string) {
	t.Helper()
	t.Setenv(secretEnvVariable, value)
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndValidate(t *testing.T) {
	withSecret(t, "test-secret")

	token, err := GenerateToken("user-42", []string{"Super_Admin", "super_admin", ""}, 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "user-42" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Issuer != issuer {
		t.Fatalf("unexpected issuer: %s", claims.Issuer)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "super_admin" {
		t.Fatalf("roles were not normalized: %v", claims.Roles)
	}
}

func TestParseRejectsTamperedToken(t *testing.T) {
	withSecret(t, "test-secret")

	token, err := GenerateToken("user-42", nil, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	tampered := token[:len(token)-2] + "xx"
	if _, err := ParseAndValidate(tampered); err == nil {
		t.Fatal("expected tampered token to be rejected")
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	withSecret(t, "test-secret")

	// TTL must be positive, so sign with the smallest one and wait it out.
	token, err := GenerateToken("user-42", nil, time.Nanosecond)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := ParseAndValidate(token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestGenerateRequiresSecret(t *testing.T) {
	withSecret(t, "")

	if _, err := GenerateToken("user-42", nil, time.Minute); err == nil {
		t.Fatal("expected missing secret error")
	}
}

func TestGenerateValidatesInput(t *testing.T) {
	withSecret(t, "test-secret")

	if _, err := GenerateToken("   ", nil, time.Minute); err == nil {
		t.Fatal("expected error for blank user id")
	}
	if _, err := GenerateToken("user-42", nil, 0); err == nil {
		t.Fatal("expected error for non-positive ttl")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithUser(ctx, "user-7", []string{"Admin", "Admin", "viewer"})

	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user-7" {
		t.Fatalf("unexpected user id: %s, ok=%v", id, ok)
	}
	roles := RolesFromContext(ctx)
	if len(roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", roles)
	}
	if !HasRole(ctx, "ADMIN") || !HasRole(ctx, "viewer") {
		t.Fatal("expected case-insensitive role lookup")
	}
	if HasRole(ctx, "owner") {
		t.Fatal("unexpected role match")
	}
	if HasRole(context.Background(), "admin") {
		t.Fatal("role lookup on empty context should fail")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	withSecret(t, "test-secret")

	for _, raw := range []string{"", "   ", "not.a.jwt", strings.Repeat("a", 64)} {
		if _, err := ParseAndValidate(raw); err == nil {
			t.Fatalf("expected rejection for %q", raw)
		}
	}
}
