package apitoken

import (
	"errors"
	"testing"
	"time"
)

const testDID = "did:orgmesh:dGVzdA"

func withSecret(t *testing.T, value string) {
	t.Helper()
	ResetSecretForTests()
	t.Setenv("ORGMESH_API_SECRET", value)
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndValidate(t *testing.T) {
	withSecret(t, "unit-test-secret")

	token, err := Generate(testDID, "Alice", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != testDID {
		t.Fatalf("subject = %q", claims.Subject)
	}
	if claims.DisplayName != "Alice" {
		t.Fatalf("display_name = %q", claims.DisplayName)
	}
	if claims.ID == "" {
		t.Fatalf("token id missing")
	}
}

func TestValidateRejectsTampered(t *testing.T) {
	withSecret(t, "unit-test-secret")

	token, err := Generate(testDID, "", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := ParseAndValidate(token + "x"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
	if _, err := ParseAndValidate(""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("empty token err = %v", err)
	}
}

func TestGenerateRequiresSecret(t *testing.T) {
	withSecret(t, "")

	if _, err := Generate(testDID, "", time.Minute); err == nil {
		t.Fatalf("expected error without secret")
	}
}

func TestGenerateRejectsBadDID(t *testing.T) {
	withSecret(t, "unit-test-secret")

	if _, err := Generate("not-a-did", "", time.Minute); err == nil {
		t.Fatalf("expected error for malformed DID")
	}
	if _, err := Generate(testDID, "", 0); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
}
