package auth_test

import (
	"strings"
	"testing"

	"github.com/technosupport/ts-license/internal/auth"
)

func TestHashPassword(t *testing.T) {
	password := "correct-horse-battery-staple"

	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("Failed to hash password: %v", err)
	}

	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Errorf("Expected argon2id prefix, got %s", hash)
	}

	match, err := auth.CheckPassword(password, hash)
	if err != nil {
		t.Errorf("CheckPassword returned error: %v", err)
	}
	if !match {
		t.Errorf("Password did not match hash")
	}

	match, err = auth.CheckPassword("wrong-password", hash)
	if err != nil {
		t.Errorf("CheckPassword returned error: %v", err)
	}
	if match {
		t.Errorf("Wrong password matched hash")
	}
}

func TestLegacyHash(t *testing.T) {
	// sha256("admin123")
	legacy := "240be518fabd2724ddb6f04eeb1da5967448d7e831c08c8fa822809f74c720a9"

	if !auth.IsLegacyHash(legacy) {
		t.Fatal("expected legacy hash to be detected")
	}
	match, err := auth.CheckPassword("admin123", legacy)
	if err != nil || !match {
		t.Errorf("legacy password did not match: %v", err)
	}
	match, _ = auth.CheckPassword("admin1234", legacy)
	if match {
		t.Error("wrong password matched legacy hash")
	}
	if !auth.NeedsRehash(legacy) {
		t.Error("legacy hash should need rehash")
	}
}

func TestNeedsRehash(t *testing.T) {
	hash, _ := auth.HashPassword("pw")
	if auth.NeedsRehash(hash) {
		t.Error("fresh hash should not need rehash")
	}

	weak := &auth.Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 8, KeyLength: 16}
	weakHash, err := weak.Hash("pw")
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := auth.CheckPassword("pw", weakHash); !ok {
		t.Error("weak hash should still verify")
	}
	if !auth.NeedsRehash(weakHash) {
		t.Error("weak params should need rehash")
	}
}

func TestCheckPassword_Malformed(t *testing.T) {
	if _, err := auth.CheckPassword("pw", "$argon2id$broken"); err == nil {
		t.Error("expected error for malformed hash")
	}
}
