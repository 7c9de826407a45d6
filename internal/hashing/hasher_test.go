package hashing

import (
	"strings"
	"testing"

	"consent-otp-service/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			PepperSecret:      "test-pepper",
		},
	}
}

func TestHashAndVerifyCode(t *testing.T) {
	h := NewHasher(testConfig())

	record, err := h.HashCode("482913")
	if err != nil {
		t.Fatalf("HashCode failed: %v", err)
	}
	if strings.Contains(record, "482913") {
		t.Fatal("hash record contains the plaintext code")
	}

	if !h.VerifyCode("482913", record) {
		t.Error("correct code did not verify")
	}
	if h.VerifyCode("482914", record) {
		t.Error("wrong code verified")
	}
	if h.VerifyCode("", record) {
		t.Error("empty code verified")
	}
}

func TestHashCodeSaltsDiffer(t *testing.T) {
	h := NewHasher(testConfig())

	first, err := h.HashCode("123456")
	if err != nil {
		t.Fatalf("HashCode failed: %v", err)
	}
	second, err := h.HashCode("123456")
	if err != nil {
		t.Fatalf("HashCode failed: %v", err)
	}
	if first == second {
		t.Error("two hashes of the same code are identical; salt is not applied")
	}
}

func TestVerifyCodeFailsClosed(t *testing.T) {
	h := NewHasher(testConfig())

	for _, record := range []string{
		"",
		"not json",
		`{"hash":"!!!","salt":"!!!","pepper_version":1,"algorithm":"argon2id-v1"}`,
		`{"hash":"","salt":"","pepper_version":99,"algorithm":"argon2id-v1"}`,
	} {
		if h.VerifyCode("123456", record) {
			t.Errorf("malformed record %q verified", record)
		}
	}
}

func TestGeneratedPepperWhenUnconfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Hashing.PepperSecret = ""
	h := NewHasher(cfg)

	record, err := h.HashCode("654321")
	if err != nil {
		t.Fatalf("HashCode failed: %v", err)
	}
	if !h.VerifyCode("654321", record) {
		t.Error("code hashed under a generated pepper did not verify")
	}
}

func TestVerifyAfterPepperRotation(t *testing.T) {
	cfg := testConfig()
	cfg.Hashing.PepperSecret = ""
	h := NewHasher(cfg)

	record, err := h.HashCode("777000")
	if err != nil {
		t.Fatalf("HashCode failed: %v", err)
	}

	h.rotatePepper()

	if !h.VerifyCode("777000", record) {
		t.Error("code hashed under the previous pepper no longer verifies")
	}
}
