package secrets

import (
	"errors"
	"strings"
	"testing"
)

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	hasher, err := NewHasher(Params{MemoryKiB: 1024, Iterations: 1, Parallelism: 1})
	if err != nil {
		t.Fatalf("failed to construct hasher: %v", err)
	}
	return hasher
}

func TestHashVerifyRoundTrip(t *testing.T) {
	hasher := newTestHasher(t)
	for _, phrase := range []string{"gold", "pineapple", "open sesame", "ünïcödé pass", "x"} {
		digest, err := hasher.Hash(phrase)
		if err != nil {
			t.Fatalf("hash failed for %q: %v", phrase, err)
		}
		if !hasher.Verify(phrase, digest) {
			t.Fatalf("expected %q to verify against its own digest", phrase)
		}
		otherDigest, err := hasher.Hash(phrase + "x")
		if err != nil {
			t.Fatalf("hash failed: %v", err)
		}
		if hasher.Verify(phrase, otherDigest) {
			t.Fatalf("expected %q not to verify against digest of %q", phrase, phrase+"x")
		}
	}
}

func TestHashNormalizesCaseAndWhitespace(t *testing.T) {
	hasher := newTestHasher(t)
	digest, err := hasher.Hash(" Secret ")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	for _, variant := range []string{"secret", "SECRET", "\tsecret\n"} {
		if !hasher.Verify(variant, digest) {
			t.Fatalf("expected %q to match digest of \" Secret \"", variant)
		}
	}
	if Normalize("  Open   Sesame ") != "open sesame" {
		t.Fatalf("unexpected normalization %q", Normalize("  Open   Sesame "))
	}
}

func TestHashUsesRandomSalt(t *testing.T) {
	hasher := newTestHasher(t)
	first, _ := hasher.Hash("gold")
	second, _ := hasher.Hash("gold")
	if first == second {
		t.Fatalf("expected distinct digests for repeated hashing")
	}
	if !strings.HasPrefix(first, "$argon2id$v=19$m=1024,t=1,p=1$") {
		t.Fatalf("unexpected digest encoding %q", first)
	}
}

func TestHashRejectsBlankSecret(t *testing.T) {
	hasher := newTestHasher(t)
	if _, err := hasher.Hash("   "); !errors.Is(err, ErrEmptySecret) {
		t.Fatalf("expected empty secret error, got %v", err)
	}
}

func TestVerifyRejectsMalformedDigests(t *testing.T) {
	hasher := newTestHasher(t)
	digest, _ := hasher.Hash("gold")
	malformed := []string{
		"",
		"gold",
		"$2a$10$abcdefghijklmnopqrstuv",
		"$argon2id$v=19$m=1024,t=1,p=1$onlysalt",
		"$argon2id$v=18$m=1024,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=19$m=0,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=19$m=1024,t=1,p=1$!!!$a2V5",
		strings.Replace(digest, "$m=1024", "$m=abc", 1),
	}
	for _, value := range malformed {
		if hasher.Verify("gold", value) {
			t.Fatalf("expected malformed digest %q to fail verification", value)
		}
	}
	if hasher.Verify("", digest) {
		t.Fatalf("blank secret must never verify")
	}
}

func TestVerifyReadsParametersFromDigest(t *testing.T) {
	weak := newTestHasher(t)
	digest, _ := weak.Hash("gold")
	stronger, err := NewHasher(Params{MemoryKiB: 2048, Iterations: 2, Parallelism: 1})
	if err != nil {
		t.Fatalf("failed to construct hasher: %v", err)
	}
	if !stronger.Verify("gold", digest) {
		t.Fatalf("expected digest to verify with its own encoded parameters")
	}
}

func TestNewHasherRejectsZeroParams(t *testing.T) {
	if _, err := NewHasher(Params{}); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected invalid params error, got %v", err)
	}
}
