package ratelimit

import (
	"errors"
	"strings"
	"testing"
)

func TestAddressHasherNeverExposesRawAddress(t *testing.T) {
	hasher, err := NewAddressHasher("pepper")
	if err != nil {
		t.Fatalf("failed to build hasher: %v", err)
	}
	key := hasher.Key("203.0.113.7")
	if !strings.HasPrefix(key, "ip:") {
		t.Fatalf("unexpected key prefix %q", key)
	}
	if strings.Contains(key, "203.0.113.7") {
		t.Fatalf("raw address leaked into key %q", key)
	}
	if len(hasher.Hash("203.0.113.7")) != 64 {
		t.Fatalf("expected 32-byte hex digest")
	}
}

func TestAddressHasherCanonicalizesAddresses(t *testing.T) {
	hasher, _ := NewAddressHasher("pepper")
	if hasher.Hash("203.0.113.7:5123") != hasher.Hash(" 203.0.113.7 ") {
		t.Fatalf("expected port and whitespace to be ignored")
	}
	if hasher.Hash("[2001:db8::1]:443") != hasher.Hash("2001:0db8:0000::0001") {
		t.Fatalf("expected ipv6 forms to canonicalize")
	}
	if hasher.Hash("203.0.113.7") == hasher.Hash("203.0.113.8") {
		t.Fatalf("expected distinct addresses to hash differently")
	}
}

func TestAddressHasherDependsOnSalt(t *testing.T) {
	first, _ := NewAddressHasher("pepper")
	second, _ := NewAddressHasher("salt")
	long, err := NewAddressHasher(strings.Repeat("x", 100))
	if err != nil {
		t.Fatalf("expected long salt to be accepted: %v", err)
	}
	if first.Hash("198.51.100.1") == second.Hash("198.51.100.1") {
		t.Fatalf("expected salt to change digest")
	}
	if long.Hash("198.51.100.1") == "" {
		t.Fatalf("expected digest from long salt")
	}
	if _, err := NewAddressHasher(""); !errors.Is(err, ErrMissingSalt) {
		t.Fatalf("expected missing salt error, got %v", err)
	}
}
