package ratelimit

import (
	"encoding/hex"
	"errors"
	"net"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// ErrMissingSalt indicates the address hasher was built without a salt.
var ErrMissingSalt = errors.New("ratelimit: address salt is required")

// AddressHasher turns network addresses into salted digests so raw client
// addresses are never persisted.
type AddressHasher struct {
	key []byte
}

// NewAddressHasher constructs a hasher keyed by salt.
func NewAddressHasher(salt string) (*AddressHasher, error) {
	if strings.TrimSpace(salt) == "" {
		return nil, ErrMissingSalt
	}
	key := []byte(salt)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	return &AddressHasher{key: key}, nil
}

// Hash returns the hex digest of the canonical form of address.
func (h *AddressHasher) Hash(address string) string {
	digest, err := blake2b.New256(h.key)
	if err != nil {
		// key length is bounded in NewAddressHasher
		panic(err)
	}
	digest.Write([]byte(canonicalAddress(address)))
	return hex.EncodeToString(digest.Sum(nil))
}

// Key returns the limiter key for an anonymous caller at address.
func (h *AddressHasher) Key(address string) string {
	return addressKeyPrefix + h.Hash(address)
}

func canonicalAddress(address string) string {
	trimmed := strings.TrimSpace(address)
	if host, _, err := net.SplitHostPort(trimmed); err == nil {
		trimmed = host
	}
	if ip := net.ParseIP(trimmed); ip != nil {
		return ip.String()
	}
	return strings.ToLower(trimmed)
}
