package secrets

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	// DefaultMemoryKiB is the argon2id memory cost used when none is configured.
	DefaultMemoryKiB = 64 * 1024
	// DefaultIterations is the argon2id time cost used when none is configured.
	DefaultIterations = 3
	// DefaultParallelism is the argon2id lane count used when none is configured.
	DefaultParallelism = 2

	saltLength   = 16
	keyLength    = 32
	digestPrefix = "$argon2id$"
)

var (
	// ErrEmptySecret indicates the phrase is blank after normalization.
	ErrEmptySecret = errors.New("secrets: secret is empty")
	// ErrInvalidParams indicates a zero cost parameter.
	ErrInvalidParams = errors.New("secrets: invalid hash parameters")
)

// Params tunes the argon2id cost.
type Params struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
}

// DefaultParams returns the production cost settings.
func DefaultParams() Params {
	return Params{
		MemoryKiB:   DefaultMemoryKiB,
		Iterations:  DefaultIterations,
		Parallelism: DefaultParallelism,
	}
}

func (p Params) validate() error {
	if p.MemoryKiB == 0 || p.Iterations == 0 || p.Parallelism == 0 {
		return fmt.Errorf("%w: %+v", ErrInvalidParams, p)
	}
	return nil
}

// Hasher produces and checks argon2id digests of normalized secret phrases.
type Hasher struct {
	params Params
}

// NewHasher constructs a Hasher with the provided cost parameters.
func NewHasher(params Params) (*Hasher, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	return &Hasher{params: params}, nil
}

// Normalize trims, lower-cases and collapses internal whitespace so that a
// phrase typed with different casing or spacing yields the same digest.
func Normalize(secret string) string {
	return strings.ToLower(strings.Join(strings.Fields(secret), " "))
}

// Hash returns the PHC-encoded argon2id digest of the normalized secret.
func (h *Hasher) Hash(secret string) (string, error) {
	normalized := Normalize(secret)
	if normalized == "" {
		return "", ErrEmptySecret
	}
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("secrets: salt generation failed: %w", err)
	}
	key := argon2.IDKey([]byte(normalized), salt, h.params.Iterations, h.params.MemoryKiB, h.params.Parallelism, keyLength)
	return encodeDigest(h.params, salt, key), nil
}

// Verify reports whether secret matches digest. It never returns an error:
// malformed digests simply fail verification.
func (h *Hasher) Verify(secret, digest string) bool {
	normalized := Normalize(secret)
	if normalized == "" {
		return false
	}
	params, salt, expected, err := decodeDigest(digest)
	if err != nil {
		return false
	}
	actual := argon2.IDKey([]byte(normalized), salt, params.Iterations, params.MemoryKiB, params.Parallelism, uint32(len(expected)))
	return subtle.ConstantTimeCompare(actual, expected) == 1
}

func encodeDigest(params Params, salt, key []byte) string {
	return fmt.Sprintf("%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		digestPrefix,
		argon2.Version,
		params.MemoryKiB,
		params.Iterations,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)
}

func decodeDigest(digest string) (Params, []byte, []byte, error) {
	if !strings.HasPrefix(digest, digestPrefix) {
		return Params{}, nil, nil, errors.New("unsupported digest algorithm")
	}
	parts := strings.Split(strings.TrimPrefix(digest, digestPrefix), "$")
	if len(parts) != 4 {
		return Params{}, nil, nil, errors.New("malformed digest")
	}

	var version int
	if _, err := fmt.Sscanf(parts[0], "v=%d", &version); err != nil || version != argon2.Version {
		return Params{}, nil, nil, errors.New("unsupported digest version")
	}

	var params Params
	if _, err := fmt.Sscanf(parts[1], "m=%d,t=%d,p=%d", &params.MemoryKiB, &params.Iterations, &params.Parallelism); err != nil {
		return Params{}, nil, nil, fmt.Errorf("malformed digest parameters: %w", err)
	}
	if err := params.validate(); err != nil {
		return Params{}, nil, nil, err
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil || len(salt) == 0 {
		return Params{}, nil, nil, errors.New("malformed digest salt")
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil || len(key) == 0 {
		return Params{}, nil, nil, errors.New("malformed digest key")
	}
	return params, salt, key, nil
}
