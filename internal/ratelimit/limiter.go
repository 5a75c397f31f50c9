package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultMaxAttempts is the number of unlock attempts allowed per window.
	DefaultMaxAttempts = 5
	// DefaultWindow is the fixed window length.
	DefaultWindow = 60 * time.Second

	identityKeyPrefix = "identity:"
	addressKeyPrefix  = "ip:"
)

var (
	errMissingStore = errors.New("ratelimit: store is required")
	// ErrInvalidPolicy indicates a non-positive attempt budget or window.
	ErrInvalidPolicy = errors.New("ratelimit: invalid policy")
	// ErrEmptyKey indicates a blank limiter key.
	ErrEmptyKey = errors.New("ratelimit: key is required")
	// ErrContention indicates the store kept changing underneath the check.
	ErrContention = errors.New("ratelimit: record contention")
)

// Decision is the outcome of a single check.
type Decision struct {
	Allowed    bool
	Attempts   int
	RetryAfter time.Duration
}

// Store persists fixed-window counters. Implementations must apply the
// check-and-increment atomically with respect to concurrent callers.
type Store interface {
	CheckAndRecord(ctx context.Context, key string, maxAttempts int, window time.Duration, now time.Time) (Decision, error)
}

// Policy describes an attempt budget per window.
type Policy struct {
	MaxAttempts int
	Window      time.Duration
}

// DefaultPolicy returns the unlock attempt policy.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, Window: DefaultWindow}
}

func (p Policy) validate() error {
	if p.MaxAttempts <= 0 || p.Window <= 0 {
		return fmt.Errorf("%w: max_attempts=%d window=%s", ErrInvalidPolicy, p.MaxAttempts, p.Window)
	}
	return nil
}

// LimiterConfig wires a Limiter.
type LimiterConfig struct {
	Store  Store
	Policy Policy
	Clock  func() time.Time
}

// Limiter applies a fixed-window attempt policy on top of a Store.
type Limiter struct {
	store  Store
	policy Policy
	clock  func() time.Time
}

// NewLimiter validates the configuration and returns a Limiter.
func NewLimiter(cfg LimiterConfig) (*Limiter, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	policy := cfg.Policy
	if policy == (Policy{}) {
		policy = DefaultPolicy()
	}
	if err := policy.validate(); err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Limiter{store: cfg.Store, policy: policy, clock: clock}, nil
}

// Policy returns the configured default policy.
func (l *Limiter) Policy() Policy {
	return l.policy
}

// Allow applies the configured default policy to key.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	return l.CheckAndRecord(ctx, key, l.policy.MaxAttempts, l.policy.Window)
}

// CheckAndRecord counts one attempt against key and reports whether it is
// allowed under maxAttempts per window.
func (l *Limiter) CheckAndRecord(ctx context.Context, key string, maxAttempts int, window time.Duration) (Decision, error) {
	if strings.TrimSpace(key) == "" {
		return Decision{}, ErrEmptyKey
	}
	if err := (Policy{MaxAttempts: maxAttempts, Window: window}).validate(); err != nil {
		return Decision{}, err
	}
	return l.store.CheckAndRecord(ctx, key, maxAttempts, window, l.clock())
}

// IdentityKey returns the limiter key for an authenticated identity.
func IdentityKey(identity string) string {
	return identityKeyPrefix + identity
}

// decide applies the fixed-window rules to an existing counter. It returns
// the next attempt count and window start to persist when allowed.
func decide(attempts int, windowStart, now time.Time, maxAttempts int, window time.Duration) (Decision, int, time.Time) {
	elapsed := now.Sub(windowStart)
	if elapsed >= window {
		return Decision{Allowed: true, Attempts: 1}, 1, now
	}
	if attempts >= maxAttempts {
		return Decision{Allowed: false, Attempts: attempts, RetryAfter: window - elapsed}, attempts, windowStart
	}
	return Decision{Allowed: true, Attempts: attempts + 1}, attempts + 1, windowStart
}
