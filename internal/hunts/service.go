package hunts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/unearth/internal/drops"
	"github.com/MarcoPoloResearchLab/unearth/internal/geo"
	"go.uber.org/zap"
)

var (
	// ErrUnknownHunt indicates no hunt drop uses the requested code.
	ErrUnknownHunt = errors.New("hunts: unknown hunt code")
	// ErrMissingIdentity indicates an anonymous caller tried to join a hunt.
	ErrMissingIdentity = errors.New("hunts: identity is required")

	errMissingMemberships = errors.New("membership store is required")
	errMissingCatalog     = errors.New("hunt catalog is required")
)

const (
	opServiceNew = "hunts.service.new"
	opJoin       = "hunts.join"
	opHintFor    = "hunts.hint_for"
)

// ServiceError carries a stable `<operation>.<reason>` code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// Memberships records which identities joined which hunts.
type Memberships interface {
	Join(ctx context.Context, identity, code string, at time.Time) error
	HasJoined(ctx context.Context, identity, code string) (bool, error)
}

// Catalog answers whether a hunt code is in use.
type Catalog interface {
	HuntCodeExists(ctx context.Context, code string) (bool, error)
}

type ServiceConfig struct {
	Memberships Memberships
	Catalog     Catalog
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Service manages hunt membership and proximity hints.
type Service struct {
	memberships Memberships
	catalog     Catalog
	clock       func() time.Time
	logger      *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Memberships == nil {
		return nil, newServiceError(opServiceNew, "missing_memberships", errMissingMemberships)
	}
	if cfg.Catalog == nil {
		return nil, newServiceError(opServiceNew, "missing_catalog", errMissingCatalog)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		memberships: cfg.Memberships,
		catalog:     cfg.Catalog,
		clock:       clock,
		logger:      logger,
	}, nil
}

// Join adds identity to the hunt identified by code. Joining twice is a no-op.
func (s *Service) Join(ctx context.Context, identity, code string) error {
	if identity == "" {
		return ErrMissingIdentity
	}
	normalized := drops.NormalizeHuntCode(code)
	if normalized == "" {
		return ErrUnknownHunt
	}

	exists, err := s.catalog.HuntCodeExists(ctx, normalized)
	if err != nil {
		s.logError(opJoin, "catalog_lookup_failed", err, zap.String("hunt_code", normalized))
		return newServiceError(opJoin, "catalog_lookup_failed", err)
	}
	if !exists {
		return ErrUnknownHunt
	}

	if err := s.memberships.Join(ctx, identity, normalized, s.clock().UTC()); err != nil {
		s.logError(opJoin, "membership_insert_failed", err,
			zap.String("identity", identity),
			zap.String("hunt_code", normalized))
		return newServiceError(opJoin, "membership_insert_failed", err)
	}
	return nil
}

// HasJoined reports whether identity joined code.
func (s *Service) HasJoined(ctx context.Context, identity, code string) (bool, error) {
	if identity == "" {
		return false, nil
	}
	return s.memberships.HasJoined(ctx, identity, code)
}

// CanShowProximityHints resolves membership and applies the hint rules.
// Non-hunt drops are answered without touching the membership store.
func (s *Service) CanShowProximityHints(ctx context.Context, drop drops.Drop, identity string) (bool, error) {
	hunt, ok := drop.Hunt()
	if !ok || identity == "" {
		return false, nil
	}
	joined, err := s.memberships.HasJoined(ctx, identity, hunt.Code())
	if err != nil {
		return false, err
	}
	return CanShowProximityHints(drop, identity, joined), nil
}

// HintFor returns the proximity hint for identity standing at coordinate.
// The boolean is false whenever no hint may be shown.
func (s *Service) HintFor(ctx context.Context, drop drops.Drop, identity string, coordinate geo.Coordinate) (Hint, bool, error) {
	allowed, err := s.CanShowProximityHints(ctx, drop, identity)
	if err != nil {
		s.logError(opHintFor, "membership_lookup_failed", err,
			zap.String("drop_id", drop.ID),
			zap.String("identity", identity))
		return Hint{}, false, newServiceError(opHintFor, "membership_lookup_failed", err)
	}
	if !allowed {
		return Hint{}, false, nil
	}
	hunt, _ := drop.Hunt()
	distance := geo.DistanceMeters(coordinate, drop.Location)
	hint, ok := ProximityHint(HintStrengthFor(hunt.Difficulty()), distance)
	return hint, ok, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	if s.logger == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("hunt operation failed", allFields...)
}
