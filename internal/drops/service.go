package drops

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/unearth/internal/blobs"
	"github.com/MarcoPoloResearchLab/unearth/internal/geo"
	"github.com/MarcoPoloResearchLab/unearth/internal/tiers"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrForbidden indicates the actor may not manage the drop.
	ErrForbidden = errors.New("drops: forbidden")
	// ErrQuotaExceeded indicates the owner reached the drop cap of their tier.
	ErrQuotaExceeded = errors.New("drops: drop quota exceeded")

	errMissingRepository = errors.New("drop repository is required")
	errMissingHasher     = errors.New("secret hasher is required")
	errMissingBlobs      = errors.New("blob store is required")
	errMissingIDProvider = errors.New("id provider is required")
)

const (
	opServiceNew = "drops.service.new"
	opCreate     = "drops.create"
	opUpdate     = "drops.update"
	opDelete     = "drops.delete"
	opSummary    = "drops.summary"

	maxTitleLength = 200
)

// ServiceError carries a stable `<operation>.<reason>` code for internal failures.
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

// ValidationError lists every violation found in a proposal.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "drops: invalid drop: " + strings.Join(e.Violations, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidDrop
}

// Actor is the authenticated caller managing drops.
type Actor struct {
	ID    string
	Tier  tiers.Tier
	Admin bool
}

func (a Actor) owns(drop Drop) bool {
	return a.ID != "" && a.ID == drop.OwnerID
}

// SecretHasher derives and checks secret digests.
type SecretHasher interface {
	Hash(secret string) (string, error)
}

// CreateRequest describes a new drop.
type CreateRequest struct {
	Title           string
	Description     string
	Secret          string
	Location        geo.Coordinate
	GeofenceRadiusM int
	Visibility      VisibilityClass
	HuntCode        string
	HuntDifficulty  Difficulty
	AccessScope     AccessScope
	RetrievalMode   RetrievalMode
	ExpiresAt       *time.Time
	FileSizeMB      float64
}

// UpdateRequest carries owner-editable fields; nil fields are left untouched.
type UpdateRequest struct {
	Title           *string
	Description     *string
	Secret          *string
	GeofenceRadiusM *int
}

// Summary is the read model of a drop. Location and hunt code are only set
// for the owner and admins.
type Summary struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Visibility      VisibilityClass `json:"visibility"`
	HuntCode        string          `json:"hunt_code,omitempty"`
	HuntDifficulty  Difficulty      `json:"hunt_difficulty,omitempty"`
	AccessScope     AccessScope     `json:"access_scope"`
	RetrievalMode   RetrievalMode   `json:"retrieval_mode"`
	Tier            tiers.Tier      `json:"tier"`
	GeofenceRadiusM int             `json:"geofence_radius_m"`
	Location        *geo.Coordinate `json:"location,omitempty"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	Stats           Stats           `json:"stats"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type ServiceConfig struct {
	Repository *Repository
	Hasher     SecretHasher
	Blobs      blobs.Store
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service manages the drop lifecycle for owners.
type Service struct {
	repository *Repository
	hasher     SecretHasher
	blobs      blobs.Store
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Repository == nil {
		return nil, newServiceError(opServiceNew, "missing_repository", errMissingRepository)
	}
	if cfg.Hasher == nil {
		return nil, newServiceError(opServiceNew, "missing_hasher", errMissingHasher)
	}
	if cfg.Blobs == nil {
		return nil, newServiceError(opServiceNew, "missing_blobs", errMissingBlobs)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
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
		repository: cfg.Repository,
		hasher:     cfg.Hasher,
		blobs:      cfg.Blobs,
		idProvider: idProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// CreateDrop validates the request against the actor's tier and persists a new drop.
func (s *Service) CreateDrop(ctx context.Context, actor Actor, request CreateRequest) (Drop, error) {
	if actor.ID == "" {
		return Drop{}, ErrForbidden
	}
	now := s.clock().UTC()
	tier, err := tiers.ParseTier(string(actor.Tier))
	if err != nil {
		tier = tiers.TierFree
	}
	limits := tiers.LimitsFor(tier)

	visibility, violations := buildVisibility(request)
	scope, err := ParseAccessScope(string(request.AccessScope))
	if err != nil {
		violations = append(violations, err.Error())
	}
	mode, err := ParseRetrievalMode(string(request.RetrievalMode))
	if err != nil {
		violations = append(violations, err.Error())
	}
	violations = append(violations, validateTitle(request.Title)...)
	if secretBlank(request.Secret) {
		violations = append(violations, "secret phrase is required")
	}
	if err := request.Location.Validate(); err != nil {
		violations = append(violations, err.Error())
	}
	if request.ExpiresAt != nil && !request.ExpiresAt.After(now) {
		violations = append(violations, "expiry must be in the future")
	}

	validation := tiers.ValidateDropProposal(tier, tiers.Proposal{
		SizeMB:        request.FileSizeMB,
		RadiusM:       request.GeofenceRadiusM,
		WantsPhysical: mode == RetrievalPhysical,
		WantsHunt:     request.Visibility == VisibilityHunt,
	})
	violations = append(violations, validation.Errors...)
	if len(violations) > 0 {
		return Drop{}, &ValidationError{Violations: violations}
	}

	// fast rejection before the slow hash; CreateWithinQuota enforces the cap
	owned, err := s.repository.CountByOwner(ctx, actor.ID)
	if err != nil {
		s.logError(opCreate, "count_failed", err, zap.String("owner_id", actor.ID))
		return Drop{}, newServiceError(opCreate, "count_failed", err)
	}
	if owned >= int64(limits.MaxDropsPerOwner) {
		return Drop{}, ErrQuotaExceeded
	}

	digest, err := s.hasher.Hash(request.Secret)
	if err != nil {
		s.logError(opCreate, "hash_failed", err, zap.String("owner_id", actor.ID))
		return Drop{}, newServiceError(opCreate, "hash_failed", err)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err, zap.String("owner_id", actor.ID))
		return Drop{}, newServiceError(opCreate, "id_generation_failed", err)
	}

	expiresAt := request.ExpiresAt
	if expiresAt == nil && limits.DefaultExpiryDays > 0 {
		value := now.AddDate(0, 0, limits.DefaultExpiryDays)
		expiresAt = &value
	}

	drop := Drop{
		ID:              id,
		OwnerID:         actor.ID,
		Title:           strings.TrimSpace(request.Title),
		Description:     strings.TrimSpace(request.Description),
		SecretDigest:    digest,
		Location:        request.Location,
		IndexToken:      geo.IndexToken(request.Location),
		GeofenceRadiusM: request.GeofenceRadiusM,
		Visibility:      visibility,
		AccessScope:     scope,
		RetrievalMode:   mode,
		Tier:            tier,
		ExpiresAt:       expiresAt,
		StoragePrefix:   StoragePrefixFor(id),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repository.CreateWithinQuota(ctx, drop, limits.MaxDropsPerOwner); err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			return Drop{}, err
		}
		s.logError(opCreate, "insert_failed", err, zap.String("drop_id", id))
		return Drop{}, newServiceError(opCreate, "insert_failed", err)
	}
	return drop, nil
}

// UpdateDrop applies owner edits. Radius changes are re-validated against the drop's tier.
func (s *Service) UpdateDrop(ctx context.Context, actor Actor, id string, request UpdateRequest) (Drop, error) {
	drop, err := s.load(ctx, opUpdate, id)
	if err != nil {
		return Drop{}, err
	}
	if !actor.owns(drop) {
		return Drop{}, ErrForbidden
	}

	var violations []string
	if request.Title != nil {
		title := strings.TrimSpace(*request.Title)
		violations = append(violations, validateTitle(title)...)
		drop.Title = title
	}
	if request.Description != nil {
		drop.Description = strings.TrimSpace(*request.Description)
	}
	if request.GeofenceRadiusM != nil {
		limits := tiers.LimitsFor(drop.Tier)
		if !tiers.RadiusWithin(limits, *request.GeofenceRadiusM) {
			violations = append(violations, fmt.Sprintf("radius %dm out of range: must be between %dm and %dm",
				*request.GeofenceRadiusM, limits.MinRadiusM, limits.MaxRadiusM))
		}
		drop.GeofenceRadiusM = *request.GeofenceRadiusM
	}
	if request.Secret != nil && secretBlank(*request.Secret) {
		violations = append(violations, "secret phrase is required")
	}
	if len(violations) > 0 {
		return Drop{}, &ValidationError{Violations: violations}
	}

	if request.Secret != nil {
		digest, err := s.hasher.Hash(*request.Secret)
		if err != nil {
			s.logError(opUpdate, "hash_failed", err, zap.String("drop_id", id))
			return Drop{}, newServiceError(opUpdate, "hash_failed", err)
		}
		drop.SecretDigest = digest
	}
	drop.UpdatedAt = s.clock().UTC()

	if err := s.repository.Update(ctx, drop); err != nil {
		if errors.Is(err, ErrDropNotFound) {
			return Drop{}, err
		}
		s.logError(opUpdate, "update_failed", err, zap.String("drop_id", id))
		return Drop{}, newServiceError(opUpdate, "update_failed", err)
	}
	return drop, nil
}

// DeleteDrop removes every stored file of the drop and then the drop itself.
func (s *Service) DeleteDrop(ctx context.Context, actor Actor, id string) error {
	drop, err := s.load(ctx, opDelete, id)
	if err != nil {
		return err
	}
	if !actor.owns(drop) && !actor.Admin {
		return ErrForbidden
	}

	objects, err := s.blobs.List(ctx, drop.StoragePrefix)
	if err != nil {
		s.logError(opDelete, "blob_list_failed", err, zap.String("drop_id", id))
		return newServiceError(opDelete, "blob_list_failed", err)
	}
	for _, object := range objects {
		if err := s.blobs.Delete(ctx, object.Path); err != nil && !errors.Is(err, blobs.ErrObjectNotFound) {
			s.logError(opDelete, "blob_delete_failed", err,
				zap.String("drop_id", id),
				zap.String("object", object.Path))
			return newServiceError(opDelete, "blob_delete_failed", err)
		}
	}

	if err := s.repository.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrDropNotFound) {
			return err
		}
		s.logError(opDelete, "delete_failed", err, zap.String("drop_id", id))
		return newServiceError(opDelete, "delete_failed", err)
	}
	return nil
}

// GetSummary returns the read model of a drop. Hidden drops are only visible
// to their owner and admins; reads by anyone else count as a view.
func (s *Service) GetSummary(ctx context.Context, actor Actor, id string) (Summary, error) {
	drop, err := s.load(ctx, opSummary, id)
	if err != nil {
		return Summary{}, err
	}
	privileged := actor.owns(drop) || actor.Admin
	if !privileged && drop.Visibility.Class() == VisibilityHidden {
		return Summary{}, ErrDropNotFound
	}

	if !actor.owns(drop) {
		if err := s.repository.RecordView(ctx, id); err != nil && !errors.Is(err, ErrDropNotFound) {
			s.logError(opSummary, "view_count_failed", err, zap.String("drop_id", id))
		} else if err == nil {
			drop.Stats.ViewCount++
		}
	}
	return Summarize(drop, privileged), nil
}

// ListOwned returns the actor's drops, newest first.
func (s *Service) ListOwned(ctx context.Context, actor Actor) ([]Summary, error) {
	if actor.ID == "" {
		return nil, ErrForbidden
	}
	owned, err := s.repository.ListByOwner(ctx, actor.ID)
	if err != nil {
		s.logError(opSummary, "list_failed", err, zap.String("owner_id", actor.ID))
		return nil, newServiceError(opSummary, "list_failed", err)
	}
	result := make([]Summary, 0, len(owned))
	for _, drop := range owned {
		result = append(result, Summarize(drop, true))
	}
	return result, nil
}

func (s *Service) load(ctx context.Context, operation, id string) (Drop, error) {
	if strings.TrimSpace(id) == "" {
		return Drop{}, ErrDropNotFound
	}
	drop, err := s.repository.Get(ctx, id)
	if errors.Is(err, ErrDropNotFound) {
		return Drop{}, err
	}
	if err != nil {
		s.logError(operation, "select_failed", err, zap.String("drop_id", id))
		return Drop{}, newServiceError(operation, "select_failed", err)
	}
	return drop, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("drops service error", attrs...)
}

func buildVisibility(request CreateRequest) (Visibility, []string) {
	class, err := ParseVisibilityClass(string(request.Visibility))
	if err != nil {
		return nil, []string{err.Error()}
	}
	switch class {
	case VisibilityHidden:
		return HiddenVisibility{}, nil
	case VisibilityDiscoverable:
		return DiscoverableVisibility{}, nil
	}

	code := request.HuntCode
	if strings.TrimSpace(code) == "" {
		code = generateHuntCode()
	}
	difficulty := request.HuntDifficulty
	if difficulty == "" {
		difficulty = DifficultyBeginner
	}
	hunt, err := NewHuntVisibility(code, difficulty)
	if err != nil {
		return nil, []string{err.Error()}
	}
	return hunt, nil
}

func generateHuntCode() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "HUNT-" + strings.ToUpper(raw[:8])
}

func validateTitle(title string) []string {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return []string{"title is required"}
	}
	if len(trimmed) > maxTitleLength {
		return []string{fmt.Sprintf("title exceeds %d characters", maxTitleLength)}
	}
	return nil
}

func secretBlank(secret string) bool {
	return strings.TrimSpace(secret) == ""
}

// Summarize builds the read model; privileged callers also see the location
// and the hunt code.
func Summarize(drop Drop, privileged bool) Summary {
	summary := Summary{
		ID:              drop.ID,
		Title:           drop.Title,
		Description:     drop.Description,
		Visibility:      drop.Visibility.Class(),
		AccessScope:     drop.AccessScope,
		RetrievalMode:   drop.RetrievalMode,
		Tier:            drop.Tier,
		GeofenceRadiusM: drop.GeofenceRadiusM,
		ExpiresAt:       drop.ExpiresAt,
		Stats:           drop.Stats,
		CreatedAt:       drop.CreatedAt,
		UpdatedAt:       drop.UpdatedAt,
	}
	hunt, isHunt := drop.Hunt()
	if isHunt {
		summary.HuntDifficulty = hunt.Difficulty()
	}
	// the hunt code is the join credential and stays with the owner
	if privileged {
		location := drop.Location
		summary.Location = &location
		if isHunt {
			summary.HuntCode = hunt.Code()
		}
	}
	return summary
}
