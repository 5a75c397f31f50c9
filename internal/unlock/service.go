package unlock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/unearth/internal/accesslog"
	"github.com/MarcoPoloResearchLab/unearth/internal/blobs"
	"github.com/MarcoPoloResearchLab/unearth/internal/drops"
	"github.com/MarcoPoloResearchLab/unearth/internal/geo"
	"github.com/MarcoPoloResearchLab/unearth/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/unearth/internal/tiers"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultURLTTL bounds the lifetime of issued download URLs.
const DefaultURLTTL = 15 * time.Minute

var (
	errMissingDrops     = errors.New("drop store is required")
	errMissingVerifier  = errors.New("secret verifier is required")
	errMissingLimiter   = errors.New("rate limiter is required")
	errMissingAddresses = errors.New("address hasher is required")
	errMissingBlobs     = errors.New("blob store is required")
	errMissingAccessLog = errors.New("access log writer is required")
)

// DropStore is the slice of the drop repository the orchestrator needs.
type DropStore interface {
	Get(ctx context.Context, id string) (drops.Drop, error)
	FindWithin(ctx context.Context, bounds geo.Bounds) ([]drops.Drop, error)
	RecordUnlock(ctx context.Context, id string, at time.Time) error
}

// SecretVerifier compares a candidate phrase with a stored digest.
type SecretVerifier interface {
	Verify(secret, digest string) bool
}

// RateLimiter records an attempt under key and reports whether it may proceed.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// AddressHasher turns a network address into a non-reversible digest and a
// rate limit key.
type AddressHasher interface {
	Hash(address string) string
	Key(address string) string
}

// DisplayNameResolver looks up owner display names for disambiguation lists.
type DisplayNameResolver interface {
	DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error)
}

// Requester identifies who is attempting an unlock.
type Requester struct {
	Identity string
	Address  string
}

// LocationRequest searches by coordinate and secret.
type LocationRequest struct {
	Requester  Requester
	Coordinate *geo.Coordinate
	Secret     string
}

// IDRequest unlocks a known drop. The coordinate is optional unless the drop
// requires physical presence.
type IDRequest struct {
	Requester  Requester
	DropID     string
	Coordinate *geo.Coordinate
	Secret     string
}

// Outcome tells a granted unlock apart from a disambiguation list.
type Outcome string

const (
	OutcomeGranted        Outcome = "granted"
	OutcomeDisambiguation Outcome = "disambiguation-required"
)

// Grant is returned when access is issued. DownloadURLs pair positionally
// with FileNames.
type Grant struct {
	DropID       string    `json:"drop_id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	FileNames    []string  `json:"file_names"`
	DownloadURLs []string  `json:"download_urls"`
	CreatedAt    time.Time `json:"created_at"`
	DistanceM    *float64  `json:"distance_m,omitempty"`
}

// Candidate is the public-safe summary of one matching drop.
type Candidate struct {
	DropID           string      `json:"drop_id"`
	Title            string      `json:"title"`
	Description      string      `json:"description"`
	FileCount        int         `json:"file_count"`
	CreatedAt        time.Time   `json:"created_at"`
	OwnerDisplayName string      `json:"owner_display_name,omitempty"`
	DistanceM        float64     `json:"distance_m"`
	Stats            drops.Stats `json:"stats"`
}

// Result is the successful output of an unlock call.
type Result struct {
	Outcome    Outcome
	Grant      *Grant
	Candidates []Candidate
}

type ServiceConfig struct {
	Drops     DropStore
	Verifier  SecretVerifier
	Limiter   RateLimiter
	Addresses AddressHasher
	Blobs     blobs.Store
	AccessLog accesslog.Writer
	Accounts  DisplayNameResolver
	URLTTL    time.Duration
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service authorizes unlock attempts and issues download URLs.
type Service struct {
	drops         DropStore
	verifier      SecretVerifier
	limiter       RateLimiter
	addresses     AddressHasher
	blobs         blobs.Store
	accessLog     accesslog.Writer
	accounts      DisplayNameResolver
	urlTTL        time.Duration
	searchRadiusM float64
	clock         func() time.Time
	logger        *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Drops == nil:
		return nil, errMissingDrops
	case cfg.Verifier == nil:
		return nil, errMissingVerifier
	case cfg.Limiter == nil:
		return nil, errMissingLimiter
	case cfg.Addresses == nil:
		return nil, errMissingAddresses
	case cfg.Blobs == nil:
		return nil, errMissingBlobs
	case cfg.AccessLog == nil:
		return nil, errMissingAccessLog
	}
	urlTTL := cfg.URLTTL
	if urlTTL <= 0 {
		urlTTL = DefaultURLTTL
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
		drops:         cfg.Drops,
		verifier:      cfg.Verifier,
		limiter:       cfg.Limiter,
		addresses:     cfg.Addresses,
		blobs:         cfg.Blobs,
		accessLog:     cfg.AccessLog,
		accounts:      cfg.Accounts,
		urlTTL:        urlTTL,
		searchRadiusM: float64(tiers.MaxRadiusM()),
		clock:         clock,
		logger:        logger,
	}, nil
}

// attempt carries the per-request context shared by every step.
type attempt struct {
	requester  Requester
	ipHash     string
	mode       accesslog.Mode
	coordinate *geo.Coordinate
	secret     string
	// secretVerified is set when the search step already matched the digest.
	secretVerified bool
	// search selects the generic failure messages of the location path.
	search bool
}

// UnlockByLocation searches every drop whose geofence contains the coordinate
// and whose secret matches. One match is unlocked; several yield a
// disambiguation list.
func (s *Service) UnlockByLocation(ctx context.Context, request LocationRequest) (Result, error) {
	if request.Coordinate == nil {
		return Result{}, invalidInput("coordinate is required")
	}
	if err := request.Coordinate.Validate(); err != nil {
		return Result{}, invalidInput(err.Error())
	}
	if strings.TrimSpace(request.Secret) == "" {
		return Result{}, invalidInput("secret phrase is required")
	}

	current := s.newAttempt(request.Requester, accesslog.ModeLocation, request.Coordinate, request.Secret)
	current.search = true
	if err := s.rateLimit(ctx, current); err != nil {
		return Result{}, err
	}

	matches, err := s.search(ctx, *request.Coordinate, request.Secret)
	if err != nil {
		return Result{}, err
	}

	switch len(matches) {
	case 0:
		s.recordAttempt(ctx, current, "", accesslog.ResultFailure, nil)
		return Result{}, newError(KindNotFound, msgNoMatch)
	case 1:
		current.secretVerified = true
		return s.authorize(ctx, current, matches[0])
	default:
		candidates, err := s.describe(ctx, matches, *request.Coordinate)
		if err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeDisambiguation, Candidates: candidates}, nil
	}
}

// UnlockByID authorizes a single known drop. The secret is always verified.
func (s *Service) UnlockByID(ctx context.Context, request IDRequest) (Result, error) {
	dropID := strings.TrimSpace(request.DropID)
	if dropID == "" {
		return Result{}, invalidInput("drop id is required")
	}
	if request.Coordinate != nil {
		if err := request.Coordinate.Validate(); err != nil {
			return Result{}, invalidInput(err.Error())
		}
	}
	if strings.TrimSpace(request.Secret) == "" {
		return Result{}, invalidInput("secret phrase is required")
	}

	current := s.newAttempt(request.Requester, accesslog.ModeID, request.Coordinate, request.Secret)
	if err := s.rateLimit(ctx, current); err != nil {
		return Result{}, err
	}

	drop, err := s.drops.Get(ctx, dropID)
	if errors.Is(err, drops.ErrDropNotFound) {
		s.recordAttempt(ctx, current, dropID, accesslog.ResultFailure, nil)
		return Result{}, newError(KindNotFound, msgDropNotFound)
	}
	if err != nil {
		s.logError("unlock.by_id", "drop_lookup_failed", err, zap.String("drop_id", dropID))
		return Result{}, internalError(err)
	}
	return s.authorize(ctx, current, drop)
}

func (s *Service) newAttempt(requester Requester, mode accesslog.Mode, coordinate *geo.Coordinate, secret string) *attempt {
	return &attempt{
		requester:  requester,
		ipHash:     s.addresses.Hash(requester.Address),
		mode:       mode,
		coordinate: coordinate,
		secret:     secret,
	}
}

func (s *Service) rateLimit(ctx context.Context, current *attempt) error {
	key := s.addresses.Key(current.requester.Address)
	if current.requester.Identity != "" {
		key = ratelimit.IdentityKey(current.requester.Identity)
	}
	decision, err := s.limiter.Allow(ctx, key)
	if err != nil {
		s.logError("unlock.rate_limit", "limiter_failed", err, zap.String("mode", string(current.mode)))
		return internalError(err)
	}
	if !decision.Allowed {
		return &Error{Kind: KindRateLimited, Message: msgRateLimited, RetryAfter: decision.RetryAfter}
	}
	return nil
}

// search returns drops whose geofence contains coordinate and whose digest
// matches secret, oldest first. Digest checks only run on geofence matches.
func (s *Service) search(ctx context.Context, coordinate geo.Coordinate, secret string) ([]drops.Drop, error) {
	nearby, err := s.drops.FindWithin(ctx, geo.BoundsAround(coordinate, s.searchRadiusM))
	if err != nil {
		s.logError("unlock.by_location", "drop_query_failed", err)
		return nil, internalError(err)
	}
	matches := make([]drops.Drop, 0, 2)
	for _, drop := range nearby {
		if geo.DistanceMeters(coordinate, drop.Location) > float64(drop.GeofenceRadiusM) {
			continue
		}
		if s.verifier.Verify(secret, drop.SecretDigest) {
			matches = append(matches, drop)
		}
	}
	return matches, nil
}

// authorize runs the expiry, scope, secret and geofence gates and then issues access.
func (s *Service) authorize(ctx context.Context, current *attempt, drop drops.Drop) (Result, error) {
	now := s.clock().UTC()

	if drop.Expired(now) {
		s.recordAttempt(ctx, current, drop.ID, accesslog.ResultFailure, nil)
		return Result{}, newError(KindExpired, msgExpired)
	}

	if drop.AccessScope == drops.ScopeOwnerOnly && current.requester.Identity != drop.OwnerID {
		s.recordAttempt(ctx, current, drop.ID, accesslog.ResultFailure, nil)
		return Result{}, s.forbidden(current, msgOwnerOnly)
	}

	if !current.secretVerified && !s.verifier.Verify(current.secret, drop.SecretDigest) {
		s.recordAttempt(ctx, current, drop.ID, accesslog.ResultFailure, nil)
		return Result{}, s.forbidden(current, msgSecretMismatch)
	}

	var distance *float64
	if current.coordinate != nil {
		measured := geo.DistanceMeters(*current.coordinate, drop.Location)
		distance = &measured
		if measured > float64(drop.GeofenceRadiusM) {
			s.recordAttempt(ctx, current, drop.ID, accesslog.ResultFailure, distance)
			return Result{}, tooFar(measured, drop.GeofenceRadiusM)
		}
	} else if drop.RetrievalMode == drops.RetrievalPhysical {
		s.recordAttempt(ctx, current, drop.ID, accesslog.ResultFailure, nil)
		return Result{}, newError(KindLocationRequired, msgLocationRequired)
	}

	grant, err := s.issue(ctx, drop, now)
	if err != nil {
		return Result{}, err
	}
	grant.DistanceM = distance
	s.recordAttempt(ctx, current, drop.ID, accesslog.ResultSuccess, distance)
	return Result{Outcome: OutcomeGranted, Grant: &grant}, nil
}

// forbidden reports a refused drop. A location search answers exactly like a
// search without matches so the drop's existence stays hidden.
func (s *Service) forbidden(current *attempt, specific string) *Error {
	if current.search {
		return newError(KindNotFound, msgNoMatch)
	}
	return newError(KindForbidden, specific)
}

// issue signs a URL for every stored file and then counts the unlock, so a
// signing failure never inflates the stats.
func (s *Service) issue(ctx context.Context, drop drops.Drop, now time.Time) (Grant, error) {
	objects, err := s.blobs.List(ctx, drop.StoragePrefix)
	if err != nil {
		s.logError("unlock.issue", "blob_list_failed", err, zap.String("drop_id", drop.ID))
		return Grant{}, internalError(err)
	}

	names := make([]string, len(objects))
	urls := make([]string, len(objects))
	group, groupCtx := errgroup.WithContext(ctx)
	for index, object := range objects {
		index, object := index, object
		names[index] = object.Name
		group.Go(func() error {
			url, err := s.blobs.SignedReadURL(groupCtx, object.Path, s.urlTTL)
			if err != nil {
				return err
			}
			urls[index] = url
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		s.logError("unlock.issue", "sign_url_failed", err, zap.String("drop_id", drop.ID))
		return Grant{}, internalError(err)
	}

	if err := s.drops.RecordUnlock(ctx, drop.ID, now); err != nil {
		s.logError("unlock.issue", "stats_update_failed", err, zap.String("drop_id", drop.ID))
		return Grant{}, internalError(err)
	}

	return Grant{
		DropID:       drop.ID,
		Title:        drop.Title,
		Description:  drop.Description,
		FileNames:    names,
		DownloadURLs: urls,
		CreatedAt:    drop.CreatedAt,
	}, nil
}

// describe builds disambiguation candidates. Owner names are best effort.
func (s *Service) describe(ctx context.Context, matches []drops.Drop, coordinate geo.Coordinate) ([]Candidate, error) {
	candidates := make([]Candidate, len(matches))
	group, groupCtx := errgroup.WithContext(ctx)
	for index, drop := range matches {
		index, drop := index, drop
		candidates[index] = Candidate{
			DropID:      drop.ID,
			Title:       drop.Title,
			Description: drop.Description,
			CreatedAt:   drop.CreatedAt,
			DistanceM:   geo.DistanceMeters(coordinate, drop.Location),
			Stats:       drop.Stats,
		}
		group.Go(func() error {
			objects, err := s.blobs.List(groupCtx, drop.StoragePrefix)
			if err != nil {
				return err
			}
			candidates[index].FileCount = len(objects)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		s.logError("unlock.disambiguate", "blob_list_failed", err)
		return nil, internalError(err)
	}

	if s.accounts == nil {
		return candidates, nil
	}
	ownerIDs := make([]string, 0, len(matches))
	for _, drop := range matches {
		ownerIDs = append(ownerIDs, drop.OwnerID)
	}
	names, err := s.accounts.DisplayNames(ctx, ownerIDs)
	if err != nil {
		s.logger.Warn("owner display names unavailable", zap.Error(err))
		return candidates, nil
	}
	for index, drop := range matches {
		candidates[index].OwnerDisplayName = names[drop.OwnerID]
	}
	return candidates, nil
}

// recordAttempt appends one access log entry. Write failures are logged and
// never change the unlock outcome.
func (s *Service) recordAttempt(ctx context.Context, current *attempt, dropID string, result accesslog.Result, distance *float64) {
	entry := accesslog.Entry{
		DropID:      dropID,
		Identity:    current.requester.Identity,
		IPHash:      current.ipHash,
		Result:      result,
		DistanceM:   distance,
		Mode:        current.mode,
		CreatedAtMs: s.clock().UTC().UnixMilli(),
	}
	if err := s.accessLog.Append(ctx, entry); err != nil {
		s.logger.Warn("access log write failed",
			zap.String("drop_id", dropID),
			zap.String("result", string(result)),
			zap.Error(err))
	}
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
	s.logger.Error("unlock service error", attrs...)
}
