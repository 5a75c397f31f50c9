package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/unearth/internal/auth"
	"github.com/MarcoPoloResearchLab/unearth/internal/drops"
	"github.com/MarcoPoloResearchLab/unearth/internal/geo"
	"github.com/MarcoPoloResearchLab/unearth/internal/hunts"
	"github.com/MarcoPoloResearchLab/unearth/internal/unlock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const identityContextKey = "unearth_identity"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUnlockService    = errors.New("unlock service dependency required")
	errMissingDropService      = errors.New("drop service dependency required")
	errMissingHuntService      = errors.New("hunt service dependency required")
	errMissingDropReader       = errors.New("drop reader dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// IdentityResolver canonicalizes verified claims and records the account.
type IdentityResolver interface {
	Resolve(ctx context.Context, claims auth.SessionClaims) (auth.Identity, error)
}

type UnlockService interface {
	UnlockByLocation(ctx context.Context, request unlock.LocationRequest) (unlock.Result, error)
	UnlockByID(ctx context.Context, request unlock.IDRequest) (unlock.Result, error)
}

type DropService interface {
	CreateDrop(ctx context.Context, actor drops.Actor, request drops.CreateRequest) (drops.Drop, error)
	UpdateDrop(ctx context.Context, actor drops.Actor, id string, request drops.UpdateRequest) (drops.Drop, error)
	DeleteDrop(ctx context.Context, actor drops.Actor, id string) error
	GetSummary(ctx context.Context, actor drops.Actor, id string) (drops.Summary, error)
	ListOwned(ctx context.Context, actor drops.Actor) ([]drops.Summary, error)
}

type HuntService interface {
	Join(ctx context.Context, identity, code string) error
	HintFor(ctx context.Context, drop drops.Drop, identity string, coordinate geo.Coordinate) (hunts.Hint, bool, error)
}

type DropReader interface {
	Get(ctx context.Context, id string) (drops.Drop, error)
}

// ThrottleConfig sizes the process-wide request token bucket.
type ThrottleConfig struct {
	RPS   float64
	Burst int
}

// Dependencies wires the handler. TrustedProxies may set the client address
// through forwarding headers; when empty the connection's remote address is
// always used.
type Dependencies struct {
	Sessions       SessionValidator
	Accounts       IdentityResolver
	Unlock         UnlockService
	Drops          DropService
	Hunts          HuntService
	Reader         DropReader
	Throttle       ThrottleConfig
	TrustedProxies []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Unlock == nil {
		return nil, errMissingUnlockService
	}
	if deps.Drops == nil {
		return nil, errMissingDropService
	}
	if deps.Hunts == nil {
		return nil, errMissingHuntService
	}
	if deps.Reader == nil {
		return nil, errMissingDropReader
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	trusted := deps.TrustedProxies
	if len(trusted) == 0 {
		trusted = nil
	}
	if err := router.SetTrustedProxies(trusted); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	if deps.Throttle.RPS > 0 && deps.Throttle.Burst > 0 {
		router.Use(throttleMiddleware(rate.NewLimiter(rate.Limit(deps.Throttle.RPS), deps.Throttle.Burst)))
	}

	handler := &httpHandler{
		sessions: deps.Sessions,
		accounts: deps.Accounts,
		unlock:   deps.Unlock,
		drops:    deps.Drops,
		hunts:    deps.Hunts,
		reader:   deps.Reader,
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealth)

	v1 := router.Group("/v1")
	v1.GET("/tiers/:tier", handler.handleTierLimits)

	public := v1.Group("/")
	public.Use(handler.identifyRequest)
	public.POST("/unlock/location", handler.handleUnlockByLocation)
	public.POST("/unlock/id", handler.handleUnlockByID)
	public.GET("/drops/:id", handler.handleGetDrop)
	public.GET("/drops/:id/hint", handler.handleHint)

	protected := v1.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/drops", handler.handleListDrops)
	protected.POST("/drops", handler.handleCreateDrop)
	protected.PATCH("/drops/:id", handler.handleUpdateDrop)
	protected.DELETE("/drops/:id", handler.handleDeleteDrop)
	protected.POST("/hunts/join", handler.handleJoinHunt)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions SessionValidator
	accounts IdentityResolver
	unlock   UnlockService
	drops    DropService
	hunts    HuntService
	reader   DropReader
	logger   *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// authorizeRequest rejects requests without a valid session.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	identity, err := h.authenticate(c)
	if err != nil {
		h.logTokenFailure(err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

// identifyRequest attaches an identity when a valid session is present and
// otherwise lets the request through anonymously.
func (h *httpHandler) identifyRequest(c *gin.Context) {
	identity, err := h.authenticate(c)
	if err == nil {
		c.Set(identityContextKey, identity)
	} else if !errors.Is(err, auth.ErrMissingSessionToken) {
		h.logTokenFailure(err)
	}
	c.Next()
}

func (h *httpHandler) authenticate(c *gin.Context) (auth.Identity, error) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		return auth.Identity{}, err
	}
	if h.accounts == nil {
		return claims.Identity(), nil
	}
	identity, err := h.accounts.Resolve(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("account resolution failed", zap.Error(err))
		return auth.Identity{}, err
	}
	return identity, nil
}

func (h *httpHandler) logTokenFailure(err error) {
	if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, auth.ErrMissingSessionToken) {
		h.logger.Info("token validation failed", zap.Error(err))
		return
	}
	h.logger.Warn("token validation failed", zap.Error(err))
}

func currentIdentity(c *gin.Context) (auth.Identity, bool) {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return auth.Identity{}, false
	}
	identity, ok := value.(auth.Identity)
	return identity, ok && identity.UserID != ""
}

func currentActor(c *gin.Context) drops.Actor {
	identity, _ := currentIdentity(c)
	return drops.Actor{ID: identity.UserID, Tier: identity.Tier, Admin: identity.Admin}
}
