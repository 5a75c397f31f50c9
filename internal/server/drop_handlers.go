package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/unearth/internal/drops"
	"github.com/MarcoPoloResearchLab/unearth/internal/geo"
	"github.com/MarcoPoloResearchLab/unearth/internal/hunts"
	"github.com/MarcoPoloResearchLab/unearth/internal/tiers"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type createDropPayload struct {
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	Secret          string     `json:"secret"`
	Latitude        float64    `json:"latitude"`
	Longitude       float64    `json:"longitude"`
	GeofenceRadiusM int        `json:"geofence_radius_m"`
	Visibility      string     `json:"visibility"`
	HuntCode        string     `json:"hunt_code"`
	HuntDifficulty  string     `json:"hunt_difficulty"`
	AccessScope     string     `json:"access_scope"`
	RetrievalMode   string     `json:"retrieval_mode"`
	ExpiresAt       *time.Time `json:"expires_at"`
	FileSizeMB      float64    `json:"file_size_mb"`
}

type updateDropPayload struct {
	Title           *string `json:"title"`
	Description     *string `json:"description"`
	Secret          *string `json:"secret"`
	GeofenceRadiusM *int    `json:"geofence_radius_m"`
}

type joinHuntPayload struct {
	Code string `json:"code"`
}

func (h *httpHandler) handleCreateDrop(c *gin.Context) {
	var request createDropPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid-input", "message": "request body must be valid JSON"})
		return
	}

	drop, err := h.drops.CreateDrop(c.Request.Context(), currentActor(c), drops.CreateRequest{
		Title:           request.Title,
		Description:     request.Description,
		Secret:          request.Secret,
		Location:        geo.Coordinate{Latitude: request.Latitude, Longitude: request.Longitude},
		GeofenceRadiusM: request.GeofenceRadiusM,
		Visibility:      drops.VisibilityClass(request.Visibility),
		HuntCode:        request.HuntCode,
		HuntDifficulty:  drops.Difficulty(request.HuntDifficulty),
		AccessScope:     drops.AccessScope(request.AccessScope),
		RetrievalMode:   drops.RetrievalMode(request.RetrievalMode),
		ExpiresAt:       request.ExpiresAt,
		FileSizeMB:      request.FileSizeMB,
	})
	if err != nil {
		h.writeDropError(c, err)
		return
	}
	c.JSON(http.StatusCreated, drops.Summarize(drop, true))
}

func (h *httpHandler) handleUpdateDrop(c *gin.Context) {
	var request updateDropPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid-input", "message": "request body must be valid JSON"})
		return
	}
	drop, err := h.drops.UpdateDrop(c.Request.Context(), currentActor(c), c.Param("id"), drops.UpdateRequest{
		Title:           request.Title,
		Description:     request.Description,
		Secret:          request.Secret,
		GeofenceRadiusM: request.GeofenceRadiusM,
	})
	if err != nil {
		h.writeDropError(c, err)
		return
	}
	c.JSON(http.StatusOK, drops.Summarize(drop, true))
}

func (h *httpHandler) handleDeleteDrop(c *gin.Context) {
	if err := h.drops.DeleteDrop(c.Request.Context(), currentActor(c), c.Param("id")); err != nil {
		h.writeDropError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleGetDrop(c *gin.Context) {
	summary, err := h.drops.GetSummary(c.Request.Context(), currentActor(c), c.Param("id"))
	if err != nil {
		h.writeDropError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *httpHandler) handleListDrops(c *gin.Context) {
	summaries, err := h.drops.ListOwned(c.Request.Context(), currentActor(c))
	if err != nil {
		h.writeDropError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"drops": summaries})
}

func (h *httpHandler) handleJoinHunt(c *gin.Context) {
	var request joinHuntPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid-input", "message": "request body must be valid JSON"})
		return
	}
	identity, _ := currentIdentity(c)
	err := h.hunts.Join(c.Request.Context(), identity.UserID, request.Code)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, hunts.ErrUnknownHunt):
		c.JSON(http.StatusNotFound, gin.H{"error": "not-found", "message": "unknown hunt code"})
	case errors.Is(err, hunts.ErrMissingIdentity):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	default:
		h.logger.Error("hunt join failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "join failed"})
	}
}

// handleHint answers with a hint or with available=false; it never reveals
// why a hint is withheld.
func (h *httpHandler) handleHint(c *gin.Context) {
	latitude, latErr := strconv.ParseFloat(c.Query("lat"), 64)
	longitude, lngErr := strconv.ParseFloat(c.Query("lng"), 64)
	coordinate := geo.Coordinate{Latitude: latitude, Longitude: longitude}
	if latErr != nil || lngErr != nil || coordinate.Validate() != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid-input", "message": "lat and lng query parameters are required"})
		return
	}

	identity, _ := currentIdentity(c)
	drop, err := h.reader.Get(c.Request.Context(), c.Param("id"))
	if err != nil && !errors.Is(err, drops.ErrDropNotFound) {
		h.logger.Error("hint drop lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "hint unavailable"})
		return
	}
	// hidden drops answer like missing ones for everyone but the owner and admins
	concealed := err == nil && drop.Visibility.Class() == drops.VisibilityHidden &&
		identity.UserID != drop.OwnerID && !identity.Admin
	if err != nil || concealed {
		c.JSON(http.StatusNotFound, gin.H{"error": "not-found", "message": "drop not found"})
		return
	}

	hint, ok, err := h.hunts.HintFor(c.Request.Context(), drop, identity.UserID, coordinate)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "hint unavailable"})
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"available": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"available": true, "hint": hint})
}

func (h *httpHandler) handleTierLimits(c *gin.Context) {
	tier, err := tiers.ParseTier(c.Param("tier"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not-found", "message": "unknown tier"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tier": tier, "limits": tiers.LimitsFor(tier)})
}

func (h *httpHandler) writeDropError(c *gin.Context, err error) {
	var validationErr *drops.ValidationError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid-input", "message": "drop is invalid", "violations": validationErr.Violations})
	case errors.Is(err, drops.ErrDropNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not-found", "message": "drop not found"})
	case errors.Is(err, drops.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "not allowed to manage this drop"})
	case errors.Is(err, drops.ErrQuotaExceeded):
		c.JSON(http.StatusConflict, gin.H{"error": "quota-exceeded", "message": "drop limit of your tier reached"})
	default:
		h.logger.Error("drop operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "drop operation failed"})
	}
}
