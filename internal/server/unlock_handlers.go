package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/unearth/internal/geo"
	"github.com/MarcoPoloResearchLab/unearth/internal/unlock"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type unlockByLocationPayload struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Secret    string   `json:"secret"`
}

type unlockByIDPayload struct {
	DropID    string   `json:"drop_id"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Secret    string   `json:"secret"`
}

type grantPayload struct {
	Status string `json:"status"`
	*unlock.Grant
}

type disambiguationPayload struct {
	Status     string             `json:"status"`
	Candidates []unlock.Candidate `json:"candidates"`
}

func (h *httpHandler) handleUnlockByLocation(c *gin.Context) {
	var request unlockByLocationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": string(unlock.KindInvalidInput), "message": "request body must be valid JSON"})
		return
	}
	coordinate, ok := coordinateFrom(request.Latitude, request.Longitude)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": string(unlock.KindInvalidInput), "message": "latitude and longitude must be supplied together"})
		return
	}

	result, err := h.unlock.UnlockByLocation(c.Request.Context(), unlock.LocationRequest{
		Requester:  requesterFor(c),
		Coordinate: coordinate,
		Secret:     request.Secret,
	})
	h.writeUnlockResult(c, result, err)
}

func (h *httpHandler) handleUnlockByID(c *gin.Context) {
	var request unlockByIDPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": string(unlock.KindInvalidInput), "message": "request body must be valid JSON"})
		return
	}
	coordinate, ok := coordinateFrom(request.Latitude, request.Longitude)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": string(unlock.KindInvalidInput), "message": "latitude and longitude must be supplied together"})
		return
	}

	result, err := h.unlock.UnlockByID(c.Request.Context(), unlock.IDRequest{
		Requester:  requesterFor(c),
		DropID:     request.DropID,
		Coordinate: coordinate,
		Secret:     request.Secret,
	})
	h.writeUnlockResult(c, result, err)
}

func (h *httpHandler) writeUnlockResult(c *gin.Context, result unlock.Result, err error) {
	if err != nil {
		h.writeUnlockError(c, err)
		return
	}
	switch result.Outcome {
	case unlock.OutcomeDisambiguation:
		c.JSON(http.StatusMultipleChoices, disambiguationPayload{
			Status:     string(unlock.OutcomeDisambiguation),
			Candidates: result.Candidates,
		})
	default:
		c.JSON(http.StatusOK, grantPayload{Status: string(unlock.OutcomeGranted), Grant: result.Grant})
	}
}

func (h *httpHandler) writeUnlockError(c *gin.Context, err error) {
	var unlockErr *unlock.Error
	if !errors.As(err, &unlockErr) {
		h.logger.Error("unexpected unlock failure", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": string(unlock.KindInternal), "message": "unlock failed"})
		return
	}

	body := gin.H{"error": string(unlockErr.Kind), "message": unlockErr.Message}
	status := http.StatusInternalServerError
	switch unlockErr.Kind {
	case unlock.KindInvalidInput, unlock.KindLocationRequired:
		status = http.StatusBadRequest
		if unlockErr.Kind == unlock.KindLocationRequired {
			body["location_required"] = true
		}
	case unlock.KindRateLimited:
		status = http.StatusTooManyRequests
		seconds := retryAfterSeconds(unlockErr.RetryAfter)
		body["retry_after_s"] = seconds
		c.Header("Retry-After", strconv.Itoa(seconds))
	case unlock.KindNotFound:
		status = http.StatusNotFound
	case unlock.KindExpired:
		status = http.StatusGone
	case unlock.KindForbidden:
		status = http.StatusForbidden
	case unlock.KindTooFar:
		status = http.StatusForbidden
		body["distance_m"] = unlockErr.DistanceM
		body["required_m"] = unlockErr.RequiredM
	case unlock.KindInternal:
		h.logger.Error("unlock failed", zap.Error(err))
	}
	c.JSON(status, body)
}

func coordinateFrom(latitude, longitude *float64) (*geo.Coordinate, bool) {
	if latitude == nil && longitude == nil {
		return nil, true
	}
	if latitude == nil || longitude == nil {
		return nil, false
	}
	return &geo.Coordinate{Latitude: *latitude, Longitude: *longitude}, true
}

func requesterFor(c *gin.Context) unlock.Requester {
	identity, _ := currentIdentity(c)
	return unlock.Requester{Identity: identity.UserID, Address: c.ClientIP()}
}

func retryAfterSeconds(retryAfter time.Duration) int {
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
