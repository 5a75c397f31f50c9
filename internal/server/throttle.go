package server

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// throttleMiddleware sheds load once the shared token bucket is empty. It
// guards the process, not individual drops.
func throttleMiddleware(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter.Allow() {
			c.Next()
			return
		}
		retryAfter := 1
		if limit := limiter.Limit(); limit > 0 && limit < 1 {
			retryAfter = int(math.Ceil(1 / float64(limit)))
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "throttled", "message": "server is busy, retry shortly"})
	}
}
