// Package ratelimit throttles inference routes per client IP.
package ratelimit

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/didip/tollbooth"
	"github.com/didip/tollbooth/limiter"
	"github.com/didip/tollbooth_gin"
	"github.com/gin-gonic/gin"
)

// TokenBucketPerIP allows requestsPerSecond per client IP. Idle buckets expire after ttl.
func TokenBucketPerIP(requestsPerSecond float64, ttl time.Duration) gin.HandlerFunc {
	if ttl <= 0 {
		ttl = time.Minute
	}
	message := map[string]any{
		"error":   http.StatusText(http.StatusTooManyRequests),
		"message": "Too many verification attempts. Please wait and try again.",
	}
	jsonMessage, _ := json.Marshal(message)

	tlbthLimiter := tollbooth.NewLimiter(requestsPerSecond, &limiter.ExpirableOptions{
		DefaultExpirationTTL: ttl,
	})
	tlbthLimiter.SetMessageContentType("application/json")
	tlbthLimiter.SetMessage(string(jsonMessage))

	return tollbooth_gin.LimitHandler(tlbthLimiter)
}
