package middleware

import (
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/itskum47/SettingsForge/control_plane/observability"
	"github.com/itskum47/SettingsForge/control_plane/ratelimit"
)

const (
	ClientSecretHeader   = "ClientSecret"
	IdempotencyKeyHeader = "Idempotency-Key"
)

// RateLimit rejects requests beyond the global bucket or the bucket of the
// key returned by keyFn. Either limiter may be nil.
func RateLimit(endpoint string, global *rate.Limiter, perKey *ratelimit.KeyedLimiter, keyFn func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if global != nil && !global.Allow() {
			reject(c, endpoint, time.Second)
			return
		}
		if perKey != nil {
			if ok, wait := perKey.Reserve(keyFn(c)); !ok {
				reject(c, endpoint, wait)
				return
			}
		}
		c.Next()
	}
}

// reject answers 429 with a jittered Retry-After so throttled clients do not
// come back in lockstep.
func reject(c *gin.Context, endpoint string, wait time.Duration) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()

	seconds := int(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	seconds += rand.IntN(2)
	c.Header("Retry-After", strconv.Itoa(seconds))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
}
