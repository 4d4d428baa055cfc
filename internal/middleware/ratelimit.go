package middleware

import (
	"net/http"
	"sync"

	"github.com/GoBrokerHub/brokergate/internal/config"
	"github.com/GoBrokerHub/brokergate/internal/model"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitMiddleware throttles requests per authenticated user. Must run
// after AuthMiddleware.
func RateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)

	limiterFor := func(userID string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		if l, ok := limiters[userID]; ok {
			return l
		}
		limit := rate.Limit(cfg.RateLimit.QPS)
		if limit == 0 {
			limit = rate.Inf
		}
		burst := cfg.RateLimit.Burst
		if burst == 0 {
			burst = 1
		}
		l := rate.NewLimiter(limit, burst)
		limiters[userID] = l
		return l
	}

	return func(c *gin.Context) {
		userVal, exists := c.Get(ContextUserKey)
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		user := userVal.(*model.User)

		if !limiterFor(user.ID).Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": "1s",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
