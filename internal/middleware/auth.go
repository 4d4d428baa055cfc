package middleware

import (
	"context"
	"net/http"

	"github.com/GoBrokerHub/brokergate/internal/config"
	"github.com/GoBrokerHub/brokergate/internal/model"
	"github.com/gin-gonic/gin"
)

const (
	HeaderAPIKey   = "X-API-Key"
	ContextUserKey = "user"
)

// UserSource resolves transport API keys to users.
type UserSource interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*model.User, error)
}

func AuthMiddleware(cfg *config.Config, users UserSource, defaultUser *model.User) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader(HeaderAPIKey)
		if apiKey == "" {
			if cfg != nil && !cfg.Auth.RequireAPIKey && defaultUser != nil {
				c.Set(ContextUserKey, defaultUser)
				c.Next()
				return
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing API key"})
			c.Abort()
			return
		}

		user, err := users.GetByAPIKey(c.Request.Context(), apiKey)
		if err != nil || user == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			c.Abort()
			return
		}

		c.Set(ContextUserKey, user)
		c.Next()
	}
}

// CurrentUser pulls the authenticated user out of the request context.
func CurrentUser(c *gin.Context) (*model.User, bool) {
	val, exists := c.Get(ContextUserKey)
	if !exists {
		return nil, false
	}
	user, ok := val.(*model.User)
	return user, ok
}
