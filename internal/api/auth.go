package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const userIDKey = "mma_user_id"

// ErrUnauthenticated is returned by an Identity for unknown tokens.
var ErrUnauthenticated = errors.New("authentication required")

// Identity resolves a bearer token to a stable user id.
type Identity interface {
	Resolve(ctx context.Context, token string) (string, error)
}

// StaticIdentity maps tokens to user ids from configuration.
type StaticIdentity map[string]string

// Resolve implements Identity.
func (s StaticIdentity) Resolve(_ context.Context, token string) (string, error) {
	if user, ok := s[token]; ok && user != "" {
		return user, nil
	}
	return "", ErrUnauthenticated
}

// Authenticate rejects requests without a valid bearer token and stores the
// user id for handlers. Websocket upgrades may pass the token as the
// access_token query parameter, since browsers cannot set headers on them.
func Authenticate(identity Identity) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if token == "" {
			token = c.Query("access_token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrUnauthenticated.Error()})
			return
		}

		user, err := identity.Resolve(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrUnauthenticated.Error()})
			return
		}
		c.Set(userIDKey, user)
		c.Next()
	}
}

// UserID returns the authenticated user of the request.
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}
