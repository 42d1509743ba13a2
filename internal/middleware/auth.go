package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Context keys set by OptionalAuth.
const (
	UserIDKey    = "user_id"
	UserEmailKey = "user_email"
)

// Claims are the fields read from the hosted auth service's access tokens.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// OptionalAuth identifies the caller from a Bearer token when one is sent. Requests without an
// Authorization header continue as guests; a header that does not verify is rejected with 401.
// An empty secret disables verification and every caller is a guest.
func OptionalAuth(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" || secret == "" {
			c.Next()
			return
		}
		parts := strings.Fields(auth)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_authorization_header"})
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return key, nil
		}, jwt.WithExpirationRequired())
		if err != nil || !token.Valid || claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}

		c.Set(UserIDKey, claims.Subject)
		if claims.Email != "" {
			c.Set(UserEmailKey, claims.Email)
		}
		c.Next()
	}
}

// UserID returns the authenticated user id, or "" for guests.
func UserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

// UserEmail returns the authenticated user's email, or "".
func UserEmail(c *gin.Context) string {
	return c.GetString(UserEmailKey)
}
