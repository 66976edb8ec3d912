// Package auth extracts the acting user's identity from requests.
//
// Identity and session management live in an upstream gateway; by the time a
// request reaches this service the gateway has verified the session and
// forwards the user id in the X-User-ID header. Nothing here reads ambient
// session state: every handler takes the actor id from the request context
// that this middleware populated.
package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tradehub-ng/tradehub/internal/validation"
)

// ContextKeyUserID is the gin context key for the authenticated user id.
const ContextKeyUserID = "authUserID"

// userIDHeader carries the gateway-verified user id.
const userIDHeader = "X-User-ID"

// Middleware extracts the forwarded user id and stores it in the context.
// It does not reject; use RequireUser on routes that need an actor.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.GetHeader(userIDHeader); id != "" && validation.IsValidUserID(id) {
			c.Set(ContextKeyUserID, id)
		}
		c.Next()
	}
}

// RequireUser rejects requests that carry no valid user identity.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyUserID) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "A verified X-User-ID header is required.",
			})
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user's id, or "" when unauthenticated.
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}
