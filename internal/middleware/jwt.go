package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/telehealth-signaling/internal/auth"
)

// JWTAuth guards REST endpoints with the same two-tier credential check the
// WebSocket admission uses: access token first (cookie or bearer header),
// refresh-token fallback on expiry.
func JWTAuth(a *auth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		accessToken, _ := c.Cookie("access_token")
		if accessToken == "" {
			if header := c.GetHeader("Authorization"); header != "" {
				parts := strings.Split(header, " ")
				if len(parts) != 2 || parts[0] != "Bearer" {
					c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
						"error": "Invalid authorization header format",
					})
					return
				}
				accessToken = parts[1]
			}
		}
		refreshToken, _ := c.Cookie("refresh_token")

		identity, err := a.Authenticate(c.Request.Context(), accessToken, refreshToken)
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, auth.ErrBlocked) {
				status = http.StatusForbidden
			}
			c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
			return
		}

		c.Set("user_id", identity.UserID)
		c.Set("role", string(identity.Role))
		c.Next()
	}
}
