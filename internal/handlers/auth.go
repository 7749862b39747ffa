package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/telehealth-signaling/internal/auth"
	"github.com/mossy-p/telehealth-signaling/internal/models"
)

// LoginRequest is the login request body.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Role     string `json:"role" binding:"required,oneof=patient doctor admin"`
}

// LoginResponse is returned alongside the credential cookies.
type LoginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id"`
	Role         string `json:"role"`
}

// Login issues an access/refresh token pair and sets them as cookies so the
// WebSocket handshake can carry them out of band.
// For demo purposes, accepts any username/password combination.
func Login(a *auth.Authenticator, accessMaxAge, refreshMaxAge int) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		// In production, validate against the identity service.
		identity := models.Identity{UserID: req.Username, Role: models.Role(req.Role)}

		accessToken, err := a.MintAccessToken(identity)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
			return
		}
		refreshToken, err := a.MintRefreshToken(identity)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
			return
		}

		c.SetCookie("access_token", accessToken, accessMaxAge, "/", "", false, true)
		c.SetCookie("refresh_token", refreshToken, refreshMaxAge, "/", "", false, true)

		c.JSON(http.StatusOK, LoginResponse{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			UserID:       identity.UserID,
			Role:         string(identity.Role),
		})
	}
}
