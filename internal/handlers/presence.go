package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/telehealth-signaling/internal/presence"
	"github.com/mossy-p/telehealth-signaling/internal/store"
)

// GetPresence reports whether a user currently has a live connection.
func GetPresence(registry *presence.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("userId")
		if userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"userId": userID,
			"online": registry.IsOnline(userID),
		})
	}
}

// GetNotifications returns the caller's recent notification history.
func GetNotifications(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, exists := c.Get("user_id")
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}

		limit, _ := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)
		notifications, err := st.Notifications(c.Request.Context(), userID.(string), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load notifications"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"notifications": notifications})
	}
}
