package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-call/internal/middleware"
	"github.com/mossy-p/webrtc-call/internal/models"
	"github.com/rs/zerolog/log"
)

const tokenTTL = 24 * time.Hour

// Login handles user login and JWT generation.
// For demo purposes, accepts any username/password combination; the
// username becomes the user id other parties address signaling to.
func Login(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		userID := req.Username
		token, err := middleware.IssueToken(jwtSecret, userID, tokenTTL)
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Failed to sign token")
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		log.Info().Str("user_id", userID).Msg("User logged in")
		c.JSON(http.StatusOK, models.LoginResponse{
			Token:  token,
			UserID: userID,
		})
	}
}
