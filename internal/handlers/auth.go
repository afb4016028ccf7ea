package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pterm/pterm"

	"github.com/mossy-p/blink-signaling/internal/middleware"
	"github.com/mossy-p/blink-signaling/internal/models"
)

// AnonymousToken hands out a token for a fresh participant id. Participants
// have no accounts: the id only lives as long as the token.
func AnonymousToken(jwtSecret string, ttl time.Duration, log *pterm.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		participantID := uuid.NewString()

		token, err := middleware.IssueToken(jwtSecret, participantID, ttl)
		if err != nil {
			log.Error("failed to sign token", log.Args("error", err))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		c.JSON(http.StatusOK, models.AnonymousTokenResponse{
			Token:         token,
			ParticipantID: participantID,
			ExpiresIn:     int64(ttl.Seconds()),
		})
	}
}
