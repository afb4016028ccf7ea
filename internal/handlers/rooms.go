package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pterm/pterm"

	"github.com/mossy-p/blink-signaling/config"
	"github.com/mossy-p/blink-signaling/internal/middleware"
	"github.com/mossy-p/blink-signaling/internal/models"
	"github.com/mossy-p/blink-signaling/internal/presence"
	"github.com/mossy-p/blink-signaling/internal/rooms"
	"github.com/mossy-p/blink-signaling/internal/store"
)

// GetRoom gets a room summary by ID (public)
func GetRoom(st store.Store, log *pterm.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		adapter := rooms.New(st, "", rooms.WithLogger(log))
		roomID := c.Param("roomId")

		room, err := adapter.Room(ctx, roomID)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		waiting, _, err := adapter.WaitingRoom(ctx)
		if err != nil {
			respondStoreError(c, err)
			return
		}

		summary := models.RoomSummary{
			ID:      room.ID,
			OwnerID: room.Offer.OwnerID,
			Waiting: waiting == room.ID,
		}
		if room.Answer != nil {
			summary.Answered = true
			summary.ResponderID = room.Answer.ResponderID
		}
		c.JSON(http.StatusOK, summary)
	}
}

// DeleteRoom deletes a room (requires authentication and ownership). The
// waiting slot is released first so nobody claims a room being removed.
func DeleteRoom(st store.Store, log *pterm.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		participantID, ok := middleware.ParticipantID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Participant not authenticated"})
			return
		}

		ctx := c.Request.Context()
		adapter := rooms.New(st, participantID, rooms.WithLogger(log))
		roomID := c.Param("roomId")

		room, err := adapter.Room(ctx, roomID)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		if room.Offer.OwnerID != participantID {
			c.JSON(http.StatusForbidden, gin.H{"error": "Only the room owner can delete the room"})
			return
		}

		if _, err := adapter.ReleaseWaitingSlotIfPointsTo(ctx, roomID); err != nil {
			respondStoreError(c, err)
			return
		}
		if err := adapter.DeleteCandidateBucket(ctx, participantID); err != nil {
			log.Warn("candidates not deleted", log.Args("participant", participantID, "error", err))
		}
		if err := adapter.DeleteRoom(ctx, roomID); err != nil {
			respondStoreError(c, err)
			return
		}

		log.Info("room deleted", log.Args("room", roomID, "participant", participantID))
		c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
	}
}

// Stats reports how many participants are online and whether someone is
// waiting for a peer.
func Stats(st store.Store, tracker presence.Tracker, log *pterm.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		count, err := tracker.Count(ctx)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		_, waiting, err := rooms.New(st, "", rooms.WithLogger(log)).WaitingRoom(ctx)
		if err != nil {
			respondStoreError(c, err)
			return
		}

		c.JSON(http.StatusOK, models.Stats{ConnectedUsers: count, RoomWaiting: waiting})
	}
}

// ICEServers returns the STUN/TURN servers clients should configure.
func ICEServers(servers []config.ICEServer) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"iceServers": servers})
	}
}

func respondStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, rooms.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "Room changed concurrently, retry"})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Signaling unavailable"})
	}
}
