package handlers

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-call/internal/models"
	"github.com/rs/zerolog/log"
)

// GetPeers lists the users connected to a conversation. The shared presence
// store covers every relay instance; without one only local clients count.
func (h *Hub) GetPeers(c *gin.Context) {
	conversationID := c.Param("conversationId")

	peers := h.Peers(conversationID)
	if h.presence != nil {
		members, err := h.presence.Members(c.Request.Context(), conversationID)
		if err != nil {
			log.Error().Err(err).Str("conversation_id", conversationID).Msg("Failed to read presence")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read presence"})
			return
		}
		peers = members
	}

	if peers == nil {
		peers = []string{}
	}
	slices.Sort(peers)
	c.JSON(http.StatusOK, models.PresenceResponse{
		ConversationID: conversationID,
		Peers:          peers,
	})
}
