package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mailrelay/internal/apperr"
	"mailrelay/internal/gmail"
)

type MessageHandler struct {
	connector gmail.Connector
}

func NewMessageHandler(connector gmail.Connector) *MessageHandler {
	return &MessageHandler{connector: connector}
}

// GetMessageContent handles POST /api/messages/getMessageContent
func (h *MessageHandler) GetMessageContent(c *gin.Context) {
	var req struct {
		MessageID    string `json:"messageId" binding:"required"`
		RefreshToken string `json:"refreshToken" binding:"required"`
		Gmail        string `json:"gmail"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	ctx := c.Request.Context()
	mb, err := h.connector.Connect(ctx, req.Gmail, req.RefreshToken)
	if err == nil {
		var content string
		content, err = mb.MessageContent(ctx, req.MessageID)
		if err == nil {
			c.JSON(http.StatusOK, gin.H{"message_content": content})
			return
		}
	}

	if apperr.KindOf(err) == apperr.KindCredential {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
