package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mailrelay/internal/gmail"
)

type Linker interface {
	Link(ctx context.Context, mailbox, refreshToken, accountEmail string) (*gmail.WatchResult, error)
}

type SubscriptionHandler struct {
	linker Linker
}

func NewSubscriptionHandler(linker Linker) *SubscriptionHandler {
	return &SubscriptionHandler{linker: linker}
}

// PushNotificationSet handles POST /api/gmail/pushNotificationSet
func (h *SubscriptionHandler) PushNotificationSet(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refreshToken" binding:"required"`
		Gmail        string `json:"gmail" binding:"required,email"`
		AccountEmail string `json:"accountEmail"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "invalid request"})
		return
	}

	res, err := h.linker.Link(c.Request.Context(), req.Gmail, req.RefreshToken, req.AccountEmail)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}

	resp := gin.H{"status": "ok", "historyId": res.HistoryID}
	if !res.Expiration.IsZero() {
		resp["expiration"] = res.Expiration.Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}
