package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailrelay/internal/model"
	"mailrelay/internal/service/relay"
	"mailrelay/pkg/logger"
)

type NotificationService interface {
	HandleNotification(ctx context.Context, n model.InboundNotification) (relay.Outcome, error)
}

type WebhookHandler struct {
	relay             NotificationService
	verificationToken string
	maxBodyBytes      int64
	logger            *zap.Logger
}

func NewWebhookHandler(svc NotificationService, verificationToken string, maxBodyBytes int64, logger *zap.Logger) *WebhookHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &WebhookHandler{
		relay:             svc,
		verificationToken: verificationToken,
		maxBodyBytes:      maxBodyBytes,
		logger:            logger,
	}
}

// GmailPush handles POST /webhook/gmail. Every gate outcome answers 200;
// only failures answer 500.
func (h *WebhookHandler) GmailPush(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.WithTrace(ctx, h.logger)

	if h.verificationToken != "" {
		got := c.Query("token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.verificationToken)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "error": "invalid verification token"})
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"status": "error", "error": "payload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "failed to read body"})
		return
	}

	n, err := relay.ParsePush(body)
	if err != nil {
		log.Warn("Malformed push payload", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error()})
		return
	}

	// Once the watermark advances the notification must run to the end even
	// if the push connection drops; every outbound call has its own timeout.
	outcome, err := h.relay.HandleNotification(context.WithoutCancel(ctx), n)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": string(outcome)})
}
