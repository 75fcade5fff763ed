package httpserver

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mailrelay/internal/handler"
	"mailrelay/pkg/otel"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the router mounts. Broker may be nil when no
// message queue is configured.
type Deps struct {
	Webhook      *handler.WebhookHandler
	Subscription *handler.SubscriptionHandler
	Message      *handler.MessageHandler
	Store        Pinger
	Broker       interface{ IsConnected() bool }
	JWTSecret    string
	Logger       *zap.Logger
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(d Deps) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(d.Logger), otel.GinMiddleware(), MetricsMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(200)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := d.Store.Ping(ctx); err != nil {
			c.JSON(500, gin.H{"status": "db_not_ready", "error": err.Error()})
			return
		}

		if d.Broker != nil && !d.Broker.IsConnected() {
			c.JSON(500, gin.H{"status": "mq_not_ready"})
			return
		}

		c.JSON(200, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Pub/Sub push endpoint, guarded by its own verification token.
	r.POST("/webhook/gmail", d.Webhook.GmailPush)

	api := r.Group("/api")
	if d.JWTSecret != "" {
		api.Use(AuthMiddleware(d.JWTSecret))
	}
	{
		api.POST("/gmail/pushNotificationSet", d.Subscription.PushNotificationSet)
		api.POST("/messages/getMessageContent", d.Message.GetMessageContent)
	}

	return &Router{Engine: r}
}
