package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	mqcontracts "mailrelay/contracts/mq"
	"mailrelay/internal/config"
	"mailrelay/internal/enrich"
	"mailrelay/internal/forward"
	"mailrelay/internal/gmail"
	"mailrelay/internal/handler"
	"mailrelay/internal/httpserver"
	"mailrelay/internal/service/relay"
	"mailrelay/internal/service/subscription"
	"mailrelay/internal/store"
	"mailrelay/pkg/logger"
	"mailrelay/pkg/mq"
	"mailrelay/pkg/otel"
	"mailrelay/pkg/redis"
	"mailrelay/pkg/util"
)

const (
	forwardQueue = "mail.enriched.forward.q"
	drainTimeout = 15 * time.Second
)

func newServeCmd(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and the subscription renewal loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configDir)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.NewLogger(cfg.Debug)
	defer log.Sync()

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	shutdownTracing, err := otel.Init(ctx, cfg.Otel, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	// Storage
	st, err := store.Open(ctx, cfg.DB, log)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// Dedup
	rdb, err := redis.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		log.Warn("Redis unavailable, dedup falls back to the watermark only", zap.Error(err))
	}
	var deduper *util.Deduper
	if rdb != nil {
		defer rdb.Close()
		deduper = util.NewDeduper(rdb, cfg.Webhook.DedupTTL, log)
	}

	resolver := gmail.NewResolver(cfg.Google)
	enricher := enrich.New(
		enrich.NewOpenAICompleter(cfg.Completion, log),
		enrich.WithMaxBodyChars(cfg.Completion.MaxBodyChars),
	)

	// Forwarding
	var (
		notifier  relay.Notifier
		publisher *mq.Publisher
	)
	switch {
	case cfg.MQ.URL != "":
		publisher, err = mq.NewPublisher(cfg.MQ.URL)
		if err != nil {
			return fmt.Errorf("init publisher: %w", err)
		}
		defer publisher.Close()
		notifier = forward.NewEvent(publisher)

		if cfg.Backend.URL != "" {
			consumer, err := mq.NewConsumer(cfg.MQ.URL, forwardQueue, mqcontracts.RoutingKeyMailEnriched, log)
			if err != nil {
				return fmt.Errorf("init consumer: %w", err)
			}
			defer consumer.Close()
			consumer.SetHandler(forward.NewConsumer(forward.NewBackendClient(cfg.Backend, log), log).Handle)
			consumer.SetDeadLetter(publisher)

			consumerDone := make(chan struct{})
			go func() {
				defer close(consumerDone)
				if err := consumer.StartConsuming(ctx); err != nil {
					log.Error("Forward consumer stopped", zap.Error(err))
				}
			}()
			// Runs before the Close calls above: let the in-flight forward
			// finish and settle before the channel goes away.
			defer func() {
				consumer.Stop()
				select {
				case <-consumerDone:
				case <-time.After(drainTimeout):
					log.Warn("Forward consumer did not drain in time")
				}
			}()
		}
	case cfg.Backend.URL != "":
		notifier = forward.NewDirect(forward.NewBackendClient(cfg.Backend, log))
	default:
		log.Info("No backend configured, enriched records are stored only")
	}

	relaySvc := relay.NewService(st, resolver, enricher, notifier, deduper, log)
	subs := subscription.NewManager(st, resolver, cfg.Google, cfg.Renewal, log)

	if cfg.Renewal.Enabled {
		go subs.Run(ctx)
	}

	deps := httpserver.Deps{
		Webhook:      handler.NewWebhookHandler(relaySvc, cfg.Webhook.VerificationToken, cfg.Webhook.MaxBodyBytes, log),
		Subscription: handler.NewSubscriptionHandler(subs),
		Message:      handler.NewMessageHandler(resolver),
		Store:        st,
		JWTSecret:    cfg.JWT.Secret,
		Logger:       log,
	}
	if publisher != nil {
		deps.Broker = publisher
	}
	router := httpserver.NewRouter(deps)

	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting relay", zap.String("port", cfg.Server.Port), zap.String("db_driver", cfg.DB.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server start failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
