package forward

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	mqcontracts "mailrelay/contracts/mq"
	"mailrelay/pkg/logger"
	"mailrelay/pkg/metrics"
	"mailrelay/pkg/mq"
	"mailrelay/pkg/trace"
)

// Direct posts to the backend in the request path.
type Direct struct {
	client *BackendClient
}

func NewDirect(client *BackendClient) *Direct {
	return &Direct{client: client}
}

func (d *Direct) Notify(ctx context.Context, payload *mqcontracts.MailEnrichedPayload) error {
	if err := d.client.Post(ctx, payload); err != nil {
		metrics.IncrementForward("failed")
		return err
	}
	metrics.IncrementForward("success")
	return nil
}

// Publisher is the part of *mq.Publisher the event notifier needs.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Event publishes mail.enriched; Consumer delivers it to the backend.
type Event struct {
	publisher Publisher
}

func NewEvent(publisher Publisher) *Event {
	return &Event{publisher: publisher}
}

func (e *Event) Notify(ctx context.Context, payload *mqcontracts.MailEnrichedPayload) error {
	if err := e.publisher.Publish(ctx, mqcontracts.RoutingKeyMailEnriched, payload); err != nil {
		metrics.IncrementForward("failed")
		return fmt.Errorf("publish %s: %w", mqcontracts.RoutingKeyMailEnriched, err)
	}
	return nil
}

// Consumer handles mail.enriched deliveries. A returned error makes the
// mq consumer dead-letter the message.
type Consumer struct {
	client *BackendClient
	logger *zap.Logger
}

func NewConsumer(client *BackendClient, logger *zap.Logger) *Consumer {
	return &Consumer{client: client, logger: logger}
}

// Handle matches mq.MessageHandler.
func (c *Consumer) Handle(ctx context.Context, raw json.RawMessage) error {
	var payload mqcontracts.MailEnrichedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.logger.Error("Invalid MailEnrichedPayload, sending to DLQ", zap.String("raw", string(raw)), zap.Error(err))
		metrics.IncrementForward("dead_lettered")
		return fmt.Errorf("bad_payload: %w", err)
	}
	if payload.TraceID != "" && trace.FromContext(ctx) == "" {
		ctx = trace.WithContext(ctx, payload.TraceID)
	}

	log := logger.WithTrace(ctx, c.logger).With(
		zap.String("content_hash", payload.ContentHash),
		zap.String("mailbox", payload.MailboxAddress),
	)
	if err := c.client.Post(ctx, &payload); err != nil {
		metrics.IncrementForward("dead_lettered")
		log.Error("Forward to backend failed", zap.Error(err))
		return err
	}

	metrics.IncrementForward("success")
	log.Info("Record forwarded to backend")
	return nil
}

var _ mq.MessageHandler = (*Consumer)(nil).Handle
