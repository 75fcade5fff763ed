package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"mailrelay/pkg/trace"
)

type MessageHandler func(ctx context.Context, data json.RawMessage) error

// acknowledger settles one delivery; amqp091.Delivery satisfies it.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

type deadLetterer interface {
	PublishToDLQ(ctx context.Context, routingKey string, payload []byte, originalError string) error
}

// Consumer delivers one queue bound to one routing key to a handler.
// Every delivery is acked exactly once; failed deliveries are dead-lettered
// through deadLetter (when set) instead of being requeued.
type Consumer struct {
	conn       *amqp091.Connection
	channel    *amqp091.Channel
	queue      amqp091.Queue
	routingKey string
	tag        string
	handler    MessageHandler
	deadLetter deadLetterer
	logger     *zap.Logger
	stopOnce   sync.Once
}

// NewConsumer declares queueName, binds it to routingKey on the events exchange
// and declares the matching DLQ queue.
func NewConsumer(url, queueName, routingKey string, logger *zap.Logger) (*Consumer, error) {
	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	fail := func(format string, err error) (*Consumer, error) {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf(format, err)
	}

	if err := DeclareExchanges(ch); err != nil {
		return fail("%w", err)
	}
	if _, err := DeclareDLQQueue(ch, routingKey); err != nil {
		return fail("failed to declare dlq queue: %w", err)
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fail("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, routingKey, ExchangeName, false, nil); err != nil {
		return fail("failed to bind queue: %w", err)
	}

	logger.Info("Consumer initialized",
		zap.String("routing_key", routingKey),
		zap.String("queue", queueName),
		zap.String("exchange", ExchangeName),
	)

	return &Consumer{
		conn:       conn,
		channel:    ch,
		queue:      q,
		routingKey: routingKey,
		tag:        queueName + ".consumer",
		logger:     logger,
	}, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

// SetDeadLetter routes failed deliveries to p's DLQ exchange.
func (c *Consumer) SetDeadLetter(p *Publisher) {
	if p != nil {
		c.deadLetter = p
	}
}

// Stop cancels the subscription; StartConsuming returns once the delivery
// channel drains.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		if c.channel != nil {
			if err := c.channel.Cancel(c.tag, false); err != nil {
				c.logger.Warn("Failed to cancel consumer", zap.String("queue", c.queue.Name), zap.Error(err))
			}
		}
	})
}

func (c *Consumer) Close() {
	c.Stop()
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// StartConsuming blocks until ctx is done or the broker closes the channel.
// Cancelling ctx stops new deliveries; the one in flight still runs to
// completion on a context detached from ctx, so shutdown does not turn it
// into a dead letter.
func (c *Consumer) StartConsuming(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		c.tag,
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
	)

	go func() {
		<-ctx.Done()
		c.Stop()
	}()

	deliveryCtx := deliveryContext(ctx)
	for msg := range deliveries {
		c.deliver(deliveryCtx, msg.Headers, msg.Body, msg)
	}

	return nil
}

// deliveryContext keeps the values of ctx and drops its cancellation.
func deliveryContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func (c *Consumer) deliver(ctx context.Context, headers amqp091.Table, body []byte, ack acknowledger) {
	if traceID, ok := headers[trace.HeaderName].(string); ok && traceID != "" {
		ctx = trace.WithContext(ctx, traceID)
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Handler panic recovered",
				zap.String("routing_key", c.routingKey),
				zap.String("queue", c.queue.Name),
				zap.Any("panic", r),
			)
			c.reject(ctx, body, ack, fmt.Sprintf("panic: %v", r))
		}
	}()

	if err := c.handler(ctx, body); err != nil {
		c.logger.Error("Handler error",
			zap.String("routing_key", c.routingKey),
			zap.String("queue", c.queue.Name),
			zap.Error(err),
		)
		c.reject(ctx, body, ack, err.Error())
		return
	}

	if err := ack.Ack(false); err != nil {
		c.logger.Error("Failed to ack message", zap.String("routing_key", c.routingKey), zap.Error(err))
	}
}

// reject dead-letters body and acks it. Without a DLQ publisher, or when the
// DLQ publish fails, the message is nacked without requeue.
func (c *Consumer) reject(ctx context.Context, body []byte, ack acknowledger, reason string) {
	if c.deadLetter != nil {
		err := c.deadLetter.PublishToDLQ(ctx, c.routingKey, body, reason)
		if err == nil {
			if err := ack.Ack(false); err != nil {
				c.logger.Error("Failed to ack dead-lettered message", zap.String("routing_key", c.routingKey), zap.Error(err))
			}
			return
		}
		c.logger.Error("Failed to publish to DLQ", zap.String("routing_key", c.routingKey), zap.Error(err))
	}
	if err := ack.Nack(false, false); err != nil {
		c.logger.Error("Failed to nack message", zap.String("routing_key", c.routingKey), zap.Error(err))
	}
}
