// Package amqp provides a RabbitMQ (AMQP 0-9-1) queue backend. Message groups
// and deduplication IDs have no native AMQP equivalent, so both are carried
// as message headers and enforced by the router rather than the broker.
// Delayed redelivery (NakWithDelay) is implemented with a wait exchange: a
// per-message TTL plus a dead-letter binding back to the dispatch exchange,
// following the standard RabbitMQ delayed-retry pattern.
package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"go.flowcatalyst.tech/internal/queue"
)

const (
	headerMessageGroup  = "x-message-group"
	headerDeduplication = "x-deduplication-id"
)

// Client owns the AMQP connection and channel topology: a durable direct
// exchange and queue for dispatch, and a wait exchange/queue pair used to
// implement delayed nacks via dead-lettering.
type Client struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	config  *queue.AMQPConfig
}

// NewClient dials the broker and declares the exchange/queue topology.
func NewClient(cfg *queue.AMQPConfig) (*Client, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial amqp broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}

	c := &Client{conn: conn, channel: ch, config: cfg}
	if err := c.declareTopology(); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) declareTopology() error {
	exchange := c.config.Exchange
	queueName := c.config.Queue
	waitExchange := c.config.WaitExchange
	waitQueue := queueName + ".wait"

	if err := c.channel.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dispatch exchange: %w", err)
	}

	if _, err := c.channel.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dispatch queue: %w", err)
	}
	if err := c.channel.QueueBind(queueName, queueName, exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind dispatch queue: %w", err)
	}

	if err := c.channel.ExchangeDeclare(waitExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare wait exchange: %w", err)
	}

	// The wait queue has no consumer; messages sit until their per-message
	// TTL expires, then dead-letter back to the dispatch exchange with the
	// same routing key they were published with.
	waitArgs := amqp.Table{
		"x-dead-letter-exchange":    exchange,
		"x-dead-letter-routing-key": queueName,
	}
	if _, err := c.channel.QueueDeclare(waitQueue, true, false, false, false, waitArgs); err != nil {
		return fmt.Errorf("failed to declare wait queue: %w", err)
	}
	if err := c.channel.QueueBind(waitQueue, waitQueue, waitExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind wait queue: %w", err)
	}

	return nil
}

// Publisher returns a publisher bound to the dispatch exchange.
func (c *Client) Publisher() queue.Publisher {
	return &Publisher{channel: c.channel, exchange: c.config.Exchange, queueName: c.config.Queue}
}

// CreateConsumer creates a consumer reading from the dispatch queue. name is
// used as the AMQP consumer tag.
func (c *Client) CreateConsumer(ctx context.Context, name string) (*Consumer, error) {
	prefetch := c.config.PrefetchCount
	if prefetch <= 0 {
		prefetch = 20
	}
	if err := c.channel.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	return &Consumer{
		channel:      c.channel,
		queueName:    c.config.Queue,
		waitExchange: c.config.WaitExchange,
		name:         name,
	}, nil
}

// Close closes the channel and connection.
func (c *Client) Close() error {
	if err := c.channel.Close(); err != nil {
		slog.Warn("Error closing amqp channel", "error", err)
	}
	return c.conn.Close()
}

// HealthCheck verifies the connection is still open.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.conn.IsClosed() {
		return fmt.Errorf("amqp connection is closed")
	}
	return nil
}

// Publisher publishes dispatch messages to the AMQP exchange.
type Publisher struct {
	channel   *amqp.Channel
	exchange  string
	queueName string
}

// Publish sends a message with no group or deduplication headers.
func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	return p.publish(ctx, subject, data, "", "")
}

// PublishWithGroup sends a message carrying a message group header. AMQP
// does not enforce per-group ordering; the router does that on consume.
func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	return p.publish(ctx, subject, data, messageGroup, "")
}

// PublishWithDeduplication sends a message carrying a deduplication header.
// AMQP does not deduplicate on the broker side; this is informational only
// unless a consumer-side dedup store is layered on top.
func (p *Publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	return p.publish(ctx, subject, data, "", deduplicationID)
}

func (p *Publisher) publish(ctx context.Context, subject string, data []byte, messageGroup, dedupID string) error {
	headers := amqp.Table{}
	if messageGroup != "" {
		headers[headerMessageGroup] = messageGroup
	}
	if dedupID != "" {
		headers[headerDeduplication] = dedupID
	}

	err := p.channel.PublishWithContext(ctx, p.exchange, p.queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    dedupID,
		Headers:      headers,
		Body:         data,
	})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close is a no-op; the channel is owned by the Client.
func (p *Publisher) Close() error { return nil }

// Consumer reads deliveries from the dispatch queue.
type Consumer struct {
	channel      *amqp.Channel
	queueName    string
	waitExchange string
	name         string
}

// Consume starts consuming deliveries and calls handler for each.
func (c *Consumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	slog.Info("Starting amqp consumer", "consumer", c.name, "queue", c.queueName)

	deliveries, err := c.channel.Consume(c.queueName, c.name, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("Amqp consumer context cancelled, stopping", "consumer", c.name)
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("amqp delivery channel closed")
			}
			msg := &Message{
				channel:      c.channel,
				delivery:     delivery,
				exchange:     delivery.Exchange,
				queueName:    c.queueName,
				waitExchange: c.waitExchange,
			}
			if err := handler(msg); err != nil {
				slog.Error("Message handler error", "error", err, "consumer", c.name)
			}
		}
	}
}

// Close cancels the consumer tag.
func (c *Consumer) Close() error {
	return c.channel.Cancel(c.name, false)
}

// Message wraps an AMQP delivery.
type Message struct {
	channel      *amqp.Channel
	delivery     amqp.Delivery
	exchange     string
	queueName    string
	waitExchange string
}

// ID returns the delivery's message ID if set, otherwise its delivery tag.
func (m *Message) ID() string {
	if m.delivery.MessageId != "" {
		return m.delivery.MessageId
	}
	return fmt.Sprintf("%d", m.delivery.DeliveryTag)
}

// Data returns the message body.
func (m *Message) Data() []byte { return m.delivery.Body }

// Subject returns the routing key the message was published with.
func (m *Message) Subject() string { return m.delivery.RoutingKey }

// MessageGroup returns the message group header, if present.
func (m *Message) MessageGroup() string {
	if v, ok := m.delivery.Headers[headerMessageGroup]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Ack acknowledges the delivery.
func (m *Message) Ack() error {
	return m.delivery.Ack(false)
}

// Nak rejects the delivery and requeues it immediately.
func (m *Message) Nak() error {
	return m.delivery.Nack(false, true)
}

// NakWithDelay republishes the message to the wait exchange with a
// per-message TTL, then acknowledges the original delivery. The wait queue
// has no consumer, so the message sits until the TTL expires and RabbitMQ
// dead-letters it back to the dispatch exchange.
func (m *Message) NakWithDelay(delay time.Duration) error {
	err := m.channel.PublishWithContext(context.Background(), m.waitExchange, m.queueName+".wait", false, false, amqp.Publishing{
		ContentType:  m.delivery.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    m.delivery.MessageId,
		Headers:      m.delivery.Headers,
		Expiration:   fmt.Sprintf("%d", delay.Milliseconds()),
		Body:         m.delivery.Body,
	})
	if err != nil {
		return fmt.Errorf("failed to republish to wait exchange: %w", err)
	}
	return m.delivery.Ack(false)
}

// InProgress is a no-op. AMQP has no visibility-timeout concept to extend;
// an unacked delivery simply stays reserved by this consumer until acked,
// nacked, or the connection drops.
func (m *Message) InProgress() error { return nil }

// Metadata returns the delivery headers, flattened to strings.
func (m *Message) Metadata() map[string]string {
	if len(m.delivery.Headers) == 0 {
		return nil
	}
	metadata := make(map[string]string, len(m.delivery.Headers))
	for k, v := range m.delivery.Headers {
		metadata[k] = fmt.Sprintf("%v", v)
	}
	return metadata
}
