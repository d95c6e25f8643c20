package amqp

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"go.flowcatalyst.tech/internal/queue"
)

func TestMessageIDPrefersMessageID(t *testing.T) {
	msg := &Message{
		delivery: amqp.Delivery{MessageId: "dedup-1", DeliveryTag: 7},
	}
	if msg.ID() != "dedup-1" {
		t.Errorf("expected ID 'dedup-1', got %s", msg.ID())
	}
}

func TestMessageIDFallsBackToDeliveryTag(t *testing.T) {
	msg := &Message{
		delivery: amqp.Delivery{DeliveryTag: 42},
	}
	if msg.ID() != "42" {
		t.Errorf("expected ID '42', got %s", msg.ID())
	}
}

func TestMessageSubjectReturnsRoutingKey(t *testing.T) {
	msg := &Message{
		delivery: amqp.Delivery{RoutingKey: "flowcatalyst.dispatch"},
	}
	if msg.Subject() != "flowcatalyst.dispatch" {
		t.Errorf("expected subject 'flowcatalyst.dispatch', got %s", msg.Subject())
	}
}

func TestMessageDataReturnsBody(t *testing.T) {
	msg := &Message{
		delivery: amqp.Delivery{Body: []byte(`{"jobId":"job-1"}`)},
	}
	if string(msg.Data()) != `{"jobId":"job-1"}` {
		t.Errorf("unexpected body: %s", msg.Data())
	}
}

func TestMessageGroupReadsHeader(t *testing.T) {
	msg := &Message{
		delivery: amqp.Delivery{
			Headers: amqp.Table{headerMessageGroup: "order-123"},
		},
	}
	if msg.MessageGroup() != "order-123" {
		t.Errorf("expected message group 'order-123', got %s", msg.MessageGroup())
	}
}

func TestMessageGroupEmptyWhenHeaderMissing(t *testing.T) {
	msg := &Message{delivery: amqp.Delivery{Headers: amqp.Table{}}}
	if msg.MessageGroup() != "" {
		t.Errorf("expected empty message group, got %s", msg.MessageGroup())
	}
}

func TestMessageMetadataFlattensHeaders(t *testing.T) {
	msg := &Message{
		delivery: amqp.Delivery{
			Headers: amqp.Table{
				headerMessageGroup:  "order-123",
				headerDeduplication: "dedup-1",
				"x-death-count":     int64(2),
			},
		},
	}
	metadata := msg.Metadata()
	if metadata[headerMessageGroup] != "order-123" {
		t.Errorf("expected message group in metadata, got %v", metadata)
	}
	if metadata["x-death-count"] != "2" {
		t.Errorf("expected flattened int64 header, got %v", metadata["x-death-count"])
	}
}

func TestMessageMetadataNilWhenNoHeaders(t *testing.T) {
	msg := &Message{delivery: amqp.Delivery{}}
	if msg.Metadata() != nil {
		t.Errorf("expected nil metadata, got %v", msg.Metadata())
	}
}

func TestMessageInProgressIsNoOp(t *testing.T) {
	msg := &Message{}
	if err := msg.InProgress(); err != nil {
		t.Errorf("expected InProgress to be a no-op, got error: %v", err)
	}
}

func TestAMQPConfigDefaults(t *testing.T) {
	cfg := queue.AMQPConfig{}
	if cfg.PrefetchCount != 0 {
		t.Errorf("expected zero-value PrefetchCount, got %d", cfg.PrefetchCount)
	}
	if cfg.Exchange != "" {
		t.Errorf("expected empty Exchange, got %s", cfg.Exchange)
	}
}
