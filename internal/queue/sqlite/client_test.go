package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.flowcatalyst.tech/internal/queue"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := &queue.SQLiteConfig{
		Path:              filepath.Join(t.TempDir(), "router.db"),
		PollInterval:      10 * time.Millisecond,
		VisibilityTimeout: 200 * time.Millisecond,
	}
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestPublisherPublishAndConsumerClaim(t *testing.T) {
	client := newTestClient(t)
	publisher := client.Publisher()

	ctx := context.Background()
	if err := publisher.Publish(ctx, "dispatch", []byte(`{"jobId":"job-1"}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	consumer, err := client.CreateConsumer(ctx, "test-consumer")
	if err != nil {
		t.Fatalf("CreateConsumer failed: %v", err)
	}

	claimed, err := consumer.claimBatch(ctx)
	if err != nil {
		t.Fatalf("claimBatch failed: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed row, got %d", len(claimed))
	}
	if string(claimed[0].Payload) != `{"jobId":"job-1"}` {
		t.Errorf("unexpected payload: %s", claimed[0].Payload)
	}

	// A second immediate claim should see nothing: the row is invisible.
	claimedAgain, err := consumer.claimBatch(ctx)
	if err != nil {
		t.Fatalf("claimBatch failed: %v", err)
	}
	if len(claimedAgain) != 0 {
		t.Errorf("expected 0 rows on second claim, got %d", len(claimedAgain))
	}
}

func TestMessageAckRemovesRow(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	if err := client.Publisher().Publish(ctx, "dispatch", []byte("payload")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	consumer, _ := client.CreateConsumer(ctx, "test-consumer")
	claimed, err := consumer.claimBatch(ctx)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claimBatch failed: %v, len=%d", err, len(claimed))
	}

	msg := &Message{db: client.db, row: claimed[0], visibilityTimeout: time.Second}
	if err := msg.Ack(); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	var count int64
	client.db.Model(&dispatchRow{}).Count(&count)
	if count != 0 {
		t.Errorf("expected row to be deleted after Ack, count=%d", count)
	}
}

func TestMessageNakWithDelayDefersVisibility(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	if err := client.Publisher().Publish(ctx, "dispatch", []byte("payload")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	consumer, _ := client.CreateConsumer(ctx, "test-consumer")
	claimed, _ := consumer.claimBatch(ctx)
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed row")
	}

	msg := &Message{db: client.db, row: claimed[0], visibilityTimeout: time.Second}
	if err := msg.NakWithDelay(50 * time.Millisecond); err != nil {
		t.Fatalf("NakWithDelay failed: %v", err)
	}

	// Immediately: not yet visible.
	if again, _ := consumer.claimBatch(ctx); len(again) != 0 {
		t.Fatalf("expected row to stay invisible immediately after NakWithDelay")
	}

	time.Sleep(60 * time.Millisecond)
	again, err := consumer.claimBatch(ctx)
	if err != nil {
		t.Fatalf("claimBatch failed: %v", err)
	}
	if len(again) != 1 {
		t.Fatalf("expected row to become visible after delay, got %d", len(again))
	}
}

func TestPublisherPublishWithDeduplicationSkipsDuplicate(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	publisher := client.Publisher()

	if err := publisher.PublishWithDeduplication(ctx, "dispatch", []byte("a"), "dedup-1"); err != nil {
		t.Fatalf("first publish failed: %v", err)
	}
	if err := publisher.PublishWithDeduplication(ctx, "dispatch", []byte("b"), "dedup-1"); err != nil {
		t.Fatalf("duplicate publish should be swallowed, not error: %v", err)
	}

	var count int64
	client.db.Model(&dispatchRow{}).Count(&count)
	if count != 1 {
		t.Errorf("expected exactly 1 row after duplicate publish, got %d", count)
	}
}

func TestPublisherPublishWithGroupSetsMessageGroup(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	if err := client.Publisher().PublishWithGroup(ctx, "dispatch", []byte("payload"), "order-123"); err != nil {
		t.Fatalf("PublishWithGroup failed: %v", err)
	}

	consumer, _ := client.CreateConsumer(ctx, "test-consumer")
	claimed, err := consumer.claimBatch(ctx)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claimBatch failed: %v, len=%d", err, len(claimed))
	}
	if claimed[0].MessageGroup != "order-123" {
		t.Errorf("expected message group order-123, got %s", claimed[0].MessageGroup)
	}
}
