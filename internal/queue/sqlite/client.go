// Package sqlite provides an embedded, single-node queue backend backed by
// SQLite. It implements the same queue.Publisher/queue.Consumer contract as
// the NATS and SQS drivers so the router can run without any external
// broker for development and single-instance deployments.
package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	gorm_sqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"go.flowcatalyst.tech/internal/queue"
)

// dispatchRow is the gorm model backing the embedded queue table. DedupID is
// a pointer so unset values store as NULL rather than empty string -- SQLite
// treats multiple NULLs in a unique index as distinct, but multiple empty
// strings would collide after the first non-deduplicated insert.
type dispatchRow struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	JobID        string    `gorm:"column:job_id;index"`
	DedupID      *string   `gorm:"column:dedup_id;uniqueIndex"`
	MessageGroup string    `gorm:"column:message_group;index"`
	Subject      string    `gorm:"column:subject"`
	Payload      []byte    `gorm:"column:payload"`
	Headers      string    `gorm:"column:headers"`
	LockedBy     string    `gorm:"column:locked_by;index"`
	VisibleAt    time.Time `gorm:"column:visible_at;index"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (dispatchRow) TableName() string { return "dispatch_messages" }

// Client owns the SQLite connection and hands out a shared Publisher and
// per-consumer pollers.
type Client struct {
	db     *gorm.DB
	config *queue.SQLiteConfig
}

// NewClient opens (and migrates) the embedded SQLite queue database.
func NewClient(cfg *queue.SQLiteConfig) (*Client, error) {
	path := cfg.Path
	if path == "" {
		path = "./data/router.db"
	}

	db, err := gorm.Open(gorm_sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded sqlite queue: %w", err)
	}

	if err := db.AutoMigrate(&dispatchRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate embedded sqlite queue: %w", err)
	}

	return &Client{db: db, config: cfg}, nil
}

// Publisher returns the client's publisher.
func (c *Client) Publisher() queue.Publisher {
	return &Publisher{db: c.db}
}

// CreateConsumer creates a poller for the embedded queue. name is used only
// for logging; the SQLite backend has a single shared table.
func (c *Client) CreateConsumer(ctx context.Context, name string) (*Consumer, error) {
	pollInterval := c.config.PollInterval
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	visibility := c.config.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}

	return &Consumer{
		db:                c.db,
		name:              name,
		pollInterval:      pollInterval,
		visibilityTimeout: visibility,
		batchSize:         10,
	}, nil
}

// Close closes the underlying database connection.
func (c *Client) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// HealthCheck verifies the database connection is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Publisher inserts dispatch rows into the embedded queue table.
type Publisher struct {
	db *gorm.DB
}

// Publish inserts a message with no message group and no deduplication.
func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	return p.insert(ctx, subject, data, "", "")
}

// PublishWithGroup inserts a message tagged with a message group for FIFO
// ordering (enforced by the router, not by SQLite).
func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	return p.insert(ctx, subject, data, messageGroup, "")
}

// PublishWithDeduplication inserts a message, silently skipping the insert
// if a row with the same deduplication ID already exists.
func (p *Publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	return p.insert(ctx, subject, data, "", deduplicationID)
}

func (p *Publisher) insert(ctx context.Context, subject string, data []byte, messageGroup, dedupID string) error {
	row := &dispatchRow{
		Subject:      subject,
		Payload:      data,
		MessageGroup: messageGroup,
		VisibleAt:    time.Now(),
		CreatedAt:    time.Now(),
	}
	if dedupID != "" {
		row.DedupID = &dedupID
	}

	result := p.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if result.Error != nil {
		return fmt.Errorf("failed to enqueue message: %w", result.Error)
	}
	return nil
}

// Close is a no-op; the connection is owned by the Client.
func (p *Publisher) Close() error { return nil }

// Consumer polls the dispatch_messages table for visible, unclaimed rows.
type Consumer struct {
	db                *gorm.DB
	name              string
	pollInterval      time.Duration
	visibilityTimeout time.Duration
	batchSize         int
	running           bool
}

// Consume polls for visible messages and invokes handler for each, following
// the same adaptive pacing as the other long-poll-style drivers: an empty
// poll waits a full interval, a partial batch waits briefly, a full batch
// polls again immediately.
func (c *Consumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	slog.Info("Starting embedded sqlite consumer", "consumer", c.name)
	c.running = true

	for {
		select {
		case <-ctx.Done():
			slog.Info("Embedded sqlite consumer context cancelled, stopping", "consumer", c.name)
			c.running = false
			return ctx.Err()
		default:
		}

		claimed, err := c.claimBatch(ctx)
		if err != nil {
			slog.Error("Error polling embedded sqlite queue", "error", err, "consumer", c.name)
			time.Sleep(time.Second)
			continue
		}

		for _, row := range claimed {
			msg := &Message{db: c.db, row: row, visibilityTimeout: c.visibilityTimeout}
			if err := handler(msg); err != nil {
				slog.Error("Message handler error", "error", err, "consumer", c.name, "jobId", row.JobID)
			}
		}

		switch {
		case len(claimed) == 0:
			time.Sleep(c.pollInterval)
		case len(claimed) < c.batchSize:
			time.Sleep(c.pollInterval / 2)
		}
	}
}

// claimBatch atomically claims up to batchSize visible rows by marking them
// invisible for visibilityTimeout. SQLite has no SELECT...FOR UPDATE, so
// claiming is done row-by-row with a conditional UPDATE to avoid a second
// poller (or a second call within the same process) double-claiming a row.
func (c *Consumer) claimBatch(ctx context.Context) ([]dispatchRow, error) {
	var candidates []dispatchRow
	now := time.Now()
	if err := c.db.WithContext(ctx).
		Where("visible_at <= ?", now).
		Order("id ASC").
		Limit(c.batchSize).
		Find(&candidates).Error; err != nil {
		return nil, err
	}

	claimed := make([]dispatchRow, 0, len(candidates))
	claimedBy := c.name
	nextVisible := now.Add(c.visibilityTimeout)

	for _, row := range candidates {
		result := c.db.WithContext(ctx).Model(&dispatchRow{}).
			Where("id = ? AND visible_at <= ?", row.ID, now).
			Updates(map[string]any{"locked_by": claimedBy, "visible_at": nextVisible})
		if result.Error != nil {
			return claimed, result.Error
		}
		if result.RowsAffected == 1 {
			claimed = append(claimed, row)
		}
	}
	return claimed, nil
}

// Close stops the consumer. The poll loop exits via context cancellation.
func (c *Consumer) Close() error {
	c.running = false
	return nil
}

// Message wraps a claimed dispatch_messages row.
type Message struct {
	db                *gorm.DB
	row               dispatchRow
	visibilityTimeout time.Duration
}

// ID returns the message's dedup ID if set, otherwise its row ID.
func (m *Message) ID() string {
	if m.row.DedupID != nil && *m.row.DedupID != "" {
		return *m.row.DedupID
	}
	return fmt.Sprintf("%d", m.row.ID)
}

// Data returns the message payload.
func (m *Message) Data() []byte { return m.row.Payload }

// Subject returns the message subject.
func (m *Message) Subject() string { return m.row.Subject }

// MessageGroup returns the message group.
func (m *Message) MessageGroup() string { return m.row.MessageGroup }

// Ack removes the row from the queue.
func (m *Message) Ack() error {
	return m.db.Where("id = ?", m.row.ID).Delete(&dispatchRow{}).Error
}

// Nak releases the claim immediately, making the row visible again.
func (m *Message) Nak() error {
	return m.db.Model(&dispatchRow{}).Where("id = ?", m.row.ID).
		Updates(map[string]any{"locked_by": "", "visible_at": time.Now()}).Error
}

// NakWithDelay releases the claim after the given delay.
func (m *Message) NakWithDelay(delay time.Duration) error {
	return m.db.Model(&dispatchRow{}).Where("id = ?", m.row.ID).
		Updates(map[string]any{"locked_by": "", "visible_at": time.Now().Add(delay)}).Error
}

// InProgress extends the invisibility window by the consumer's configured
// visibility timeout, mirroring an SQS visibility extension heartbeat.
func (m *Message) InProgress() error {
	return m.db.Model(&dispatchRow{}).Where("id = ?", m.row.ID).
		Update("visible_at", time.Now().Add(m.visibilityTimeout)).Error
}

// Metadata decodes the row's stored headers.
func (m *Message) Metadata() map[string]string {
	if m.row.Headers == "" {
		return nil
	}
	var headers map[string]string
	if err := json.Unmarshal([]byte(m.row.Headers), &headers); err != nil {
		return nil
	}
	return headers
}
