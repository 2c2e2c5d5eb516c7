package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"socialchat/internal/logger"
	"socialchat/internal/metrics"
	"socialchat/internal/model"
)

// DefaultQueueSize bounds the number of messages waiting to be archived.
const DefaultQueueSize = 512

const insertMessage = `INSERT IGNORE INTO chat_messages (id, sender_id, sender_name, content, created_at) VALUES (?, ?, ?, ?, ?)`

// Archive copies published messages into chat_messages on a background
// goroutine. It is best effort: a full queue drops the message and a failed
// insert is logged and skipped.
type Archive struct {
	db      *sql.DB
	queue   chan model.ChatMessage
	log     *zap.Logger
	metrics *metrics.Metrics
	timeout time.Duration
}

func NewArchive(db *sql.DB, queueSize int, log *zap.Logger, m *metrics.Metrics) *Archive {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Archive{
		db:      db,
		queue:   make(chan model.ChatMessage, queueSize),
		log:     logger.OrNop(log),
		metrics: m,
		timeout: 5 * time.Second,
	}
}

// Enqueue never blocks.
func (a *Archive) Enqueue(msg model.ChatMessage) {
	select {
	case a.queue <- msg:
	default:
		a.metrics.ArchiveDropped()
		a.log.Warn("archive queue full, dropping message", zap.String("message_id", msg.ID))
	}
}

// Run writes queued messages until ctx is done, then flushes what is already
// queued. Cancelling ctx does not abort an insert in flight.
func (a *Archive) Run(ctx context.Context) {
	wctx := context.WithoutCancel(ctx)
	for {
		select {
		case msg := <-a.queue:
			a.write(wctx, msg)
		case <-ctx.Done():
			a.flush(wctx)
			return
		}
	}
}

func (a *Archive) flush(ctx context.Context) {
	for {
		select {
		case msg := <-a.queue:
			a.write(ctx, msg)
		default:
			return
		}
	}
}

func (a *Archive) write(ctx context.Context, msg model.ChatMessage) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.Insert(ctx, msg); err != nil {
		a.log.Error("❌ archive insert failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

// Insert stores one message. Re-inserting an id is a no-op.
func (a *Archive) Insert(ctx context.Context, msg model.ChatMessage) error {
	created, err := time.Parse(model.TimeLayout, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", msg.Timestamp, err)
	}
	if _, err := a.db.ExecContext(ctx, insertMessage,
		msg.ID, msg.SenderID, msg.SenderName, msg.Content, created); err != nil {
		return fmt.Errorf("insert chat message %s: %w", msg.ID, err)
	}
	return nil
}
