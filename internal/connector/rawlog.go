package connector

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RawEntry is one inbound websocket frame, recorded before interpretation.
type RawEntry struct {
	ID         string
	ReceivedAt time.Time
	Payload    []byte
}

// RawLogger records every inbound message durably, append-only. Append must
// not block the message path.
type RawLogger interface {
	Append(entry RawEntry)
}

// NopRawLog discards entries. Used in tests.
type NopRawLog struct{}

func (NopRawLog) Append(RawEntry) {}

// StreamRawLogKey is the Redis stream holding raw inbound messages.
const StreamRawLogKey = "eventsub:raw"

// StreamRawLog appends inbound frames to a Redis stream through a buffered
// channel so the websocket read path never waits on Redis. A full buffer
// drops the entry with a warning; the stored timeline does not depend on
// the raw log, it exists for replay and debugging.
type StreamRawLog struct {
	client *redis.Client
	ch     chan RawEntry
	logger *zap.Logger
}

// NewStreamRawLog creates a Redis-stream raw logger. Call Run to start the
// writer goroutine.
func NewStreamRawLog(client *redis.Client, logger *zap.Logger) *StreamRawLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamRawLog{
		client: client,
		ch:     make(chan RawEntry, 1024),
		logger: logger,
	}
}

// Append queues an entry for the writer goroutine.
func (l *StreamRawLog) Append(entry RawEntry) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	select {
	case l.ch <- entry:
	default:
		l.logger.Warn("raw log buffer full, entry dropped", zap.String("entry_id", entry.ID))
	}
}

// Run drains the buffer into Redis until ctx is done, then flushes what is
// still queued.
func (l *StreamRawLog) Run(ctx context.Context) {
	for {
		select {
		case entry := <-l.ch:
			l.write(ctx, entry)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for {
				select {
				case entry := <-l.ch:
					l.write(flushCtx, entry)
				default:
					return
				}
			}
		}
	}
}

func (l *StreamRawLog) write(ctx context.Context, entry RawEntry) {
	err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamRawLogKey,
		MaxLen: 100000,
		Approx: true,
		Values: map[string]interface{}{
			"entry_id":    entry.ID,
			"received_at": entry.ReceivedAt.UTC().Format(time.RFC3339Nano),
			"payload":     entry.Payload,
		},
	}).Err()
	if err != nil {
		l.logger.Warn("raw log append failed", zap.Error(err), zap.String("entry_id", entry.ID))
	}
}
