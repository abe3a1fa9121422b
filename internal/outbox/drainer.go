package outbox

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"lattice-backend/internal/errors"
)

const (
	pendingSetKey  = "outbox:pending"
	eventKeyPrefix = "outbox:event:"
)

// Handler applies one event to the vector store.
type Handler func(ctx context.Context, event Event) error

// DurableDrainer persists events in Redis — one value per event plus a
// pending-ID set — so a crash between graph commit and vector sync loses
// nothing. Events that keep failing past the retry budget are discarded.
type DurableDrainer struct {
	client     redis.UniversalClient
	handler    Handler
	maxRetries int
	logger     *zap.Logger

	// OnDiscard, when set, is called for every event dropped without being
	// applied.
	OnDiscard func()
}

// NewDurableDrainer creates a drainer.
func NewDurableDrainer(client redis.UniversalClient, handler Handler, maxRetries int, logger *zap.Logger) *DurableDrainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRetries < 1 {
		maxRetries = 5
	}
	return &DurableDrainer{client: client, handler: handler, maxRetries: maxRetries, logger: logger}
}

// Persist stores events durably before any processing attempt. It is the
// coalescing outbox's sink.
func (d *DurableDrainer) Persist(ctx context.Context, events []Event) {
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			d.logger.Error("outbox event encode failed", zap.String("event_id", event.EventID), zap.Error(err))
			continue
		}
		pipe := d.client.TxPipeline()
		pipe.Set(ctx, eventKeyPrefix+event.EventID, data, 0)
		pipe.SAdd(ctx, pendingSetKey, event.EventID)
		if _, err := pipe.Exec(ctx); err != nil {
			d.logger.Error("outbox event persist failed", zap.String("event_id", event.EventID), zap.Error(err))
		}
	}
}

// PendingIDs lists the persisted, unprocessed event IDs.
func (d *DurableDrainer) PendingIDs(ctx context.Context) ([]string, error) {
	ids, err := d.client.SMembers(ctx, pendingSetKey).Result()
	if err != nil {
		return nil, errors.Store("OUTBOX_PENDING", "failed to list pending events").WithCause(err).Build()
	}
	return ids, nil
}

// DrainPending processes every persisted event: success removes it,
// failure increments its retry count, and exhausting the budget discards
// it. Returns the number successfully processed.
func (d *DurableDrainer) DrainPending(ctx context.Context) int {
	ids, err := d.PendingIDs(ctx)
	if err != nil {
		d.logger.Error("outbox drain aborted", zap.Error(err))
		return 0
	}

	processed := 0
	for _, id := range ids {
		data, err := d.client.Get(ctx, eventKeyPrefix+id).Bytes()
		if err != nil {
			// Orphaned pending entry; drop it.
			d.client.SRem(ctx, pendingSetKey, id)
			continue
		}
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			d.logger.Error("outbox event unreadable, discarding", zap.String("event_id", id), zap.Error(err))
			d.discard(ctx, id)
			continue
		}

		if err := d.handler(ctx, event); err != nil {
			event.RetryCount++
			if event.RetryCount >= d.maxRetries {
				d.logger.Error("outbox event exhausted retries, discarding",
					zap.String("event_id", id),
					zap.String("collection", event.Collection),
					zap.Int("retries", event.RetryCount),
					zap.Error(err))
				d.discard(ctx, id)
				continue
			}
			if updated, err := json.Marshal(event); err == nil {
				d.client.Set(ctx, eventKeyPrefix+id, updated, 0)
			}
			d.logger.Warn("outbox event failed, will retry",
				zap.String("event_id", id),
				zap.Int("retry_count", event.RetryCount),
				zap.Error(err))
			continue
		}
		d.remove(ctx, id)
		processed++
	}
	return processed
}

func (d *DurableDrainer) discard(ctx context.Context, id string) {
	d.remove(ctx, id)
	if d.OnDiscard != nil {
		d.OnDiscard()
	}
}

func (d *DurableDrainer) remove(ctx context.Context, id string) {
	pipe := d.client.TxPipeline()
	pipe.Del(ctx, eventKeyPrefix+id)
	pipe.SRem(ctx, pendingSetKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		d.logger.Warn("outbox event cleanup failed", zap.String("event_id", id), zap.Error(err))
	}
}
